//go:build !linux

package utils

import "os"

// Fdatasync falls back to fsync on platforms without fdatasync.
func Fdatasync(f *os.File) error {
	return f.Sync()
}
