//go:build linux

package utils

import (
	"os"

	"golang.org/x/sys/unix"
)

// Fdatasync flushes file data to stable storage without forcing a metadata
// sync when the kernel can avoid one.
func Fdatasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
