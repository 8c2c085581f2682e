package utils

import (
	"os"
)

// SyncDir syncs a directory so that renames and removals inside it are
// persisted before the caller proceeds.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	return d.Sync()
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// DirExists checks if a directory exists.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CreateDirIfNotExists creates a directory if it doesn't exist.
func CreateDirIfNotExists(path string) error {
	if !DirExists(path) {
		return os.MkdirAll(path, 0755)
	}
	return nil
}

// TruncateFile truncates a file to the specified size.
func TruncateFile(path string, size int64) error {
	return os.Truncate(path, size)
}
