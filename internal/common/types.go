package common

import (
	"errors"
	"fmt"
)

// Engine limits and thresholds.
const (
	// DefaultMemLimit bounds |key|+|value| for a single record and the
	// aggregate byte size of the active memtable before it is frozen.
	DefaultMemLimit = 4_000_000

	// DefaultMinRuns is the run count at which a tier is merged into the
	// next tier.
	DefaultMinRuns = 4
)

// Value tags used in WAL records and run data files. The value slot is a
// tagged variant: a tombstone carries no value bytes.
const (
	TagValue     uint8 = 0x01
	TagTombstone uint8 = 0x00
)

// File names within the store root directory.
const (
	FileWAL        = "WAL.bin"
	FileWALFrozen  = "WAL_temp.bin"
	FileWALRecover = "WAL_recover.bin"

	FileTempRun  = "temp.bin"
	FileTempMeta = "metadata_temp.bin"
)

// DefaultDir is the store root used when none is configured.
const DefaultDir = "./Database"

// Common errors.
var (
	ErrClosed         = errors.New("store is closed")
	ErrRecordTooLarge = errors.New("record exceeds memtable limit")
	ErrEmptyKey       = errors.New("empty key not allowed")
	ErrCRCMismatch    = errors.New("CRC checksum mismatch")
	ErrCorrupt        = errors.New("data corruption detected")
	ErrInvalidOffset  = errors.New("invalid file offset")
	ErrKeyOrder       = errors.New("keys must be strictly increasing")
)

// TierDir returns the directory name of tier i within the store root.
func TierDir(i int) string {
	return fmt.Sprintf("Tier_%d", i)
}

// RunDataFile returns the data file name of run j within a tier directory.
// Runs are 1-indexed.
func RunDataFile(j int) string {
	return fmt.Sprintf("%d.bin", j)
}

// RunMetaFile returns the metadata file name of run j within a tier directory.
func RunMetaFile(j int) string {
	return fmt.Sprintf("metadata%d.bin", j)
}

// Logger provides structured logging.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)
