// Package tierkv implements a persistent, single-node key-value store built
// on a tiered LSM engine: a durable write-ahead log, a two-slot memtable,
// immutable sorted on-disk runs with per-run Bloom filters, and background
// flush and compaction workers. Point lookups probe the memtables first and
// then the on-disk tiers newest-first, so the first definitive answer wins.
package tierkv

import (
	"context"

	"github.com/tierkv/tierkv/internal/common"
)

// Store is the public engine interface consumed by the REPL and the RESP
// server.
type Store interface {
	// Set stores value under key.
	Set(key, value []byte) error

	// Get returns the value stored under key. The second result is false
	// when the key is absent or tombstoned.
	Get(key []byte) ([]byte, bool, error)

	// Delete removes key by writing a tombstone.
	Delete(key []byte) error

	// Flush freezes the active memtable and blocks until it has been
	// written to a tier-1 run. Intended for tests and maintenance.
	Flush(ctx context.Context) error

	// Stats returns current engine statistics.
	Stats() Stats

	// Close stops the background workers and releases all resources.
	Close() error
}

// Errors surfaced to callers.
var (
	ErrClosed         = common.ErrClosed
	ErrRecordTooLarge = common.ErrRecordTooLarge
	ErrEmptyKey       = common.ErrEmptyKey
)

// Options configures the store behavior.
type Options struct {
	// Logger provides structured logging.
	Logger common.Logger

	// MemLimit sets the byte size at which the active memtable is frozen,
	// and bounds |key|+|value| of a single record.
	MemLimit int64

	// MinRuns sets the run count at which a tier is compacted into the
	// next tier.
	MinRuns int

	// SyncWrites fsyncs every WAL record before the write returns. On by
	// default; disabling it trades the durability contract for throughput.
	SyncWrites bool

	// DisableBackgroundCompaction turns off all compaction, including the
	// catch-up pass on open. Reads stay correct, only slower.
	DisableBackgroundCompaction bool
}

// DefaultOptions returns default store options.
func DefaultOptions() *Options {
	return &Options{
		Logger:     NewDefaultLogger(),
		MemLimit:   common.DefaultMemLimit,
		MinRuns:    common.DefaultMinRuns,
		SyncWrites: true,
	}
}

// Stats contains store statistics.
type Stats struct {
	// MemtableBytes is the aggregate byte size of the active memtable.
	MemtableBytes int64

	// MemtableEntries is the entry count of the active memtable.
	MemtableEntries int

	// FrozenEntries is the entry count of the frozen memtable, zero when
	// no flush is in flight.
	FrozenEntries int

	// TierRuns holds the run count per on-disk tier; TierRuns[0] is tier 1.
	TierRuns []int

	// TotalSets is the cumulative number of accepted sets.
	TotalSets uint64

	// TotalDeletes is the cumulative number of accepted deletes.
	TotalDeletes uint64

	// TotalGets is the cumulative number of lookups.
	TotalGets uint64

	// Flushes is the number of memtable flushes completed.
	Flushes uint64

	// Compactions is the number of tier compactions completed.
	Compactions uint64
}
