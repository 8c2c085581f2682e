// Package filters implements the per-run Bloom filter used by the read path
// to skip runs that cannot contain a key.
package filters

import (
	"encoding/binary"

	blake3 "lukechampine.com/blake3"
)

// Filter geometry. Fixed for the life of a store directory: filters are
// rebuilt from run contents on startup and never persisted, so every filter
// in a process shares the same shape.
const (
	NumBits   = 10_000
	NumHashes = 3
)

// BloomFilter is an approximate membership filter over the keys of one run
// (or one memtable slot). Probe positions are h_i(key) = (H(key)+i) mod
// NumBits, where H is the first eight bytes of BLAKE3-256 of the key.
// No false negatives.
type BloomFilter struct {
	bits [(NumBits + 63) / 64]uint64
}

// New creates an empty Bloom filter.
func New() *BloomFilter {
	return &BloomFilter{}
}

// Add records a key in the filter.
func (bf *BloomFilter) Add(key []byte) {
	h := baseHash(key)
	for i := uint64(0); i < NumHashes; i++ {
		pos := (h + i) % NumBits
		bf.bits[pos/64] |= uint64(1) << (pos % 64)
	}
}

// Contains reports whether the key may have been added. A false result is
// definitive; a true result must be confirmed against the run itself.
func (bf *BloomFilter) Contains(key []byte) bool {
	h := baseHash(key)
	for i := uint64(0); i < NumHashes; i++ {
		pos := (h + i) % NumBits
		if bf.bits[pos/64]&(uint64(1)<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// Reset clears the filter.
func (bf *BloomFilter) Reset() {
	bf.bits = [(NumBits + 63) / 64]uint64{}
}

// baseHash derives the 64-bit base hash H(key) from BLAKE3-256.
func baseHash(key []byte) uint64 {
	sum := blake3.Sum256(key)
	return binary.LittleEndian.Uint64(sum[:8])
}
