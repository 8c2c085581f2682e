// Package compaction implements the k-way streaming merge that folds all
// runs of a tier into a single run of the next tier.
package compaction

import (
	"bytes"

	"github.com/tierkv/tierkv/internal/filters"
	"github.com/tierkv/tierkv/pkg/tierkv/run"
)

type cursor struct {
	key       []byte
	value     []byte
	tombstone bool
	valid     bool
}

// Merge merges srcs into dst, building the new run's Bloom filter in the
// same pass. Sources are ordered oldest to newest (ascending run index
// within the tier); for a key present in several sources only the newest
// version is emitted. Every source holding the emitted key is advanced, so
// stale duplicates can never survive a round. Output keys are strictly
// increasing.
//
// When dropTombstones is true the merge is emptying into the deepest tier:
// a tombstone there means the key is deleted everywhere, so the record is
// elided instead of carried forward.
func Merge(dst *run.Writer, srcs []*run.Scanner, filter *filters.BloomFilter, dropTombstones bool) error {
	cur := make([]cursor, len(srcs))

	advance := func(j int) error {
		k, v, t, ok, err := srcs[j].Next()
		if err != nil {
			return err
		}
		cur[j] = cursor{key: k, value: v, tombstone: t, valid: ok}
		return nil
	}

	for j := range srcs {
		if err := advance(j); err != nil {
			return err
		}
	}

	for {
		// Smallest key wins; on ties the highest-index (newest) source
		// wins, so scan from the newest down and replace only on a
		// strictly smaller key.
		best := -1
		for j := len(cur) - 1; j >= 0; j-- {
			if !cur[j].valid {
				continue
			}
			if best == -1 || bytes.Compare(cur[j].key, cur[best].key) < 0 {
				best = j
			}
		}
		if best == -1 {
			return nil
		}

		c := cur[best]
		if !(dropTombstones && c.tombstone) {
			if err := dst.Append(c.key, c.value, c.tombstone); err != nil {
				return err
			}
			filter.Add(c.key)
		}

		for j := range cur {
			if cur[j].valid && bytes.Equal(cur[j].key, c.key) {
				if err := advance(j); err != nil {
					return err
				}
			}
		}
	}
}
