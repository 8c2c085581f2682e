package tierkv

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tierkv/tierkv/internal/common"
	"github.com/tierkv/tierkv/pkg/tierkv/run"
	"github.com/tierkv/tierkv/pkg/tierkv/wal"
)

func testOptions() *Options {
	opts := DefaultOptions()
	opts.Logger = NewNullLogger()
	return opts
}

func mustOpen(t *testing.T, dir string, opts *Options) Store {
	t.Helper()
	st, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func TestStoreBasicOperations(t *testing.T) {
	st := mustOpen(t, t.TempDir(), testOptions())
	defer st.Close()

	if err := st.Set([]byte("a"), []byte("1")); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := st.Set([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("set b: %v", err)
	}

	value, found, err := st.Get([]byte("a"))
	if err != nil || !found || string(value) != "1" {
		t.Fatalf("get a = (%q,%v,%v), want (1,true,nil)", value, found, err)
	}

	_, found, err = st.Get([]byte("c"))
	if err != nil {
		t.Fatalf("get c: %v", err)
	}
	if found {
		t.Fatal("expected c to be absent")
	}
}

func TestStoreOverwrite(t *testing.T) {
	st := mustOpen(t, t.TempDir(), testOptions())
	defer st.Close()

	st.Set([]byte("k"), []byte("v1"))
	st.Set([]byte("k"), []byte("v2"))

	value, found, err := st.Get([]byte("k"))
	if err != nil || !found || string(value) != "v2" {
		t.Fatalf("get k = (%q,%v,%v), want (v2,true,nil)", value, found, err)
	}
}

func TestStoreDelete(t *testing.T) {
	st := mustOpen(t, t.TempDir(), testOptions())
	defer st.Close()

	st.Set([]byte("k"), []byte("v"))
	if err := st.Delete([]byte("k")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, found, err := st.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}
	if found {
		t.Fatal("expected deleted key to be absent")
	}

	// A later set shadows the tombstone.
	st.Set([]byte("k"), []byte("again"))
	value, found, _ := st.Get([]byte("k"))
	if !found || string(value) != "again" {
		t.Fatalf("get after re-set = (%q,%v), want (again,true)", value, found)
	}
}

func TestStoreRejectsBadRecords(t *testing.T) {
	opts := testOptions()
	opts.MemLimit = 1000
	st := mustOpen(t, t.TempDir(), opts)
	defer st.Close()

	if err := st.Set(nil, []byte("v")); err != ErrEmptyKey {
		t.Fatalf("empty key: got %v, want %v", err, ErrEmptyKey)
	}
	big := bytes.Repeat([]byte("x"), 1000)
	if err := st.Set([]byte("k"), big); err != ErrRecordTooLarge {
		t.Fatalf("oversize record: got %v, want %v", err, ErrRecordTooLarge)
	}
	if err := st.Set([]byte("k"), bytes.Repeat([]byte("x"), 500)); err != nil {
		t.Fatalf("record under the limit rejected: %v", err)
	}
}

func testValue(i int) []byte {
	return []byte(fmt.Sprintf("value-%04d-", i) + strings.Repeat("x", 88))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStoreFlushAndCompaction(t *testing.T) {
	opts := testOptions()
	opts.MemLimit = 20_000
	st := mustOpen(t, t.TempDir(), opts)
	defer st.Close()

	const n = 2000
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if err := st.Set(key, testValue(i)); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	// Overwrite the second half so compacted runs must keep the newest
	// version.
	for i := n / 2; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		if err := st.Set(key, testValue(i+10_000)); err != nil {
			t.Fatalf("overwrite %d: %v", i, err)
		}
	}

	if err := st.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stats := st.Stats()
	if stats.Flushes == 0 {
		t.Fatal("expected at least one flush")
	}
	waitFor(t, "a compaction", func() bool { return st.Stats().Compactions > 0 })

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		want := testValue(i)
		if i >= n/2 {
			want = testValue(i + 10_000)
		}
		value, found, err := st.Get(key)
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if !found {
			t.Fatalf("key %d missing after flush/compaction", i)
		}
		if !bytes.Equal(value, want) {
			t.Fatalf("key %d: got %q, want %q", i, value, want)
		}
	}
}

func TestStoreReopenDurability(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MemLimit = 20_000

	st := mustOpen(t, dir, opts)
	const n = 500
	for i := 0; i < n; i++ {
		if err := st.Set([]byte(fmt.Sprintf("key-%04d", i)), testValue(i)); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	st.Delete([]byte("key-0007"))
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st = mustOpen(t, dir, opts)
	defer st.Close()

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		value, found, err := st.Get(key)
		if err != nil {
			t.Fatalf("get %d after reopen: %v", i, err)
		}
		if i == 7 {
			if found {
				t.Fatal("deleted key resurfaced after reopen")
			}
			continue
		}
		if !found || !bytes.Equal(value, testValue(i)) {
			t.Fatalf("key %d lost or wrong after reopen", i)
		}
	}
}

// TestStoreRecoverMidFlush simulates a crash while a flush was in flight:
// both WAL files exist, plus a stray transient run in tier 1. All committed
// writes must be readable and newer records must shadow older ones.
func TestStoreRecoverMidFlush(t *testing.T) {
	dir := t.TempDir()

	w, err := wal.Open(dir, common.NewNullLogger(), true)
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	w.Append([]byte("k1"), []byte("old1"), false)
	w.Append([]byte("k2"), []byte("old2"), false)
	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	w.Append([]byte("k2"), []byte("new2"), false)
	w.Append([]byte("k3"), []byte("new3"), false)
	w.Close()

	// The interrupted flush also left transient run files behind.
	tierDir := filepath.Join(dir, common.TierDir(1))
	os.MkdirAll(tierDir, 0755)
	os.WriteFile(run.TempDataPath(tierDir), []byte("partial"), 0644)
	os.WriteFile(run.TempMetaPath(tierDir), []byte("partial"), 0644)

	st := mustOpen(t, dir, testOptions())
	defer st.Close()

	for key, want := range map[string]string{"k1": "old1", "k2": "new2", "k3": "new3"} {
		value, found, err := st.Get([]byte(key))
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !found || string(value) != want {
			t.Fatalf("get %s = (%q,%v), want (%q,true)", key, value, found, want)
		}
	}

	// The frozen WAL was flushed into a run with strictly increasing,
	// duplicate-free keys.
	if !run.Exists(tierDir, 1) {
		t.Fatal("expected the frozen WAL to be flushed into a tier-1 run")
	}
	assertRunsSorted(t, tierDir)
	if _, err := os.Stat(wal.FrozenPath(dir)); !os.IsNotExist(err) {
		t.Fatal("frozen WAL should be deleted after recovery flush")
	}
}

// assertRunsSorted checks every run in a tier directory for strictly
// increasing keys.
func assertRunsSorted(t *testing.T, tierDir string) {
	t.Helper()
	for j := 1; run.Exists(tierDir, j); j++ {
		sc, err := run.OpenScanner(tierDir, j)
		if err != nil {
			t.Fatalf("open run %d: %v", j, err)
		}
		var prev []byte
		for {
			key, _, _, ok, err := sc.Next()
			if err != nil {
				t.Fatalf("scan run %d: %v", j, err)
			}
			if !ok {
				break
			}
			if prev != nil && bytes.Compare(key, prev) <= 0 {
				t.Fatalf("run %d keys not strictly increasing: %q after %q", j, key, prev)
			}
			prev = append(prev[:0], key...)
		}
		sc.Close()
	}
}

func TestStoreConcurrentReadersWriter(t *testing.T) {
	opts := testOptions()
	opts.MemLimit = 4000
	st := mustOpen(t, t.TempDir(), opts)
	defer st.Close()

	const n = 300
	var committed atomic.Int64
	var writerDone atomic.Bool
	var wg sync.WaitGroup
	errCh := make(chan error, 16)

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer writerDone.Store(true)
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("key-%04d", i))
			if err := st.Set(key, testValue(i)); err != nil {
				errCh <- fmt.Errorf("set %d: %w", i, err)
				return
			}
			committed.Store(int64(i + 1))
		}
	}()

	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !writerDone.Load() {
				limit := committed.Load()
				for i := int64(0); i < limit; i++ {
					key := []byte(fmt.Sprintf("key-%04d", i))
					value, found, err := st.Get(key)
					if err != nil {
						errCh <- fmt.Errorf("get %d: %w", i, err)
						return
					}
					if !found {
						errCh <- fmt.Errorf("committed key %d not visible", i)
						return
					}
					if !bytes.Equal(value, testValue(int(i))) {
						errCh <- fmt.Errorf("key %d has wrong value", i)
						return
					}
				}
			}
		}()
	}

	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	// Final pass: every committed set is observable.
	for i := 0; i < n; i++ {
		_, found, err := st.Get([]byte(fmt.Sprintf("key-%04d", i)))
		if err != nil || !found {
			t.Fatalf("key %d not visible at quiescence (err=%v)", i, err)
		}
	}
}

// TestStoreCompactionEquivalence checks that GET results with background
// compaction enabled are indistinguishable from results with it disabled.
func TestStoreCompactionEquivalence(t *testing.T) {
	mkOpts := func(disable bool) *Options {
		opts := testOptions()
		opts.MemLimit = 4000
		opts.DisableBackgroundCompaction = disable
		return opts
	}
	a := mustOpen(t, t.TempDir(), mkOpts(false))
	defer a.Close()
	b := mustOpen(t, t.TempDir(), mkOpts(true))
	defer b.Close()

	const n = 400
	apply := func(st Store) {
		for i := 0; i < n; i++ {
			key := []byte(fmt.Sprintf("key-%04d", i))
			st.Set(key, testValue(i))
			if i%3 == 0 {
				st.Delete(key)
			}
			if i%5 == 0 {
				st.Set(key, testValue(i+1000))
			}
		}
	}
	apply(a)
	apply(b)

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		va, fa, ea := a.Get(key)
		vb, fb, eb := b.Get(key)
		if ea != nil || eb != nil {
			t.Fatalf("get %d: %v / %v", i, ea, eb)
		}
		if fa != fb || !bytes.Equal(va, vb) {
			t.Fatalf("key %d diverges: (%q,%v) vs (%q,%v)", i, va, fa, vb, fb)
		}
	}
}

// TestStoreTombstoneCollapse checks that a compaction emptying into the
// deepest tier leaves no tombstone records on disk.
func TestStoreTombstoneCollapse(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions()
	opts.MemLimit = 20_000
	opts.MinRuns = 2
	st := mustOpen(t, dir, opts)
	defer st.Close()

	const n = 20
	for i := 0; i < n; i++ {
		st.Set([]byte(fmt.Sprintf("key-%04d", i)), testValue(i))
	}
	if err := st.Flush(context.Background()); err != nil {
		t.Fatalf("flush sets: %v", err)
	}
	for i := 0; i < n; i++ {
		st.Delete([]byte(fmt.Sprintf("key-%04d", i)))
	}
	if err := st.Flush(context.Background()); err != nil {
		t.Fatalf("flush deletes: %v", err)
	}

	waitFor(t, "the collapse compaction", func() bool { return st.Stats().Compactions > 0 })

	for i := 0; i < n; i++ {
		_, found, err := st.Get([]byte(fmt.Sprintf("key-%04d", i)))
		if err != nil {
			t.Fatalf("get %d: %v", i, err)
		}
		if found {
			t.Fatalf("deleted key %d resurfaced", i)
		}
	}

	// No tombstones remain in any on-disk run.
	for i := 1; ; i++ {
		tierDir := filepath.Join(dir, common.TierDir(i))
		if _, err := os.Stat(tierDir); err != nil {
			break
		}
		for j := 1; run.Exists(tierDir, j); j++ {
			sc, err := run.OpenScanner(tierDir, j)
			if err != nil {
				t.Fatalf("open tier %d run %d: %v", i, j, err)
			}
			for {
				key, _, tomb, ok, err := sc.Next()
				if err != nil {
					t.Fatalf("scan tier %d run %d: %v", i, j, err)
				}
				if !ok {
					break
				}
				if tomb {
					t.Fatalf("tombstone for %q survived the deepest-tier merge", key)
				}
			}
			sc.Close()
		}
	}
}

func TestStoreClosed(t *testing.T) {
	st := mustOpen(t, t.TempDir(), testOptions())
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if err := st.Set([]byte("k"), []byte("v")); err != ErrClosed {
		t.Fatalf("set after close: got %v, want %v", err, ErrClosed)
	}
	if _, _, err := st.Get([]byte("k")); err != ErrClosed {
		t.Fatalf("get after close: got %v, want %v", err, ErrClosed)
	}
}

func TestStoreStats(t *testing.T) {
	st := mustOpen(t, t.TempDir(), testOptions())
	defer st.Close()

	st.Set([]byte("a"), []byte("1"))
	st.Set([]byte("b"), []byte("2"))
	st.Delete([]byte("a"))
	st.Get([]byte("a"))

	stats := st.Stats()
	if stats.TotalSets != 2 || stats.TotalDeletes != 1 || stats.TotalGets != 1 {
		t.Fatalf("unexpected counters: %+v", stats)
	}
	if stats.MemtableEntries != 2 {
		t.Fatalf("memtable entries = %d, want 2", stats.MemtableEntries)
	}
}
