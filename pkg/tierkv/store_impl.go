package tierkv

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/tierkv/tierkv/internal/common"
	"github.com/tierkv/tierkv/internal/filters"
	"github.com/tierkv/tierkv/internal/locks"
	"github.com/tierkv/tierkv/pkg/tierkv/compaction"
	"github.com/tierkv/tierkv/pkg/tierkv/memtable"
	"github.com/tierkv/tierkv/pkg/tierkv/run"
	"github.com/tierkv/tierkv/pkg/tierkv/utils"
	"github.com/tierkv/tierkv/pkg/tierkv/wal"
)

// tier is one on-disk level of the LSM hierarchy. It owns its directory,
// its reader-writer lock, its merge permit, and one Bloom filter per run.
type tier struct {
	index   int
	dir     string
	lock    *locks.RWLock
	permit  *locks.Permit
	runs    int
	filters []*filters.BloomFilter
}

// store implements Store.
type store struct {
	dir    string
	opts   Options
	logger common.Logger

	// Tier 0: the two-slot memtable. The tier0 lock covers the active
	// slot and the write path; the frozen lock covers the frozen slot
	// against the flusher's clear.
	tier0        *locks.RWLock
	frozenLock   *locks.RWLock
	active       *memtable.Memtable
	frozen       *memtable.Memtable
	activeFilter *filters.BloomFilter
	frozenFilter *filters.BloomFilter
	wal          *wal.WAL

	// Flush signalling: flushInProgress is true from freeze until the
	// frozen memtable has been cleared; flushDone wakes writers waiting
	// to freeze again.
	flushMu         sync.Mutex
	flushInProgress bool
	flushDone       *sync.Cond

	flushCh   chan struct{}
	compactCh chan int
	closeCh   chan struct{}
	wg        sync.WaitGroup

	tiersMu sync.RWMutex
	tiers   []*tier // tiers[0] is Tier_1

	closed atomic.Bool

	totalSets    atomic.Uint64
	totalDeletes atomic.Uint64
	totalGets    atomic.Uint64
	flushes      atomic.Uint64
	compactions  atomic.Uint64
}

// Open opens or creates a store rooted at dir. It reconstructs the tier
// registry and Bloom filters from the on-disk runs, compacts any tier
// already over threshold, replays the WAL files into the active memtable,
// flushes immediately when the replayed memtable is already full, and then
// starts the background workers.
func Open(dir string, opts *Options) (Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	o := *opts
	if o.Logger == nil {
		o.Logger = common.NewNullLogger()
	}
	if o.MemLimit <= 0 {
		o.MemLimit = common.DefaultMemLimit
	}
	if o.MinRuns < 2 {
		o.MinRuns = common.DefaultMinRuns
	}
	if dir == "" {
		dir = common.DefaultDir
	}

	if err := utils.CreateDirIfNotExists(dir); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	s := &store{
		dir:          dir,
		opts:         o,
		logger:       o.Logger,
		tier0:        locks.NewRWLock(),
		frozenLock:   locks.NewRWLock(),
		active:       memtable.New(),
		frozen:       memtable.New(),
		activeFilter: filters.New(),
		frozenFilter: filters.New(),
		flushCh:      make(chan struct{}, 1),
		compactCh:    make(chan int, 1),
		closeCh:      make(chan struct{}),
	}
	s.flushDone = sync.NewCond(&s.flushMu)

	s.logger.Info("opening store", "dir", dir)

	if err := s.loadTiers(); err != nil {
		return nil, err
	}
	if !o.DisableBackgroundCompaction {
		if err := s.compactOverThreshold(); err != nil {
			return nil, err
		}
	}
	if err := s.recoverWAL(); err != nil {
		return nil, err
	}

	w, err := wal.Open(dir, o.Logger, o.SyncWrites)
	if err != nil {
		return nil, err
	}
	s.wal = w

	s.wg.Add(1)
	go s.flushLoop()
	s.wg.Add(1)
	go s.compactLoop()

	s.logger.Info("store opened", "dir", dir, "tiers", s.numTiers())
	return s, nil
}

// loadTiers scans Tier_i directories in order, counts their runs, and
// rebuilds each run's Bloom filter by streaming its keys.
func (s *store) loadTiers() error {
	for i := 1; utils.DirExists(filepath.Join(s.dir, common.TierDir(i))); i++ {
		t := s.newTier(i)

		// Leftover transient files from an interrupted flush are
		// superseded by WAL replay; those from an interrupted compaction
		// by the source runs, which are removed only after install.
		os.Remove(run.TempDataPath(t.dir))
		os.Remove(run.TempMetaPath(t.dir))

		for j := 1; run.Exists(t.dir, j); j++ {
			f, err := rebuildFilter(t.dir, j)
			if err != nil {
				return fmt.Errorf("rebuild filter for tier %d run %d: %w", i, j, err)
			}
			t.filters = append(t.filters, f)
			t.runs = j
		}

		s.tiers = append(s.tiers, t)
		s.logger.Info("loaded tier", "tier", i, "runs", t.runs)
	}
	return nil
}

// rebuildFilter streams a run's keys into a fresh Bloom filter.
func rebuildFilter(dir string, index int) (*filters.BloomFilter, error) {
	sc, err := run.OpenScanner(dir, index)
	if err != nil {
		return nil, err
	}
	defer sc.Close()

	f := filters.New()
	for {
		key, _, _, ok, err := sc.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return f, nil
		}
		f.Add(key)
	}
}

// compactOverThreshold compacts, deepest first, every tier already over the
// run threshold when the store is opened.
func (s *store) compactOverThreshold() error {
	for i := s.numTiers(); i >= 1; i-- {
		t := s.tier(i)
		t.lock.RLock()
		over := t.runs >= s.opts.MinRuns
		t.lock.RUnlock()
		if over {
			t.permit.Acquire()
			if err := s.compact(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// recoverWAL handles the four startup states of {WAL.bin, WAL_temp.bin}.
// A frozen WAL covers a memtable whose flush was in flight when the process
// died; it is replayed and flushed to a tier-1 run before the active WAL is
// replayed, preserving record order. While both files exist the active WAL
// is parked under a unique intermediate name so neither can be lost.
func (s *store) recoverWAL() error {
	activeP := wal.ActivePath(s.dir)
	frozenP := wal.FrozenPath(s.dir)
	recoverP := wal.RecoverPath(s.dir)

	if utils.FileExists(frozenP) {
		if utils.FileExists(activeP) {
			if err := os.Rename(activeP, recoverP); err != nil {
				return fmt.Errorf("park active WAL: %w", err)
			}
		}

		mt := memtable.New()
		err := wal.ReplayFile(frozenP, s.logger, func(key, value []byte, tombstone bool) error {
			return mt.Put(key, value, tombstone)
		})
		if err != nil {
			return err
		}
		if mt.Len() > 0 {
			if err := s.recoveryFlush(mt); err != nil {
				return err
			}
		}
		if err := os.Remove(frozenP); err != nil {
			return fmt.Errorf("remove frozen WAL: %w", err)
		}
		if err := utils.SyncDir(s.dir); err != nil {
			return err
		}
		s.logger.Info("recovered frozen WAL", "records", mt.Len())
	}

	if utils.FileExists(recoverP) {
		if err := os.Rename(recoverP, activeP); err != nil {
			return fmt.Errorf("unpark active WAL: %w", err)
		}
		if err := utils.SyncDir(s.dir); err != nil {
			return err
		}
	}

	if utils.FileExists(activeP) {
		err := wal.ReplayFile(activeP, s.logger, func(key, value []byte, tombstone bool) error {
			if err := s.active.Put(key, value, tombstone); err != nil {
				return err
			}
			s.activeFilter.Add(key)
			return nil
		})
		if err != nil {
			return err
		}
		s.logger.Info("replayed active WAL", "entries", s.active.Len())

		// A replayed memtable already at the freeze threshold must be
		// flushed before the store accepts writes.
		if s.active.Size() >= s.opts.MemLimit {
			if err := s.recoveryFlush(s.active); err != nil {
				return err
			}
			s.active = memtable.New()
			s.activeFilter = filters.New()
			if err := os.Remove(activeP); err != nil {
				return fmt.Errorf("remove flushed WAL: %w", err)
			}
			if err := utils.SyncDir(s.dir); err != nil {
				return err
			}
		}
	}

	return nil
}

// recoveryFlush writes mt as a new tier-1 run during startup, before the
// background workers exist.
func (s *store) recoveryFlush(mt *memtable.Memtable) error {
	t1 := s.tier(1)
	f, err := s.writeRun(t1, mt)
	if err != nil {
		return err
	}

	t1.permit.Acquire()
	t1.lock.Lock()
	if err := run.Install(t1.dir, t1.runs+1); err != nil {
		t1.lock.Unlock()
		t1.permit.Release()
		return err
	}
	t1.filters = append(t1.filters, f)
	t1.runs++
	over := t1.runs >= s.opts.MinRuns
	t1.lock.Unlock()
	s.flushes.Add(1)

	if over && !s.opts.DisableBackgroundCompaction {
		return s.compact(1)
	}
	t1.permit.Release()
	return nil
}

// writeRun streams mt into the tier's transient run files and returns the
// new run's Bloom filter. The memtable is already in key order, so one
// sequential pass builds both.
func (s *store) writeRun(t *tier, mt *memtable.Memtable) (*filters.BloomFilter, error) {
	w, err := run.NewWriter(t.dir)
	if err != nil {
		return nil, err
	}
	f := filters.New()

	var aerr error
	mt.Scan(func(e memtable.Entry) bool {
		if aerr = w.Append(e.Key, e.Value, e.Tombstone); aerr != nil {
			return false
		}
		f.Add(e.Key)
		return true
	})
	if aerr != nil {
		w.Abort()
		return nil, aerr
	}
	if err := w.Finish(); err != nil {
		w.Abort()
		return nil, err
	}
	return f, nil
}

// Set stores value under key.
func (s *store) Set(key, value []byte) error {
	return s.put(key, value, false)
}

// Delete removes key by writing a tombstone.
func (s *store) Delete(key []byte) error {
	return s.put(key, nil, true)
}

func (s *store) put(key, value []byte, tombstone bool) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if int64(len(key))+int64(len(value)) >= s.opts.MemLimit {
		return ErrRecordTooLarge
	}

	// The memtable retains its slices; callers may reuse theirs.
	k := append([]byte(nil), key...)
	var v []byte
	if !tombstone {
		v = append([]byte(nil), value...)
	}

	s.tier0.Lock()
	for s.active.Size() >= s.opts.MemLimit {
		if !s.flushRunning() {
			if err := s.freezeLocked(); err != nil {
				s.tier0.Unlock()
				return err
			}
			break
		}
		// At most one frozen memtable at a time: wait out the
		// in-flight flush before freezing again.
		s.tier0.Unlock()
		s.waitFlushDone()
		if s.closed.Load() {
			return ErrClosed
		}
		s.tier0.Lock()
	}

	if err := s.wal.Append(k, v, tombstone); err != nil {
		s.tier0.Unlock()
		s.logger.Error("WAL append failed", "error", err)
		return err
	}
	if err := s.active.Put(k, v, tombstone); err != nil {
		s.tier0.Unlock()
		return err
	}
	s.activeFilter.Add(k)
	s.tier0.Unlock()

	if tombstone {
		s.totalDeletes.Add(1)
	} else {
		s.totalSets.Add(1)
	}
	return nil
}

// freezeLocked swaps the active memtable into the frozen slot, rotates the
// WAL, and wakes the flusher. Caller holds the tier-0 write lock and has
// verified no flush is in progress.
func (s *store) freezeLocked() error {
	if err := s.wal.Rotate(); err != nil {
		return err
	}

	s.frozenLock.Lock()
	s.frozen = s.active
	s.frozenFilter = s.activeFilter
	s.frozenLock.Unlock()

	s.active = memtable.New()
	s.activeFilter = filters.New()

	s.flushMu.Lock()
	s.flushInProgress = true
	s.flushMu.Unlock()

	select {
	case s.flushCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *store) flushRunning() bool {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()
	return s.flushInProgress
}

func (s *store) waitFlushDone() {
	s.flushMu.Lock()
	for s.flushInProgress && !s.closed.Load() {
		s.flushDone.Wait()
	}
	s.flushMu.Unlock()
}

// Get returns the value stored under key, probing the active memtable, the
// frozen memtable, and then every tier's runs newest-first. The first
// definitive answer terminates the search: later layers hold older data.
func (s *store) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	s.totalGets.Add(1)

	s.tier0.RLock()
	if s.activeFilter.Contains(key) {
		if e, ok := s.active.Get(key); ok {
			s.tier0.RUnlock()
			if e.Tombstone {
				return nil, false, nil
			}
			return append([]byte(nil), e.Value...), true, nil
		}
	}
	s.tier0.RUnlock()

	s.frozenLock.RLock()
	if s.frozenFilter.Contains(key) {
		if e, ok := s.frozen.Get(key); ok {
			s.frozenLock.RUnlock()
			if e.Tombstone {
				return nil, false, nil
			}
			return append([]byte(nil), e.Value...), true, nil
		}
	}
	s.frozenLock.RUnlock()

	for i := 1; i <= s.numTiers(); i++ {
		t := s.tier(i)
		t.lock.RLock()
		for j := t.runs; j >= 1; j-- {
			if !t.filters[j-1].Contains(key) {
				continue
			}
			value, found, tomb, err := s.findInRun(t, j, key)
			if err != nil {
				t.lock.RUnlock()
				return nil, false, err
			}
			if found {
				t.lock.RUnlock()
				if tomb {
					return nil, false, nil
				}
				return value, true, nil
			}
			// Bloom false positive: keep scanning older runs.
		}
		t.lock.RUnlock()
	}

	return nil, false, nil
}

func (s *store) findInRun(t *tier, j int, key []byte) ([]byte, bool, bool, error) {
	r, err := run.OpenReader(t.dir, j)
	if err != nil {
		return nil, false, false, fmt.Errorf("open tier %d run %d: %w", t.index, j, err)
	}
	defer r.Close()
	return r.Get(key)
}

// Flush freezes the active memtable (when non-empty) and waits until no
// flush is in flight.
func (s *store) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.tier0.Lock()
	if s.active.Len() > 0 {
		for s.flushRunning() {
			s.tier0.Unlock()
			s.waitFlushDone()
			if err := ctx.Err(); err != nil {
				return err
			}
			if s.closed.Load() {
				return ErrClosed
			}
			s.tier0.Lock()
		}
		if err := s.freezeLocked(); err != nil {
			s.tier0.Unlock()
			return err
		}
	}
	s.tier0.Unlock()

	s.waitFlushDone()
	return ctx.Err()
}

// Stats returns current engine statistics.
func (s *store) Stats() Stats {
	st := Stats{
		TotalSets:    s.totalSets.Load(),
		TotalDeletes: s.totalDeletes.Load(),
		TotalGets:    s.totalGets.Load(),
		Flushes:      s.flushes.Load(),
		Compactions:  s.compactions.Load(),
	}

	s.tier0.RLock()
	st.MemtableBytes = s.active.Size()
	st.MemtableEntries = s.active.Len()
	s.tier0.RUnlock()

	s.frozenLock.RLock()
	st.FrozenEntries = s.frozen.Len()
	s.frozenLock.RUnlock()

	for i := 1; i <= s.numTiers(); i++ {
		t := s.tier(i)
		t.lock.RLock()
		st.TierRuns = append(st.TierRuns, t.runs)
		t.lock.RUnlock()
	}
	return st
}

// Close stops the background workers and releases all resources. Callers
// must stop issuing requests before Close; a frozen memtable whose flush
// had not started stays covered by its WAL and is recovered on next open.
func (s *store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.closeCh)
	s.flushMu.Lock()
	s.flushDone.Broadcast()
	s.flushMu.Unlock()

	s.wg.Wait()

	err := s.wal.Close()
	s.logger.Info("store closed", "dir", s.dir)
	return err
}

// flushLoop is the single background flusher.
func (s *store) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		case <-s.flushCh:
		}
		if err := s.flushFrozen(); err != nil {
			s.fail("flush failed", err)
			return
		}
	}
}

// flushFrozen drains the frozen memtable into a new tier-1 run. The run is
// installed before the frozen slot is cleared, so a key is always visible
// in at least one layer.
func (s *store) flushFrozen() error {
	t1 := s.tier(1)

	f, err := s.writeRun(t1, s.frozen)
	if err != nil {
		return err
	}

	t1.permit.Acquire()
	t1.lock.Lock()
	if err := run.Install(t1.dir, t1.runs+1); err != nil {
		t1.lock.Unlock()
		t1.permit.Release()
		return err
	}
	t1.filters = append(t1.filters, f)
	t1.runs++
	runsNow := t1.runs
	t1.lock.Unlock()

	s.frozenLock.Lock()
	s.frozen = memtable.New()
	s.frozenFilter = filters.New()
	err = s.wal.RemoveFrozen()
	s.frozenLock.Unlock()
	if err != nil {
		t1.permit.Release()
		return err
	}

	s.flushes.Add(1)
	s.logger.Info("flushed memtable", "run", runsNow)

	s.flushMu.Lock()
	s.flushInProgress = false
	s.flushDone.Broadcast()
	s.flushMu.Unlock()

	if runsNow >= s.opts.MinRuns && !s.opts.DisableBackgroundCompaction {
		// Tier 1's merge permit transfers to the compactor.
		select {
		case s.compactCh <- 1:
		case <-s.closeCh:
			t1.permit.Release()
		}
	} else {
		t1.permit.Release()
	}
	return nil
}

// compactLoop is the single background compactor coordinator.
func (s *store) compactLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.closeCh:
			return
		case i := <-s.compactCh:
			if err := s.compact(i); err != nil {
				s.fail("compaction failed", err)
				return
			}
		}
	}
}

// compact merges all runs of tier i into a single run of tier i+1 and
// cascades while the next tier is over threshold. The caller holds tier
// i's merge permit; compact releases it, and retains tier i+1's permit
// into the cascade.
func (s *store) compact(i int) error {
	ti := s.tier(i)

	// Tombstones are dropped only when merging out of the deepest tier:
	// a tombstone there means the key is deleted everywhere.
	s.tiersMu.RLock()
	last := i == len(s.tiers)
	s.tiersMu.RUnlock()

	ti1 := s.tier(i + 1)

	ti.lock.RLock()
	n := ti.runs
	ti.lock.RUnlock()
	if n == 0 {
		ti.permit.Release()
		return nil
	}

	srcs := make([]*run.Scanner, 0, n)
	closeSrcs := func() {
		for _, sc := range srcs {
			sc.Close()
		}
	}
	for j := 1; j <= n; j++ {
		sc, err := run.OpenScanner(ti.dir, j)
		if err != nil {
			closeSrcs()
			ti.permit.Release()
			return fmt.Errorf("open tier %d run %d: %w", i, j, err)
		}
		srcs = append(srcs, sc)
	}

	w, err := run.NewWriter(ti1.dir)
	if err != nil {
		closeSrcs()
		ti.permit.Release()
		return err
	}
	f := filters.New()
	if err := compaction.Merge(w, srcs, f, last); err != nil {
		closeSrcs()
		w.Abort()
		ti.permit.Release()
		return fmt.Errorf("merge tier %d: %w", i, err)
	}
	closeSrcs()

	merged := w.Count()
	if merged == 0 {
		// Everything was tombstones emptying into the deepest tier.
		w.Abort()
	} else if err := w.Finish(); err != nil {
		w.Abort()
		ti.permit.Release()
		return err
	}

	// Install into tier i+1 first, then retire tier i's runs; a key may
	// be briefly visible in both tiers, never in neither.
	var next int
	if merged > 0 {
		ti1.permit.Acquire()
		ti1.lock.Lock()
		if err := run.Install(ti1.dir, ti1.runs+1); err != nil {
			ti1.lock.Unlock()
			ti1.permit.Release()
			ti.permit.Release()
			return err
		}
		ti1.filters = append(ti1.filters, f)
		ti1.runs++
		next = ti1.runs
		ti1.lock.Unlock()
	}

	ti.lock.Lock()
	for j := 1; j <= n; j++ {
		if err := run.Remove(ti.dir, j); err != nil {
			ti.lock.Unlock()
			if merged > 0 {
				ti1.permit.Release()
			}
			ti.permit.Release()
			return err
		}
	}
	ti.filters = nil
	ti.runs = 0
	ti.lock.Unlock()
	ti.permit.Release()

	s.compactions.Add(1)
	s.logger.Info("compacted tier", "tier", i, "runs", n, "entries", merged, "into", i+1)

	if merged == 0 {
		return nil
	}
	if next >= s.opts.MinRuns {
		return s.compact(i + 1)
	}
	ti1.permit.Release()
	return nil
}

// fail poisons the store after a fatal background I/O fault so no partial
// state is exposed to callers.
func (s *store) fail(msg string, err error) {
	s.logger.Error(msg, "error", err)
	s.closed.Store(true)
	s.flushMu.Lock()
	s.flushDone.Broadcast()
	s.flushMu.Unlock()
}

func (s *store) numTiers() int {
	s.tiersMu.RLock()
	defer s.tiersMu.RUnlock()
	return len(s.tiers)
}

// tier returns tier i, creating it (and any gap) on first use.
func (s *store) tier(i int) *tier {
	s.tiersMu.RLock()
	if i <= len(s.tiers) {
		t := s.tiers[i-1]
		s.tiersMu.RUnlock()
		return t
	}
	s.tiersMu.RUnlock()

	s.tiersMu.Lock()
	defer s.tiersMu.Unlock()
	for len(s.tiers) < i {
		s.tiers = append(s.tiers, s.newTier(len(s.tiers)+1))
	}
	return s.tiers[i-1]
}

func (s *store) newTier(i int) *tier {
	dir := filepath.Join(s.dir, common.TierDir(i))
	if err := utils.CreateDirIfNotExists(dir); err != nil {
		// Directory creation under the store root failing is fatal to
		// the operation that needed the tier; surface it at first use.
		s.logger.Error("create tier directory", "tier", i, "error", err)
	}
	return &tier{
		index:  i,
		dir:    dir,
		lock:   locks.NewRWLock(),
		permit: locks.NewPermit(),
	}
}
