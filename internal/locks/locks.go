// Package locks provides the tier synchronization primitives: a
// writer-preferring reader-writer lock and a binary merge permit.
package locks

import "sync"

// RWLock is a reader-writer lock that prefers writers: once a writer is
// queued, new readers block until no writer is queued or active. Any number
// of readers may hold the lock concurrently; a writer holds it exclusively.
//
// Writer preference keeps a steady stream of point lookups from starving
// flush installs and compaction renames.
type RWLock struct {
	mu            sync.Mutex
	cond          *sync.Cond
	readers       int
	writersQueued int
	writerActive  bool
}

// NewRWLock creates an unlocked RWLock.
func NewRWLock() *RWLock {
	l := &RWLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// RLock acquires the lock in shared mode.
func (l *RWLock) RLock() {
	l.mu.Lock()
	for l.writerActive || l.writersQueued > 0 {
		l.cond.Wait()
	}
	l.readers++
	l.mu.Unlock()
}

// RUnlock releases a shared hold.
func (l *RWLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers == 0 {
		l.cond.Broadcast()
	}
	l.mu.Unlock()
}

// Lock acquires the lock exclusively, waiting for current readers to drain.
func (l *RWLock) Lock() {
	l.mu.Lock()
	l.writersQueued++
	for l.writerActive || l.readers > 0 {
		l.cond.Wait()
	}
	l.writersQueued--
	l.writerActive = true
	l.mu.Unlock()
}

// Unlock releases an exclusive hold.
func (l *RWLock) Unlock() {
	l.mu.Lock()
	l.writerActive = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Permit is a binary semaphore serializing bulk rewrites of a tier's run set:
// flush-into-tier-1 against compaction-into-tier-1, and tier compactions
// against themselves. Unlike the RWLock it is held across an entire merge,
// including the phases where the tier's lock is released.
type Permit struct {
	ch chan struct{}
}

// NewPermit creates a released permit.
func NewPermit() *Permit {
	p := &Permit{ch: make(chan struct{}, 1)}
	p.ch <- struct{}{}
	return p
}

// Acquire blocks until the permit is available and takes it.
func (p *Permit) Acquire() { <-p.ch }

// Release returns the permit. Releasing a permit that is not held blocks
// forever; callers own exactly one hold at a time.
func (p *Permit) Release() { p.ch <- struct{}{} }

// TryAcquire takes the permit if it is immediately available.
func (p *Permit) TryAcquire() bool {
	select {
	case <-p.ch:
		return true
	default:
		return false
	}
}
