package locks

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRWLockConcurrentReaders(t *testing.T) {
	l := NewRWLock()

	var wg sync.WaitGroup
	entered := make(chan struct{}, 2)
	release := make(chan struct{})

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.RLock()
			entered <- struct{}{}
			<-release
			l.RUnlock()
		}()
	}

	// Both readers must hold the lock at the same time.
	for i := 0; i < 2; i++ {
		select {
		case <-entered:
		case <-time.After(2 * time.Second):
			t.Fatal("readers did not acquire concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestRWLockWriterExclusion(t *testing.T) {
	l := NewRWLock()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 8*200, counter)
}

func TestRWLockWriterPreference(t *testing.T) {
	l := NewRWLock()

	l.RLock()

	writerDone := make(chan struct{})
	go func() {
		l.Lock()
		l.Unlock()
		close(writerDone)
	}()

	// Give the writer time to queue up behind the reader.
	time.Sleep(100 * time.Millisecond)

	lateReader := make(chan struct{})
	go func() {
		l.RLock()
		l.RUnlock()
		close(lateReader)
	}()

	// A queued writer must block new readers.
	select {
	case <-lateReader:
		t.Fatal("reader acquired while a writer was queued")
	case <-time.After(150 * time.Millisecond):
	}

	l.RUnlock()

	select {
	case <-writerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never acquired after readers drained")
	}
	select {
	case <-lateReader:
	case <-time.After(2 * time.Second):
		t.Fatal("late reader never acquired after writer finished")
	}
}

func TestPermit(t *testing.T) {
	p := NewPermit()

	require.True(t, p.TryAcquire())
	require.False(t, p.TryAcquire())
	p.Release()
	require.True(t, p.TryAcquire())
	p.Release()

	p.Acquire()
	acquired := make(chan struct{})
	go func() {
		p.Acquire()
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while permit held")
	case <-time.After(100 * time.Millisecond):
	}

	p.Release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("acquire never completed after release")
	}
}
