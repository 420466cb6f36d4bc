package core

import (
	"sync"
	"sync/atomic"
	"time"
)

// flushTask is a single segment's scheduled durability work: flush the
// writer's header, sync it, and republish the reader cache's version
// for it.
type flushTask struct {
	writer *SegmentWriter
}

// FlushDispatcher periodically (and on demand) flushes+syncs every
// registered segment writer and republishes its reader-cache version.
// Reentrancy of FlushNow is prevented by an atomic flag, so an
// interval-triggered flush and a manual FlushNow never overlap.
type FlushDispatcher struct {
	mu       sync.Mutex
	tasks    map[string]*flushTask
	cache    *ReaderCache
	interval time.Duration

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewFlushDispatcher creates a dispatcher that republishes flushed
// segments' versions into cache. interval <= 0 disables the background
// ticker; FlushNow remains available either way.
func NewFlushDispatcher(cache *ReaderCache, interval time.Duration) *FlushDispatcher {
	return &FlushDispatcher{
		tasks:    make(map[string]*flushTask),
		cache:    cache,
		interval: interval,
	}
}

// Register adds w to the set of segments flushed by FlushNow/the
// background ticker.
func (d *FlushDispatcher) Register(w *SegmentWriter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[w.Name()] = &flushTask{writer: w}
}

// Unregister removes name from the flush set (e.g. after compaction
// deletes its segment).
func (d *FlushDispatcher) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.tasks, name)
}

// FlushNow synchronously flushes and syncs every registered segment and
// republishes its reader cache version. A concurrent call (or one
// overlapping with the background ticker) is a no-op that returns nil
// immediately.
func (d *FlushDispatcher) FlushNow() error {
	if !d.running.CompareAndSwap(false, true) {
		return nil
	}
	defer d.running.Store(false)

	d.mu.Lock()
	writers := make([]*SegmentWriter, 0, len(d.tasks))
	for _, t := range d.tasks {
		writers = append(writers, t.writer)
	}
	d.mu.Unlock()

	for _, w := range writers {
		if err := w.Flush(); err != nil {
			return err
		}
		if err := w.Sync(); err != nil {
			return err
		}
		if _, err := d.cache.PublishVersion(w.Name(), w.WriteOffset()); err != nil {
			return err
		}
	}
	return nil
}

// Start launches the background ticker, if configured with a positive
// interval. It is idempotent.
func (d *FlushDispatcher) Start() {
	if d.interval <= 0 {
		return
	}
	d.mu.Lock()
	if d.stopCh != nil {
		d.mu.Unlock()
		return
	}
	d.stopCh = make(chan struct{})
	d.doneCh = make(chan struct{})
	stopCh := d.stopCh
	doneCh := d.doneCh
	d.mu.Unlock()

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(d.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = d.FlushNow()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the background ticker, if running, and waits for it to
// exit.
func (d *FlushDispatcher) Stop() {
	d.mu.Lock()
	stopCh := d.stopCh
	doneCh := d.doneCh
	d.stopCh = nil
	d.doneCh = nil
	d.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	<-doneCh
}
