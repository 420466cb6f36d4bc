package core

import (
	"testing"
	"time"
)

func TestFlushDispatcherFlushNowRepublishesCache(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateSegmentWriter(dir, "shard-0-0.segment", Checksum8)
	if err != nil {
		t.Fatalf("CreateSegmentWriter: %v", err)
	}
	defer w.Close() // nolint:errcheck

	p := ConstPattern(1, 0, 4)
	if _, err := w.Write(p.ID(), p); err != nil {
		t.Fatalf("Write: %v", err)
	}

	cache := NewReaderCache(dir, 0)
	defer cache.Close() // nolint:errcheck

	d := NewFlushDispatcher(cache, 0) // interval<=0: no background ticker
	d.Register(w)

	if err := d.FlushNow(); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}

	r, ok := cache.Get(w.Name())
	if !ok {
		t.Fatalf("expected FlushNow to publish a reader-cache version")
	}
	if r.LastOffset() != w.WriteOffset() {
		t.Fatalf("published version offset %d != writer offset %d", r.LastOffset(), w.WriteOffset())
	}
}

func TestFlushDispatcherUnregisterStopsFlushing(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateSegmentWriter(dir, "shard-0-0.segment", Checksum8)
	if err != nil {
		t.Fatalf("CreateSegmentWriter: %v", err)
	}
	defer w.Close() // nolint:errcheck

	cache := NewReaderCache(dir, 0)
	defer cache.Close() // nolint:errcheck

	d := NewFlushDispatcher(cache, 0)
	d.Register(w)
	d.Unregister(w.Name())

	if err := d.FlushNow(); err != nil {
		t.Fatalf("FlushNow: %v", err)
	}
	if _, ok := cache.Get(w.Name()); ok {
		t.Fatalf("expected no cached reader for an unregistered segment")
	}
}

func TestFlushDispatcherStartStopIsClean(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateSegmentWriter(dir, "shard-0-0.segment", Checksum8)
	if err != nil {
		t.Fatalf("CreateSegmentWriter: %v", err)
	}
	defer w.Close() // nolint:errcheck

	cache := NewReaderCache(dir, 0)
	defer cache.Close() // nolint:errcheck

	d := NewFlushDispatcher(cache, 5*time.Millisecond)
	d.Register(w)
	d.Start()
	d.Start() // idempotent
	time.Sleep(30 * time.Millisecond)
	d.Stop()
	d.Stop() // idempotent

	if _, ok := cache.Get(w.Name()); !ok {
		t.Fatalf("expected the background ticker to have published at least one version")
	}
}
