package core

import "testing"

func seedSegment(t *testing.T, dir, name string, patterns ...WavePattern) *SegmentWriter {
	t.Helper()
	w, err := CreateSegmentWriter(dir, name, Checksum8)
	if err != nil {
		t.Fatalf("CreateSegmentWriter(%q): %v", name, err)
	}
	for _, p := range patterns {
		if _, err := w.Write(p.ID(), p); err != nil {
			t.Fatalf("seed write into %q: %v", name, err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync %q: %v", name, err)
	}
	return w
}

func TestReaderCachePublishAndGet(t *testing.T) {
	dir := t.TempDir()
	w := seedSegment(t, dir, "shard-0-0.segment", ConstPattern(1, 0, 3))
	defer w.Close() // nolint:errcheck

	c := NewReaderCache(dir, 0)
	defer c.Close() // nolint:errcheck

	if _, ok := c.Get("shard-0-0.segment"); ok {
		t.Fatalf("expected no cached reader before PublishVersion")
	}

	if _, err := c.PublishVersion("shard-0-0.segment", w.WriteOffset()); err != nil {
		t.Fatalf("PublishVersion: %v", err)
	}

	r, ok := c.Get("shard-0-0.segment")
	if !ok {
		t.Fatalf("expected a cached reader after PublishVersion")
	}
	if r.LastOffset() != w.WriteOffset() {
		t.Fatalf("cached reader offset %d != writer offset %d", r.LastOffset(), w.WriteOffset())
	}
}

func TestReaderCachePublishNewVersionEvictsOld(t *testing.T) {
	dir := t.TempDir()
	w := seedSegment(t, dir, "shard-0-0.segment", ConstPattern(1, 0, 3))

	c := NewReaderCache(dir, 0)
	defer c.Close() // nolint:errcheck

	if _, err := c.PublishVersion(w.Name(), w.WriteOffset()); err != nil {
		t.Fatalf("first PublishVersion: %v", err)
	}
	firstOffset := w.WriteOffset()

	if _, err := w.Write(ConstPattern(2, 1, 5).ID(), ConstPattern(2, 1, 5)); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	defer w.Close() // nolint:errcheck

	if _, err := c.PublishVersion(w.Name(), w.WriteOffset()); err != nil {
		t.Fatalf("second PublishVersion: %v", err)
	}

	r, ok := c.Get(w.Name())
	if !ok {
		t.Fatalf("expected a cached reader for the new version")
	}
	if r.LastOffset() == firstOffset {
		t.Fatalf("expected Get to return the newly published version, got the stale one")
	}
}

func TestReaderCacheInvalidate(t *testing.T) {
	dir := t.TempDir()
	w := seedSegment(t, dir, "shard-0-0.segment", ConstPattern(1, 0, 3))
	defer w.Close() // nolint:errcheck

	c := NewReaderCache(dir, 0)
	defer c.Close() // nolint:errcheck

	if _, err := c.PublishVersion(w.Name(), w.WriteOffset()); err != nil {
		t.Fatalf("PublishVersion: %v", err)
	}
	c.Invalidate(w.Name())

	if _, ok := c.Get(w.Name()); ok {
		t.Fatalf("expected no cached reader after Invalidate")
	}
}

func TestReaderCacheKeepsPinnedEntriesEvenOverBudget(t *testing.T) {
	dir := t.TempDir()
	w1 := seedSegment(t, dir, "shard-0-0.segment", ConstPattern(1, 0, 2048))
	w2 := seedSegment(t, dir, "shard-0-1.segment", ConstPattern(1, 0, 2048))
	defer w1.Close() // nolint:errcheck
	defer w2.Close() // nolint:errcheck

	// A tiny budget is still over-subscribed once both segments are
	// published, but each is the "pinned" (currently published) version
	// for its own segment, so evictToFitLocked must leave both in place
	// rather than silently dropping a live published reader.
	c := NewReaderCache(dir, int64(w1.WriteOffset())+1)
	defer c.Close() // nolint:errcheck

	if _, err := c.PublishVersion(w1.Name(), w1.WriteOffset()); err != nil {
		t.Fatalf("publish w1: %v", err)
	}
	if _, err := c.PublishVersion(w2.Name(), w2.WriteOffset()); err != nil {
		t.Fatalf("publish w2: %v", err)
	}

	if _, ok := c.Get(w1.Name()); !ok {
		t.Fatalf("expected w1's reader to remain cached (it is pinned)")
	}
	if _, ok := c.Get(w2.Name()); !ok {
		t.Fatalf("expected w2's reader to remain cached (it is pinned)")
	}
}

func TestReaderCacheEvictsStaleVersionOnRepublish(t *testing.T) {
	dir := t.TempDir()
	w := seedSegment(t, dir, "shard-0-0.segment", ConstPattern(1, 0, 8))

	c := NewReaderCache(dir, 1) // smallest possible budget
	defer c.Close()            // nolint:errcheck

	if _, err := c.PublishVersion(w.Name(), w.WriteOffset()); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	firstOffset := w.WriteOffset()

	if _, err := w.Write(ConstPattern(2, 1, 5).ID(), ConstPattern(2, 1, 5)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	defer w.Close() // nolint:errcheck

	if _, err := c.PublishVersion(w.Name(), w.WriteOffset()); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	// The stale (first) version is no longer the published one for this
	// segment, so it is evictable even under the tightest budget.
	r, ok := c.Get(w.Name())
	if !ok {
		t.Fatalf("expected the currently published version to remain cached")
	}
	if r.LastOffset() == firstOffset {
		t.Fatalf("expected the stale version to have been evicted")
	}
}
