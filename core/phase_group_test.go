package core

import "testing"

func TestSegmentGroupRollsSegmentsOnDemand(t *testing.T) {
	dir := t.TempDir()
	g := NewSegmentGroup(dir, "phase-0", 1<<20, Checksum8)

	w1, err := g.GetWritable()
	if err != nil {
		t.Fatalf("GetWritable: %v", err)
	}
	if w1.Name() != "phase-0-0.segment" {
		t.Fatalf("expected the first segment to be named phase-0-0.segment, got %q", w1.Name())
	}

	w2, err := g.CreateAndRegisterNewSegment()
	if err != nil {
		t.Fatalf("CreateAndRegisterNewSegment: %v", err)
	}
	if w2.Name() != "phase-0-1.segment" {
		t.Fatalf("expected the rolled segment to be named phase-0-1.segment, got %q", w2.Name())
	}

	if got := len(g.Writers()); got != 2 {
		t.Fatalf("expected 2 writers after rolling, got %d", got)
	}
	defer func() {
		for _, w := range g.Writers() {
			_ = w.Close()
		}
	}()
}

func TestSegmentGroupGetWritableReusesCurrentUntilFull(t *testing.T) {
	dir := t.TempDir()
	g := NewSegmentGroup(dir, "phase-0", 1<<20, Checksum8)

	w1, err := g.GetWritable()
	if err != nil {
		t.Fatalf("GetWritable: %v", err)
	}
	w2, err := g.GetWritable()
	if err != nil {
		t.Fatalf("GetWritable (again): %v", err)
	}
	if w1 != w2 {
		t.Fatalf("expected GetWritable to return the same writer while under maxBytes")
	}
	defer w1.Close() // nolint:errcheck
}

func TestSegmentGroupSeedNextIndexAvoidsCollision(t *testing.T) {
	dir := t.TempDir()
	g := NewSegmentGroup(dir, "phase-0", 1<<20, Checksum8)
	g.seedNextIndex(5)

	w, err := g.CreateAndRegisterNewSegment()
	if err != nil {
		t.Fatalf("CreateAndRegisterNewSegment: %v", err)
	}
	defer w.Close() // nolint:errcheck
	if w.Name() != "phase-0-5.segment" {
		t.Fatalf("expected the next segment to use the seeded index, got %q", w.Name())
	}
}

func TestSegmentGroupRecordInsertTracksMeanPhase(t *testing.T) {
	dir := t.TempDir()
	g := NewSegmentGroup(dir, "phase-0", 1<<20, Checksum8)

	g.RecordInsert(0.0)
	g.RecordInsert(2.0)

	if got := g.MeanPhase(); got != 1.0 {
		t.Fatalf("MeanPhase = %v, want 1.0", got)
	}
}

func TestSegmentGroupShouldCompactThresholds(t *testing.T) {
	dir := t.TempDir()
	g := NewSegmentGroup(dir, "phase-0", 1<<20, Checksum8)

	// compactMinWriters=3: need more than 3 writers present.
	var writers []*SegmentWriter
	for i := 0; i < compactMinWriters; i++ {
		w, err := g.CreateAndRegisterNewSegment()
		if err != nil {
			t.Fatalf("roll %d: %v", i, err)
		}
		writers = append(writers, w)
	}
	defer func() {
		for _, w := range writers {
			_ = w.Close()
		}
	}()

	if g.ShouldCompact() {
		t.Fatalf("expected ShouldCompact to be false with exactly compactMinWriters segments")
	}

	w, err := g.CreateAndRegisterNewSegment()
	if err != nil {
		t.Fatalf("roll extra: %v", err)
	}
	writers = append(writers, w)

	// All segments are empty (fill ratio 1, since liveBytes==tombstoneBytes==0
	// yields FillRatio()==1), which is above compactFillRatioMax, so it
	// should still not be eligible.
	if g.ShouldCompact() {
		t.Fatalf("expected ShouldCompact to be false while every segment is still empty (fill ratio 1)")
	}

	// Write one record into every segment, then tombstone it in all but
	// one: three writers land at fill ratio 0 and one stays at 1, for an
	// average of 0.25, below compactFillRatioMax (0.35).
	for i, seg := range writers {
		p := ConstPattern(1, float64(i)*0.01, 4)
		off, err := seg.Write(p.ID(), p)
		if err != nil {
			t.Fatalf("write into writer %d: %v", i, err)
		}
		if i != len(writers)-1 {
			if err := seg.MarkDeleted(off); err != nil {
				t.Fatalf("MarkDeleted on writer %d: %v", i, err)
			}
		}
	}

	if !g.ShouldCompact() {
		t.Fatalf("expected ShouldCompact to be true once average fill ratio drops below threshold")
	}
}

func TestSegmentGroupResetToAndAdoptExisting(t *testing.T) {
	dir := t.TempDir()
	g := NewSegmentGroup(dir, "phase-0", 1<<20, Checksum8)

	w1, _ := g.CreateAndRegisterNewSegment()
	w2, _ := g.CreateAndRegisterNewSegment()
	defer w1.Close() // nolint:errcheck
	defer w2.Close() // nolint:errcheck

	merged, err := CreateSegmentWriter(dir, "phase-0-merged.segment", Checksum8)
	if err != nil {
		t.Fatalf("CreateSegmentWriter: %v", err)
	}
	defer merged.Close() // nolint:errcheck

	g.ResetTo(merged)
	if got := g.Writers(); len(got) != 1 || got[0] != merged {
		t.Fatalf("expected ResetTo to leave exactly [merged], got %v", got)
	}

	fresh, err := CreateSegmentWriter(dir, "phase-0-fresh.segment", Checksum8)
	if err != nil {
		t.Fatalf("CreateSegmentWriter: %v", err)
	}
	defer fresh.Close() // nolint:errcheck

	g.AdoptExisting(fresh)
	writers := g.Writers()
	if len(writers) != 2 || writers[0] != merged || writers[1] != fresh {
		t.Fatalf("expected [merged, fresh] after AdoptExisting, got %v", writers)
	}
}
