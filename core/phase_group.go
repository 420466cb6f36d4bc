package core

import (
	"fmt"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
)

// compactTrigger tunes when a group becomes eligible for compaction:
// more than this many writers, with average fill ratio below the
// threshold.
const (
	compactMinWriters   = 3
	compactFillRatioMax = 0.35
)

// SegmentGroup owns a phase range's rolling series of segments
// (named "<group>-0", "<group>-1", ...), the current writable one, and a
// running mean of the phases inserted into it.
type SegmentGroup struct {
	mu       sync.Mutex
	dir      string
	name     string
	maxBytes int64
	width    ChecksumWidth

	writers []*SegmentWriter // oldest -> newest
	current *SegmentWriter

	segIdx    int64 // next segment index to allocate
	known     mapset.Set[string]
	phaseSum  float64
	phaseN    int64
	onCompact func()
}

// NewSegmentGroup creates an (initially writer-less) group. The first
// call to GetWritable lazily creates "<name>-0".
func NewSegmentGroup(dir, name string, maxBytes int64, width ChecksumWidth) *SegmentGroup {
	return &SegmentGroup{
		dir:       dir,
		name:      name,
		maxBytes:  maxBytes,
		width:     width,
		known:     mapset.NewSet[string](),
		onCompact: func() {},
	}
}

// Name returns the group's name (and shard name).
func (g *SegmentGroup) Name() string { return g.name }

func (g *SegmentGroup) nextSegmentName() string {
	idx := atomic.AddInt64(&g.segIdx, 1) - 1
	return fmt.Sprintf("%s-%d.segment", g.name, idx)
}

// seedNextIndex sets the next segment index to allocate; used during
// recovery once the group's existing segments have been adopted, so a
// freshly rolled segment never collides with one found on disk.
func (g *SegmentGroup) seedNextIndex(n int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n > g.segIdx {
		g.segIdx = n
	}
}

// GetWritable returns the current writer if it still has room, else
// rolls to a newly created one.
func (g *SegmentGroup) GetWritable() (*SegmentWriter, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.current != nil && g.current.ApproxSize() <= g.maxBytes {
		return g.current, nil
	}
	return g.rollLocked()
}

// CreateAndRegisterNewSegment force-rolls to a brand-new segment
// regardless of the current one's size.
func (g *SegmentGroup) CreateAndRegisterNewSegment() (*SegmentWriter, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rollLocked()
}

func (g *SegmentGroup) rollLocked() (*SegmentWriter, error) {
	name := g.nextSegmentName()
	w, err := CreateSegmentWriter(g.dir, name, g.width)
	if err != nil {
		return nil, fmt.Errorf("roll segment group %q: %w", g.name, err)
	}
	g.writers = append(g.writers, w)
	g.current = w
	g.known.Add(name)
	return w, nil
}

// AdoptExisting registers an already-open writer (used when reopening a
// store: the group's prior current segment may still have room) as the
// newest writer in the group.
func (g *SegmentGroup) AdoptExisting(w *SegmentWriter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writers = append(g.writers, w)
	g.current = w
	g.known.Add(w.Name())
}

// RecordInsert folds phase into the group's running mean, reported by
// MeanPhase. The router does not read it, and manifest entries record
// each pattern's own mean phase rather than this group mean.
func (g *SegmentGroup) RecordInsert(phase float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.phaseSum += phase
	g.phaseN++
}

// MeanPhase returns the group's running mean insert phase.
func (g *SegmentGroup) MeanPhase() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.phaseN == 0 {
		return 0
	}
	return g.phaseSum / float64(g.phaseN)
}

// Writers returns a snapshot slice of the group's current writers,
// oldest first.
func (g *SegmentGroup) Writers() []*SegmentWriter {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*SegmentWriter, len(g.writers))
	copy(out, g.writers)
	return out
}

// ShouldCompact reports whether the group has more than
// compactMinWriters writers and their average fill ratio has dropped
// below compactFillRatioMax.
func (g *SegmentGroup) ShouldCompact() bool {
	g.mu.Lock()
	writers := make([]*SegmentWriter, len(g.writers))
	copy(writers, g.writers)
	g.mu.Unlock()

	if len(writers) <= compactMinWriters {
		return false
	}

	var sum float64
	for _, w := range writers {
		sum += w.FillRatio()
	}
	avg := sum / float64(len(writers))
	return avg < compactFillRatioMax
}

// ResetTo discards the group's writer list in favor of a single merged
// writer, as the final step of compaction.
func (g *SegmentGroup) ResetTo(merged *SegmentWriter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.writers = []*SegmentWriter{merged}
	g.current = merged
	g.known = mapset.NewSet[string](merged.Name())
}

// SetOnCompact installs a test hook invoked right before compaction
// snapshots this group's writers.
func (g *SegmentGroup) SetOnCompact(f func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onCompact = f
}

func (g *SegmentGroup) fireOnCompact() {
	g.mu.Lock()
	f := g.onCompact
	g.mu.Unlock()
	f()
}
