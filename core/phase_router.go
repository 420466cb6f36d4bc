package core

import (
	"fmt"
	"sort"

	"github.com/zeebo/xxh3"
)

// PhaseRange is a half-open-ish inclusive band [Start, End] of phase
// values in [0, π].
type PhaseRange struct {
	Start float64
	End   float64
}

type routerMode int

const (
	modeExplicitRange routerMode = iota
	modeUniformHash
)

type rangeCenter struct {
	center  float64
	segment string
}

// PhaseRouter is advisory: Store can always fall back to a full scan
// across every known shard. It has two construction modes: an explicit
// sorted center -> segment map, or a uniform hash over N named shards.
type PhaseRouter struct {
	mode    routerMode
	epsilon float64

	centers []rangeCenter // sorted by center, explicit mode only
	shards  []string      // hash mode only
}

// NewExplicitRouter builds a router that routes by nearest phase center
// below (wrapping to the first) the query's mean phase.
func NewExplicitRouter(centers map[string]float64, epsilon float64) *PhaseRouter {
	rc := make([]rangeCenter, 0, len(centers))
	for seg, c := range centers {
		rc = append(rc, rangeCenter{center: c, segment: seg})
	}
	sort.Slice(rc, func(i, j int) bool { return rc[i].center < rc[j].center })
	return &PhaseRouter{mode: modeExplicitRange, epsilon: epsilon, centers: rc}
}

// NewUniformHashRouter builds a router with n shards named
// "phase-0".."phase-(n-1)", chosen by hashing the query's mean phase.
func NewUniformHashRouter(n int, epsilon float64) *PhaseRouter {
	shards := make([]string, n)
	for i := range shards {
		shards[i] = fmt.Sprintf("phase-%d", i)
	}
	return &PhaseRouter{mode: modeUniformHash, epsilon: epsilon, shards: shards}
}

// RouterFromManifest groups manifest locations by segment, averages each
// segment's phase_center, and builds an explicit-range router from the
// result.
func RouterFromManifest(locations map[string]Location, epsilon float64) *PhaseRouter {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, loc := range locations {
		sums[loc.Segment] += loc.PhaseCenter
		counts[loc.Segment]++
	}
	centers := make(map[string]float64, len(sums))
	for seg, sum := range sums {
		centers[seg] = sum / float64(counts[seg])
	}
	return NewExplicitRouter(centers, epsilon)
}

// SelectShard returns the single shard p should be written into.
func (r *PhaseRouter) SelectShard(p WavePattern) string {
	mean := p.MeanPhase()
	switch r.mode {
	case modeExplicitRange:
		return r.floorSegment(mean)
	default:
		return r.hashSegment(mean)
	}
}

func (r *PhaseRouter) floorSegment(mean float64) string {
	if len(r.centers) == 0 {
		return ""
	}
	idx := sort.Search(len(r.centers), func(i int) bool { return r.centers[i].center > mean })
	// idx is the first center strictly greater than mean; the floor
	// entry is idx-1, wrapping to the first entry if mean is below all
	// centers.
	if idx == 0 {
		return r.centers[0].segment
	}
	return r.centers[idx-1].segment
}

func (r *PhaseRouter) hashSegment(mean float64) string {
	if len(r.shards) == 0 {
		return ""
	}
	key := int64(mean * 1000)
	h := xxh3.HashString(fmt.Sprintf("%d", key))
	return r.shards[h%uint64(len(r.shards))]
}

// RelevantShards returns the candidate shards for a query. In explicit
// mode this is every shard whose center falls in [mean-ε, mean+ε]
// (falling back to every known shard if that is empty); in hash mode it
// is always the single selected shard.
func (r *PhaseRouter) RelevantShards(p WavePattern) []string {
	mean := p.MeanPhase()
	switch r.mode {
	case modeExplicitRange:
		var out []string
		for _, rc := range r.centers {
			if rc.center >= mean-r.epsilon && rc.center <= mean+r.epsilon {
				out = append(out, rc.segment)
			}
		}
		if len(out) == 0 {
			return r.AllShards()
		}
		return out
	default:
		return []string{r.hashSegment(mean)}
	}
}

// PhaseRangeFor returns the [mean-ε, mean+ε] band for explicit mode, or
// the degenerate [mean, mean] band for hash mode.
func (r *PhaseRouter) PhaseRangeFor(p WavePattern) PhaseRange {
	mean := p.MeanPhase()
	if r.mode == modeExplicitRange {
		return PhaseRange{Start: mean - r.epsilon, End: mean + r.epsilon}
	}
	return PhaseRange{Start: mean, End: mean}
}

// AllShards returns every shard name the router knows about.
func (r *PhaseRouter) AllShards() []string {
	if r.mode == modeUniformHash {
		out := make([]string, len(r.shards))
		copy(out, r.shards)
		return out
	}
	out := make([]string, len(r.centers))
	for i, rc := range r.centers {
		out[i] = rc.segment
	}
	return out
}
