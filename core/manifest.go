package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Location is a manifest entry: where a live record lives and the phase
// it was filed under.
type Location struct {
	Segment     string
	Offset      uint64
	PhaseCenter float64
}

// Manifest is the in-memory id -> Location index plus the set of known
// segment names (including currently-empty shards), with atomic
// on-disk persistence.
type Manifest struct {
	mu            sync.RWMutex
	path          string
	locations     map[string]Location
	knownSegments mapset.Set[string]
}

const manifestFileName = "manifest.idx"

// OpenManifest loads dir/index/manifest.idx if present, tolerating a
// missing file (fresh store) or a file whose entries lack the trailing
// phase_center field (older format), which default to 0.0.
func OpenManifest(dir string) (*Manifest, error) {
	indexDir := filepath.Join(dir, "index")
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir index dir: %v", ErrIoFailure, err)
	}

	m := &Manifest{
		path:          filepath.Join(indexDir, manifestFileName),
		locations:     make(map[string]Location),
		knownSegments: mapset.NewSet[string](),
	}

	// Durably create the manifest file up front (fsync file + dir) so its
	// existence survives a crash between mkdir and the first Flush, rather
	// than leaving a fresh store with no manifest file at all until then.
	f, err := createFileDurable(indexDir, manifestFileName)
	if err != nil {
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("%w: close manifest: %v", ErrIoFailure, err)
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", ErrIoFailure, err)
	}
	if len(data) == 0 {
		return m, nil
	}

	if err := m.decode(data); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) decode(data []byte) error {
	r := bytes.NewReader(data)

	var nSeg uint32
	if err := binary.Read(r, binary.LittleEndian, &nSeg); err != nil {
		return fmt.Errorf("%w: read manifest segment count: %v", ErrIoFailure, err)
	}
	for i := uint32(0); i < nSeg; i++ {
		name, err := readLPString(r)
		if err != nil {
			return fmt.Errorf("%w: read manifest segment name: %v", ErrIoFailure, err)
		}
		m.knownSegments.Add(name)
	}

	var nIDs uint32
	if err := binary.Read(r, binary.LittleEndian, &nIDs); err != nil {
		return fmt.Errorf("%w: read manifest id count: %v", ErrIoFailure, err)
	}
	for i := uint32(0); i < nIDs; i++ {
		id, err := readLPString(r)
		if err != nil {
			return fmt.Errorf("%w: read manifest id: %v", ErrIoFailure, err)
		}
		seg, err := readLPString(r)
		if err != nil {
			return fmt.Errorf("%w: read manifest segment: %v", ErrIoFailure, err)
		}
		var off uint64
		if err := binary.Read(r, binary.LittleEndian, &off); err != nil {
			return fmt.Errorf("%w: read manifest offset: %v", ErrIoFailure, err)
		}

		var phase float64
		var bits uint64
		if err := binary.Read(r, binary.LittleEndian, &bits); err == nil {
			phase = math.Float64frombits(bits)
		}
		// short file (no trailing phase_center): default to 0.0, tolerated.

		m.locations[id] = Location{Segment: seg, Offset: off, PhaseCenter: phase}
	}

	return nil
}

func readLPString(r *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := r.Read(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeLPString(buf *bytes.Buffer, s string) {
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
}

// Add inserts or overwrites id's location and marks its segment known.
func (m *Manifest) Add(id string, segment string, offset uint64, phase float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[id] = Location{Segment: segment, Offset: offset, PhaseCenter: phase}
	m.knownSegments.Add(segment)
}

// AddIfAbsent inserts id's location only if id has no existing entry,
// reporting whether the insert happened. Used by Store.Insert so that
// two concurrent inserts of identical content resolve to exactly one
// winner instead of racing on two separate check-then-Add calls.
func (m *Manifest) AddIfAbsent(id string, segment string, offset uint64, phase float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[id]; ok {
		return false
	}
	m.locations[id] = Location{Segment: segment, Offset: offset, PhaseCenter: phase}
	m.knownSegments.Add(segment)
	return true
}

// Get looks up id's current location.
func (m *Manifest) Get(id string) (Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[id]
	return loc, ok
}

// Remove deletes id's location. Fails with ErrPatternNotFound if absent.
func (m *Manifest) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locations[id]; !ok {
		return fmt.Errorf("%w: %q", ErrPatternNotFound, id)
	}
	delete(m.locations, id)
	return nil
}

// Replace performs a CAS-style swap: it updates id's location to
// (newSeg, newOff, phase) only if its current location is exactly
// (oldSeg, oldOff). Used by compaction to move a record without racing
// a concurrent delete/replace of the same id.
func (m *Manifest) Replace(id, oldSeg string, oldOff uint64, newSeg string, newOff uint64, phase float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locations[id]
	if !ok || cur.Segment != oldSeg || cur.Offset != oldOff {
		return fmt.Errorf("%w: manifest location for %q changed since snapshot", ErrPatternNotFound, id)
	}

	m.locations[id] = Location{Segment: newSeg, Offset: newOff, PhaseCenter: phase}
	m.knownSegments.Add(newSeg)
	return nil
}

// ReplaceID atomically removes oldID and adds newID under the manifest
// lock, used by Store.Replace to retire the old content id in favor of
// the newly inserted one. It fails with ErrDuplicatePattern if newID
// gained an entry of its own since the caller's pre-check (a concurrent
// Insert of identical content), the same way AddIfAbsent arbitrates
// racing plain inserts; the loser must not overwrite the winner's
// location.
func (m *Manifest) ReplaceID(oldID, newID string, segment string, offset uint64, phase float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.locations[oldID]; !ok {
		return fmt.Errorf("%w: %q", ErrPatternNotFound, oldID)
	}
	if newID != oldID {
		if _, ok := m.locations[newID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicatePattern, newID)
		}
	}
	delete(m.locations, oldID)
	m.locations[newID] = Location{Segment: segment, Offset: offset, PhaseCenter: phase}
	m.knownSegments.Add(segment)
	return nil
}

// MarkKnownSegment registers segment name as known even without any
// live entries pointing into it yet (e.g. a freshly rolled, still-empty
// segment).
func (m *Manifest) MarkKnownSegment(segment string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.knownSegments.Add(segment)
}

// ForgetSegment removes segment from the known-segments set, used after
// compaction deletes it so recovery never tries to reopen it.
func (m *Manifest) ForgetSegment(segment string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.knownSegments.Remove(segment)
}

// KnownSegments returns the set of known segment names.
func (m *Manifest) KnownSegments() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.knownSegments.ToSlice()
}

// Snapshot returns a defensive copy of the full id -> Location map, used
// by the phase router's from-manifest construction and by recovery.
func (m *Manifest) Snapshot() map[string]Location {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Location, len(m.locations))
	for k, v := range m.locations {
		out[k] = v
	}
	return out
}

// Flush serializes the manifest under a read lock (so writers can keep
// mutating after the snapshot is taken, consistent with the "atomic
// file replace under read lock" concurrency rule) and durably replaces
// the on-disk file.
func (m *Manifest) Flush() error {
	m.mu.RLock()
	buf := &bytes.Buffer{}

	segs := m.knownSegments.ToSlice()
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(segs)))
	for _, s := range segs {
		writeLPString(buf, s)
	}

	_ = binary.Write(buf, binary.LittleEndian, uint32(len(m.locations)))
	for id, loc := range m.locations {
		writeLPString(buf, id)
		writeLPString(buf, loc.Segment)
		_ = binary.Write(buf, binary.LittleEndian, loc.Offset)
		_ = binary.Write(buf, binary.LittleEndian, math.Float64bits(loc.PhaseCenter))
	}
	data := buf.Bytes()
	m.mu.RUnlock()

	return writeFileAtomicDurable(m.path, data, true)
}
