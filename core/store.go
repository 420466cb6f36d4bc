package core

import (
	"container/heap"
	"fmt"
	"log"
	"math/cmplx"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Config holds every Store tunable, mirroring spec §6's config block.
// Defaults are applied by Open before any Option runs, so an Option only
// needs to override what it cares about.
type Config struct {
	SegmentMaxBytes     int64
	BatchSize           int
	PhaseEpsilon        float64
	ChecksumWidth       ChecksumWidth
	FlushInterval       time.Duration
	ReaderCacheMaxBytes int64
	ShardCount          int
	ExplicitShards      map[string]float64
}

func defaultConfig() Config {
	return Config{
		SegmentMaxBytes:     64 * 1024 * 1024,
		BatchSize:           8192,
		PhaseEpsilon:        0.1,
		ChecksumWidth:       Checksum8,
		FlushInterval:       time.Second,
		ReaderCacheMaxBytes: 256 * 1024 * 1024,
		ShardCount:          16,
	}
}

// Option configures a Store at Open time, mirroring the teacher's own
// functional-options pattern (its `Option func(*DB)`).
type Option func(*Store)

func WithSegmentMaxBytes(n int64) Option      { return func(s *Store) { s.cfg.SegmentMaxBytes = n } }
func WithBatchSize(n int) Option              { return func(s *Store) { s.cfg.BatchSize = n } }
func WithPhaseEpsilon(e float64) Option        { return func(s *Store) { s.cfg.PhaseEpsilon = e } }
func WithChecksumWidth(w ChecksumWidth) Option { return func(s *Store) { s.cfg.ChecksumWidth = w } }
func WithFlushInterval(d time.Duration) Option { return func(s *Store) { s.cfg.FlushInterval = d } }
func WithReaderCacheMaxBytes(n int64) Option {
	return func(s *Store) { s.cfg.ReaderCacheMaxBytes = n }
}
func WithShardCount(n int) Option { return func(s *Store) { s.cfg.ShardCount = n } }

// WithExplicitShards switches the router to explicit phase-range mode
// with the given segment-name -> phase-center map, taking precedence
// over ShardCount's uniform-hash mode when both are set.
func WithExplicitShards(centers map[string]float64) Option {
	return func(s *Store) { s.cfg.ExplicitShards = centers }
}

// WithOnCompactStart installs a hook invoked with a shard's name right
// before its compaction begins; a test seam for deterministically
// observing when background compaction starts.
func WithOnCompactStart(f func(shard string)) Option {
	return func(s *Store) {
		if f == nil {
			f = func(string) {}
		}
		s.onCompact = f
	}
}

// Store is ResonanceDB's top-level facade: one manifest, one metadata
// side-file, one phase router, one segment group per shard, one reader
// cache and one flush dispatcher. Ordinary inserts/deletes/replaces/
// queries hold the global rw lock for reading, so they run concurrently
// with each other; a compaction a call triggers registers itself in
// compactWG synchronously, before that call releases its own read lock,
// and then runs in its own goroutine relying on the manifest's CAS-style
// Replace and each segment writer's own lock for correctness, so
// compacting one shard never blocks activity on another. Close takes rw
// for writing, which drains every in-flight operation first, then waits
// on compactWG (guaranteed by the above to already reflect anything
// those operations queued) before unmapping and closing segment files
// out from under them.
type Store struct {
	dir         string
	segmentsDir string
	cfg         Config

	rw       sync.RWMutex
	manifest *Manifest
	metadata *MetadataStore
	router   *PhaseRouter
	cache    *ReaderCache
	flusher  *FlushDispatcher

	groupsMu sync.RWMutex
	groups   map[string]*SegmentGroup

	writersMu sync.Mutex
	writers   map[string]*SegmentWriter // segment name -> its writer, across all groups

	compactSem   chan struct{}
	compactErrCh chan error
	compactWG    sync.WaitGroup
	onCompact    func(shard string)
}

// Open opens (or creates) a ResonanceDB store rooted at dir.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir store dir: %v", ErrIoFailure, err)
	}
	segmentsDir := filepath.Join(dir, "segments")
	if err := os.MkdirAll(segmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir segments dir: %v", ErrIoFailure, err)
	}

	manifest, err := OpenManifest(dir)
	if err != nil {
		return nil, err
	}
	metadata, err := OpenMetadataStore(dir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:          dir,
		segmentsDir:  segmentsDir,
		cfg:          defaultConfig(),
		manifest:     manifest,
		metadata:     metadata,
		cache:        NewReaderCache(segmentsDir, 0), // maxBytes fixed up below
		groups:       make(map[string]*SegmentGroup),
		writers:      make(map[string]*SegmentWriter),
		compactSem:   make(chan struct{}, 1),
		compactErrCh: make(chan error, 16),
		onCompact:    func(string) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = NewReaderCache(segmentsDir, s.cfg.ReaderCacheMaxBytes)

	if len(s.cfg.ExplicitShards) > 0 {
		s.router = NewExplicitRouter(s.cfg.ExplicitShards, s.cfg.PhaseEpsilon)
	} else {
		s.router = NewUniformHashRouter(s.cfg.ShardCount, s.cfg.PhaseEpsilon)
	}
	s.flusher = NewFlushDispatcher(s.cache, s.cfg.FlushInterval)

	for _, shard := range s.router.AllShards() {
		s.ensureGroup(shard)
	}
	for _, name := range manifest.KnownSegments() {
		shard, _, ok := parseSegmentName(name)
		if ok {
			s.ensureGroup(shard)
		}
	}

	if err := s.recover(); err != nil {
		return nil, err
	}
	if err := s.checkOrphanedSegments(); err != nil {
		return nil, err
	}

	s.flusher.Start()
	return s, nil
}

// parseSegmentName splits "<group>-<idx>.segment" back into its group
// name and index. Merged segments ("<group>-merged-<timestamp>.segment")
// belong to <group>, with the timestamp standing in as the index.
func parseSegmentName(name string) (group string, idx int64, ok bool) {
	base := strings.TrimSuffix(name, ".segment")
	if base == name {
		return "", 0, false
	}
	if i := strings.LastIndex(base, mergedNameInfix); i >= 0 {
		n, err := strconv.ParseInt(base[i+len(mergedNameInfix):], 10, 64)
		if err != nil {
			return "", 0, false
		}
		return base[:i], n, true
	}
	i := strings.LastIndexByte(base, '-')
	if i < 0 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(base[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return base[:i], n, true
}

// mergedNameInfix marks a compaction-produced segment; its trailing
// number is a timestamp, not a position in the group's rolling series.
const mergedNameInfix = "-merged-"

func isMergedSegmentName(name string) bool {
	return strings.Contains(name, mergedNameInfix)
}

func (s *Store) ensureGroup(shard string) *SegmentGroup {
	s.groupsMu.Lock()
	defer s.groupsMu.Unlock()
	g, ok := s.groups[shard]
	if !ok {
		g = NewSegmentGroup(s.segmentsDir, shard, s.cfg.SegmentMaxBytes, s.cfg.ChecksumWidth)
		s.groups[shard] = g
	}
	return g
}

func (s *Store) groupFor(shard string) *SegmentGroup {
	return s.ensureGroup(shard)
}

// recover reopens every segment named in the manifest as a writer,
// folds it into its group in index order, then rebuilds the manifest's
// id -> location index by scanning every writer's live records, rather
// than trusting the (possibly stale) persisted index. This mirrors the
// teacher's own "rebuild the index from the segment files on open"
// recovery strategy.
func (s *Store) recover() error {
	byGroup := make(map[string][]string)
	for _, name := range s.manifest.KnownSegments() {
		group, _, ok := parseSegmentName(name)
		if !ok {
			continue
		}
		byGroup[group] = append(byGroup[group], name)
	}

	for group, names := range byGroup {
		sort.Slice(names, func(i, j int) bool {
			_, ii, _ := parseSegmentName(names[i])
			_, jj, _ := parseSegmentName(names[j])
			return ii < jj
		})

		g := s.ensureGroup(group)
		var maxIdx int64 = -1
		for _, name := range names {
			w, err := OpenSegmentWriter(s.segmentsDir, name)
			if err != nil {
				return fmt.Errorf("recover segment %q: %w", name, err)
			}
			g.AdoptExisting(w)
			s.registerWriter(w)
			s.manifest.MarkKnownSegment(name)

			// Merged segments carry a timestamp, not a series index; they
			// must not poison the group's next rolling index.
			if _, idx, _ := parseSegmentName(name); idx > maxIdx && !isMergedSegmentName(name) {
				maxIdx = idx
			}
		}
		if maxIdx >= 0 {
			g.seedNextIndex(maxIdx + 1)
		}
	}

	// Rebuild the id index authoritatively from what is actually on disk.
	live := make(map[string]bool)
	for _, g := range s.snapshotGroups() {
		for _, w := range g.Writers() {
			records, err := w.ReadAllLive()
			if err != nil {
				return fmt.Errorf("rebuild index from %q: %w", w.Name(), err)
			}
			for _, rec := range records {
				phase := rec.Pattern.MeanPhase()
				s.manifest.Add(rec.ID, w.Name(), rec.Offset, phase)
				g.RecordInsert(phase)
				live[rec.ID] = true
			}
		}
	}
	// Drop persisted entries that no live record on disk backs.
	for id := range s.manifest.Snapshot() {
		if !live[id] {
			_ = s.manifest.Remove(id)
		}
	}

	return s.manifest.Flush()
}

func (s *Store) snapshotGroups() []*SegmentGroup {
	s.groupsMu.RLock()
	defer s.groupsMu.RUnlock()
	out := make([]*SegmentGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out
}

// checkOrphanedSegments warns (without failing Open) about files under
// segments/ that no group claimed during recovery.
func (s *Store) checkOrphanedSegments() error {
	entries, err := os.ReadDir(s.segmentsDir)
	if err != nil {
		return fmt.Errorf("%w: scan segments dir: %v", ErrIoFailure, err)
	}

	known := mapset.NewSet[string]()
	for _, name := range s.manifest.KnownSegments() {
		known.Add(name)
	}

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".segment") {
			continue
		}
		if !known.Contains(ent.Name()) {
			log.Printf("warning: orphaned segment file %q (not referenced by manifest)", ent.Name())
		}
	}
	return nil
}

func (s *Store) registerWriter(w *SegmentWriter) {
	s.writersMu.Lock()
	s.writers[w.Name()] = w
	s.writersMu.Unlock()
	s.flusher.Register(w)
}

func (s *Store) segmentWriter(name string) (*SegmentWriter, bool) {
	s.writersMu.Lock()
	defer s.writersMu.Unlock()
	w, ok := s.writers[name]
	return w, ok
}

func (s *Store) unregisterWriter(name string) {
	s.writersMu.Lock()
	delete(s.writers, name)
	s.writersMu.Unlock()
	s.flusher.Unregister(name)
}

func (s *Store) onCompactHook(shard string) {
	s.groupsMu.RLock()
	f := s.onCompact
	s.groupsMu.RUnlock()
	f(shard)
}

// writableSegment returns group's current writer, rolling (and
// registering) a new one if needed.
func (s *Store) writableSegment(group *SegmentGroup) (*SegmentWriter, error) {
	w, err := group.GetWritable()
	if err != nil {
		return nil, err
	}
	if _, ok := s.segmentWriter(w.Name()); !ok {
		s.registerWriter(w)
		s.manifest.MarkKnownSegment(w.Name())
	}
	return w, nil
}

// Close stops the background flusher, flushes and syncs every segment
// one last time, flushes the manifest and metadata, and closes every
// open handle.
func (s *Store) Close() error {
	s.flusher.Stop()

	// Taking rw for writing blocks until every in-flight Insert/Delete/
	// Replace/Query/QueryDetailed releases its read lock, and blocks any
	// new one from starting. Any compaction those calls queued is already
	// reflected in compactWG by the time they return (maybeCompact adds to
	// it before spawning), so waiting on it here can't race a fresh
	// compaction starting after Close has begun tearing segments down.
	s.rw.Lock()
	defer s.rw.Unlock()
	s.compactWG.Wait()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(s.flusher.FlushNow())
	record(s.manifest.Flush())
	record(s.metadata.Flush())

	for _, g := range s.snapshotGroups() {
		for _, w := range g.Writers() {
			record(w.Close())
		}
	}
	record(s.cache.Close())

	return firstErr
}

// DiskSize returns the total byte size of every committed segment file.
func (s *Store) DiskSize() (int64, error) {
	var total int64
	for _, g := range s.snapshotGroups() {
		for _, w := range g.Writers() {
			info, err := os.Stat(w.Path())
			if err != nil {
				if os.IsNotExist(err) {
					continue // removed by a concurrent compaction
				}
				return 0, fmt.Errorf("%w: stat segment %q: %v", ErrIoFailure, w.Name(), err)
			}
			total += info.Size()
		}
	}
	return total, nil
}

// CompactionErrors returns a channel compaction failures are reported
// on; a background compaction that fails has nowhere else to surface
// its error.
func (s *Store) CompactionErrors() <-chan error {
	return s.compactErrCh
}

// Insert stores p (content-addressed by its ID) with the given
// (possibly nil) metadata, triggers a compaction check for the shard it
// landed in, and returns its ID.
func (s *Store) Insert(p WavePattern, meta map[string]string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	id := p.ID()

	s.rw.RLock()
	defer s.rw.RUnlock()

	if _, ok := s.manifest.Get(id); ok {
		return "", fmt.Errorf("%w: %s", ErrDuplicatePattern, id)
	}

	shard := s.router.SelectShard(p)
	group := s.groupFor(shard)
	writer, err := s.writableSegment(group)
	if err != nil {
		return "", err
	}
	if writer.WillOverflow(p) {
		writer, err = group.CreateAndRegisterNewSegment()
		if err != nil {
			return "", err
		}
		s.registerWriter(writer)
		s.manifest.MarkKnownSegment(writer.Name())
	}

	off, err := writer.Write(id, p)
	if err != nil {
		return "", err
	}

	phase := p.MeanPhase()
	if !s.manifest.AddIfAbsent(id, writer.Name(), off, phase) {
		_ = writer.MarkDeleted(off)
		return "", fmt.Errorf("%w: %s", ErrDuplicatePattern, id)
	}

	if meta != nil {
		s.metadata.Put(id, meta)
		if err := s.metadata.Flush(); err != nil {
			// The record is already live and indexed; a failure returned to
			// the caller must mean the insert did not happen.
			_ = writer.MarkDeleted(off)
			_ = s.manifest.Remove(id)
			s.metadata.Remove(id)
			return "", err
		}
	}

	group.RecordInsert(phase)

	s.maybeCompact(shard, group)

	return id, nil
}

// Delete tombstones id's record and removes it from the manifest and
// metadata store.
func (s *Store) Delete(id string) error {
	s.rw.RLock()
	defer s.rw.RUnlock()

	loc, ok := s.manifest.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}

	writer, ok := s.segmentWriter(loc.Segment)
	if !ok {
		return fmt.Errorf("%w: segment %q for %s is not open", ErrIoFailure, loc.Segment, id)
	}
	if err := writer.MarkDeleted(loc.Offset); err != nil {
		return err
	}
	if err := s.manifest.Remove(id); err != nil {
		return err
	}
	s.metadata.Remove(id)
	return s.metadata.Flush()
}

// Replace atomically retires id in favor of a freshly inserted p,
// carrying over id's metadata unless meta is non-nil. It fails without
// mutating anything if id does not exist, or if p's content hash
// already names a different live pattern.
func (s *Store) Replace(id string, p WavePattern, meta map[string]string) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}

	s.rw.RLock()
	defer s.rw.RUnlock()

	oldLoc, ok := s.manifest.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrPatternNotFound, id)
	}

	newID := p.ID()
	if newID != id {
		if _, exists := s.manifest.Get(newID); exists {
			return "", fmt.Errorf("%w: %s", ErrDuplicatePattern, newID)
		}
	}

	shard := s.router.SelectShard(p)
	group := s.groupFor(shard)
	writer, err := s.writableSegment(group)
	if err != nil {
		return "", err
	}
	if writer.WillOverflow(p) {
		writer, err = group.CreateAndRegisterNewSegment()
		if err != nil {
			return "", err
		}
		s.registerWriter(writer)
		s.manifest.MarkKnownSegment(writer.Name())
	}

	newOff, err := writer.Write(newID, p)
	if err != nil {
		return "", err
	}
	rollbackNew := func() { _ = writer.MarkDeleted(newOff) }

	oldWriter, ok := s.segmentWriter(oldLoc.Segment)
	if !ok {
		rollbackNew()
		return "", fmt.Errorf("%w: segment %q for %s is not open", ErrIoFailure, oldLoc.Segment, id)
	}
	if err := oldWriter.MarkDeleted(oldLoc.Offset); err != nil {
		rollbackNew()
		return "", err
	}

	phase := p.MeanPhase()
	if err := s.manifest.ReplaceID(id, newID, writer.Name(), newOff, phase); err != nil {
		_ = oldWriter.UnmarkDeleted(oldLoc.Offset)
		rollbackNew()
		return "", err
	}

	oldMeta, hadOldMeta := s.metadata.Get(id)
	if meta != nil {
		s.metadata.Put(newID, meta)
	} else if hadOldMeta {
		s.metadata.Put(newID, oldMeta)
	}
	if newID != id {
		s.metadata.Remove(id)
	}
	if err := s.metadata.Flush(); err != nil {
		// The swap is already committed in the manifest and segments;
		// reverse every sub-step so a failed Replace leaves the store
		// exactly as it found it.
		_ = s.manifest.ReplaceID(newID, id, oldLoc.Segment, oldLoc.Offset, oldLoc.PhaseCenter)
		_ = oldWriter.UnmarkDeleted(oldLoc.Offset)
		rollbackNew()
		if newID != id {
			s.metadata.Remove(newID)
		}
		if hadOldMeta {
			s.metadata.Put(id, oldMeta)
		} else {
			s.metadata.Remove(id)
		}
		return "", err
	}
	group.RecordInsert(phase)

	s.maybeCompact(shard, group)

	return newID, nil
}

// maybeCompact kicks off an asynchronous compaction of group if it has
// grown eligible, bounded to one in-flight compaction at a time.
func (s *Store) maybeCompact(shard string, group *SegmentGroup) {
	if !group.ShouldCompact() {
		return
	}
	select {
	case s.compactSem <- struct{}{}:
	default:
		return // a compaction is already in flight; try again next time
	}
	// Registered synchronously, while the caller (Insert/Replace) still
	// holds its own rw.RLock, so Close's compactWG.Wait() can never
	// observe zero in-flight compactions while this one is merely queued
	// but not yet running.
	s.compactWG.Add(1)
	go func() {
		defer s.compactWG.Done()
		defer func() { <-s.compactSem }()
		if err := s.compactGroup(shard, group); err != nil {
			err = fmt.Errorf("compact shard %q: %w", shard, err)
			log.Printf("abort merge: %v", err)
			select {
			case s.compactErrCh <- err:
			default:
			}
		}
	}()
}

// matchItem is the shared payload for the bounded top-K heap used by
// every query variant.
type matchItem struct {
	energy float64
	id     string
	payload any
}

type matchHeap []matchItem

func (h matchHeap) Len() int { return len(h) }
func (h matchHeap) Less(i, j int) bool {
	if h[i].energy != h[j].energy {
		return h[i].energy < h[j].energy
	}
	// On ties, keep the heap's "smallest" (first to be evicted when over
	// capacity) pointed at the lexicographically larger id, so a
	// capacity-bounded scan deterministically keeps the smaller id.
	return h[i].id > h[j].id
}
func (h matchHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *matchHeap) Push(x any)   { *h = append(*h, x.(matchItem)) }
func (h *matchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// pushBounded maintains h at no more than k items, evicting the
// lowest-ranked one (per matchHeap.Less) when it would grow past k.
func pushBounded(h *matchHeap, item matchItem, k int) {
	if k <= 0 {
		return
	}
	if h.Len() < k {
		heap.Push(h, item)
		return
	}
	if (*h)[0].energy < item.energy || ((*h)[0].energy == item.energy && (*h)[0].id > item.id) {
		heap.Pop(h)
		heap.Push(h, item)
	}
}

// sortedDescending drains h into a slice ordered by descending energy,
// ascending id on ties.
func sortedDescending(h matchHeap) []matchItem {
	out := make([]matchItem, len(h))
	copy(out, h)
	sort.Slice(out, func(i, j int) bool {
		if out[i].energy != out[j].energy {
			return out[i].energy > out[j].energy
		}
		return out[i].id < out[j].id
	})
	return out
}

// candidateRecords returns every live record in shard, preferring the
// reader cache's currently published version when it is already
// up to date with the shard's writer(s), and otherwise falling back to
// a direct scan of the writer's own mmap (always current).
func (s *Store) candidateRecords(shard string) []ScannedRecord {
	s.groupsMu.RLock()
	group, ok := s.groups[shard]
	s.groupsMu.RUnlock()
	if !ok {
		return nil
	}

	var out []ScannedRecord
	for _, w := range group.Writers() {
		if reader, cached := s.cache.Get(w.Name()); cached && reader.LastOffset() == w.WriteOffset() {
			records, err := reader.ReadAllWithID()
			if err == nil {
				out = append(out, records...)
				continue
			}
		}
		records, err := w.ReadAllLive()
		if err != nil {
			continue
		}
		out = append(out, records...)
		_, _ = s.cache.PublishVersion(w.Name(), w.WriteOffset())
	}
	return out
}

func (s *Store) shardsFor(p WavePattern) []string {
	shards := s.router.RelevantShards(p)
	if len(shards) == 0 {
		shards = s.router.AllShards()
	}
	return shards
}

// Query returns the k patterns with the highest resonance energy
// against p.
func (s *Store) Query(p WavePattern, k int) ([]ResonanceMatch, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.rw.RLock()
	defer s.rw.RUnlock()

	h := &matchHeap{}
	for _, shard := range s.shardsFor(p) {
		s.scoreInBatches(p, s.candidateRecords(shard), func(rec ScannedRecord, score float64) {
			pushBounded(h, matchItem{energy: score, id: rec.ID, payload: rec.Pattern}, k)
		})
	}

	items := sortedDescending(*h)
	out := make([]ResonanceMatch, len(items))
	for i, it := range items {
		out[i] = ResonanceMatch{ID: it.id, Energy: it.energy, Pattern: it.payload.(WavePattern)}
	}
	return out, nil
}

// scoreInBatches scores records against p using the kernel's batch
// entry point (CompareMany), chunking at the configured batch size
// rather than scoring one record at a time.
func (s *Store) scoreInBatches(p WavePattern, records []ScannedRecord, yield func(ScannedRecord, float64)) {
	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(records)
		if batchSize == 0 {
			batchSize = 1
		}
	}
	for start := 0; start < len(records); start += batchSize {
		end := start + batchSize
		if end > len(records) {
			end = len(records)
		}
		chunk := records[start:end]

		candidates := make([]WavePattern, len(chunk))
		for i, rec := range chunk {
			candidates[i] = rec.Pattern
		}
		scores, err := CompareMany(p, candidates, CompareOptions{})
		if err != nil {
			// CompareMany aborts the whole chunk on its first invalid
			// candidate; fall back to scoring this chunk one at a time so
			// a single malformed record doesn't hide its otherwise-valid
			// neighbors from the result.
			for _, rec := range chunk {
				if score, err := Compare(p, rec.Pattern, CompareOptions{}); err == nil {
					yield(rec, score)
				}
			}
			continue
		}
		for i, rec := range chunk {
			yield(rec, scores[i])
		}
	}
}

// QueryDetailed is Query plus each match's phase delta and zone
// classification against p.
func (s *Store) QueryDetailed(p WavePattern, k int) ([]ResonanceMatchDetailed, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.rw.RLock()
	defer s.rw.RUnlock()

	h := &matchHeap{}
	for _, shard := range s.shardsFor(p) {
		for _, rec := range s.candidateRecords(shard) {
			rawEnergy, delta, err := CompareWithPhaseDelta(p, rec.Pattern, CompareOptions{})
			if err != nil {
				continue
			}
			score, err := Compare(p, rec.Pattern, CompareOptions{})
			if err != nil {
				continue
			}
			detail := ResonanceMatchDetailed{
				ID:         rec.ID,
				Energy:     score,
				Pattern:    rec.Pattern,
				PhaseDelta: delta,
				Zone:       ClassifyZone(rawEnergy, delta),
				ZoneScore:  ZoneScore(score, delta),
			}
			pushBounded(h, matchItem{energy: score, id: rec.ID, payload: detail}, k)
		}
	}

	items := sortedDescending(*h)
	out := make([]ResonanceMatchDetailed, len(items))
	for i, it := range items {
		out[i] = it.payload.(ResonanceMatchDetailed)
	}
	return out, nil
}

// QueryInterference bundles the top-k detailed matches with the query
// pattern that produced them.
func (s *Store) QueryInterference(p WavePattern, k int) (InterferenceMap, error) {
	matches, err := s.QueryDetailed(p, k)
	if err != nil {
		return InterferenceMap{}, err
	}
	return InterferenceMap{Query: p, Matches: matches}, nil
}

// QueryInterferenceMap returns the top-k detailed matches as a flat
// entry list, without the query bundled in.
func (s *Store) QueryInterferenceMap(p WavePattern, k int) ([]InterferenceEntry, error) {
	matches, err := s.QueryDetailed(p, k)
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// CompositeTerm is one weighted input to QueryComposite's synthesized
// probe pattern.
type CompositeTerm struct {
	Pattern WavePattern
	Weight  float64 // if every term's Weight is 0, all terms are weighted uniformly; otherwise each uses its own Weight
}

// synthesizeComposite builds a probe pattern by summing each term's
// amplitude/phase as a weighted complex number per sample
// (w*A*e^{iφ}), then recovering amplitude/phase from the sum's
// magnitude/argument. Terms must share the same length.
func synthesizeComposite(terms []CompositeTerm) (WavePattern, error) {
	if len(terms) == 0 {
		return WavePattern{}, fmt.Errorf("%w: no composite terms", ErrInvalidPattern)
	}
	l := terms[0].Pattern.Len()
	for _, t := range terms {
		if err := t.Pattern.Validate(); err != nil {
			return WavePattern{}, err
		}
		if t.Pattern.Len() != l {
			return WavePattern{}, fmt.Errorf("%w: composite terms have differing lengths", ErrInvalidPattern)
		}
	}

	uniform := true
	for _, t := range terms {
		if t.Weight != 0 {
			uniform = false
			break
		}
	}
	weight := 1.0 / float64(len(terms))

	amp := make([]float64, l)
	phase := make([]float64, l)
	for i := 0; i < l; i++ {
		var sum complex128
		for _, t := range terms {
			w := t.Weight
			if uniform {
				w = weight
			}
			sum += complex(w, 0) * cmplx.Rect(t.Pattern.Amplitude[i], t.Pattern.Phase[i])
		}
		amp[i] = cmplx.Abs(sum)
		phase[i] = cmplx.Phase(sum)
	}
	return WavePattern{Amplitude: amp, Phase: phase}, nil
}

// QueryComposite synthesizes a probe from terms (see synthesizeComposite)
// and queries with it.
func (s *Store) QueryComposite(terms []CompositeTerm, k int) ([]ResonanceMatch, error) {
	probe, err := synthesizeComposite(terms)
	if err != nil {
		return nil, err
	}
	return s.Query(probe, k)
}

// QueryCompositeDetailed is QueryComposite's detailed-result variant.
func (s *Store) QueryCompositeDetailed(terms []CompositeTerm, k int) ([]ResonanceMatchDetailed, error) {
	probe, err := synthesizeComposite(terms)
	if err != nil {
		return nil, err
	}
	return s.QueryDetailed(probe, k)
}

// Compare scores two patterns directly with the store's kernel, without
// touching any stored data.
func (s *Store) Compare(a, b WavePattern) (float64, error) {
	return Compare(a, b, CompareOptions{})
}

// Metadata returns id's stored metadata, if any.
func (s *Store) Metadata(id string) (map[string]string, bool) {
	return s.metadata.Get(id)
}

// Has reports whether id currently names a live pattern.
func (s *Store) Has(id string) bool {
	_, ok := s.manifest.Get(id)
	return ok
}
