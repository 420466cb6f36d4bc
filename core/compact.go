package core

import (
	"fmt"
	"os"
	"time"
)

// compactGroup merges a shard's sealed segments into a single fresh
// segment. It never blocks ordinary store operations: new writes are
// steered onto a freshly rolled "current" segment before any copying
// starts, and every record move is guarded by the manifest's
// compare-and-swap Replace, so a concurrent delete or replace of a
// record mid-compaction is never silently resurrected.
func (s *Store) compactGroup(shard string, group *SegmentGroup) error {
	s.onCompactHook(shard)
	group.fireOnCompact()

	oldWriters := group.Writers()
	if len(oldWriters) < 2 {
		return nil
	}

	// Steer new writes away from the segments about to be merged.
	newCurrent, err := group.CreateAndRegisterNewSegment()
	if err != nil {
		return fmt.Errorf("roll fresh current segment for %q: %w", shard, err)
	}
	s.registerWriter(newCurrent)
	s.manifest.MarkKnownSegment(newCurrent.Name())

	mergedName := fmt.Sprintf("%s-merged-%d.segment", shard, time.Now().UnixNano())
	merged, err := CreateSegmentWriter(s.segmentsDir, mergedName, s.cfg.ChecksumWidth)
	if err != nil {
		return fmt.Errorf("create merged segment for %q: %w", shard, err)
	}

	for _, old := range oldWriters {
		records, err := old.ReadAllLive()
		if err != nil {
			merged.AbortClose()
			_ = os.Remove(merged.Path())
			return fmt.Errorf("scan %q during compaction: %w", old.Name(), err)
		}

		for _, rec := range records {
			loc, ok := s.manifest.Get(rec.ID)
			if !ok || loc.Segment != old.Name() || loc.Offset != rec.Offset {
				// Deleted or replaced since the scan; nothing to carry over.
				continue
			}

			newOff, err := merged.Write(rec.ID, rec.Pattern)
			if err != nil {
				merged.AbortClose()
				_ = os.Remove(merged.Path())
				return fmt.Errorf("write merged record %q: %w", rec.ID, err)
			}

			if err := s.manifest.Replace(rec.ID, old.Name(), rec.Offset, merged.Name(), newOff, loc.PhaseCenter); err != nil {
				// Lost a race with a concurrent delete/replace: the copy
				// we just wrote is now garbage, not a live duplicate.
				_ = merged.MarkDeleted(newOff)
				continue
			}
		}
	}

	if err := merged.Flush(); err != nil {
		return fmt.Errorf("flush merged segment for %q: %w", shard, err)
	}
	if err := merged.Sync(); err != nil {
		return fmt.Errorf("sync merged segment for %q: %w", shard, err)
	}

	s.registerWriter(merged)
	s.manifest.MarkKnownSegment(merged.Name())
	if _, err := s.cache.PublishVersion(merged.Name(), merged.WriteOffset()); err != nil {
		return fmt.Errorf("publish merged segment version for %q: %w", shard, err)
	}

	group.ResetTo(merged)
	group.AdoptExisting(newCurrent)

	for _, old := range oldWriters {
		s.cache.Invalidate(old.Name())
		s.unregisterWriter(old.Name())
		s.manifest.ForgetSegment(old.Name())
		old.AbortClose()
		if err := os.Remove(old.Path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove compacted segment %q: %w", old.Name(), err)
		}
	}

	return s.manifest.Flush()
}
