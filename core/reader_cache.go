package core

import (
	"container/list"
	"fmt"
	"sync"
)

// readerKey versions a cached reader by (segment name, last_offset) so a
// writer's remap/growth invalidates old views instead of silently
// serving stale data.
type readerKey struct {
	segment    string
	lastOffset uint64
}

type cacheEntry struct {
	key    readerKey
	reader *SegmentReader
	weight int64 // approximate memory footprint: the segment's file size
}

// ReaderCache is a bounded, weighted cache of open SegmentReaders keyed
// by (segment, last_offset) version. PublishVersion is the only way a
// new version becomes visible; once published, the previous version for
// that segment is evicted and closed. A segment with no published
// version simply has no cached reader.
type ReaderCache struct {
	mu        sync.Mutex
	maxBytes  int64
	curBytes  int64
	dir       string
	entries   map[readerKey]*list.Element
	bySegment map[string]readerKey
	order     *list.List // front = most recently used
}

// NewReaderCache creates a cache bounded by maxBytes of approximate
// resident reader footprint (0 means unbounded).
func NewReaderCache(dir string, maxBytes int64) *ReaderCache {
	return &ReaderCache{
		dir:       dir,
		maxBytes:  maxBytes,
		entries:   make(map[readerKey]*list.Element),
		bySegment: make(map[string]readerKey),
		order:     list.New(),
	}
}

// Get returns the reader for the currently published version of
// segment, or (nil, false) if none has been published.
func (c *ReaderCache) Get(segment string) (*SegmentReader, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.bySegment[segment]
	if !ok {
		return nil, false
	}
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).reader, true
}

// PublishVersion opens (or reuses) the reader for (segment, lastOffset),
// makes it the segment's current published version, and evicts/closes
// any reader previously published for that segment under a different
// version. It is called after every successful flush.
func (c *ReaderCache) PublishVersion(segment string, lastOffset uint64) (*SegmentReader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := readerKey{segment: segment, lastOffset: lastOffset}
	if el, ok := c.entries[key]; ok {
		c.order.MoveToFront(el)
		c.bySegment[segment] = key
		return el.Value.(*cacheEntry).reader, nil
	}

	reader, err := OpenSegmentReader(c.dir, segment)
	if err != nil {
		return nil, err
	}

	weight := reader.size
	entry := &cacheEntry{key: key, reader: reader, weight: weight}
	el := c.order.PushFront(entry)
	c.entries[key] = el
	c.curBytes += weight

	if prevKey, ok := c.bySegment[segment]; ok && prevKey != key {
		c.evictKeyLocked(prevKey)
	}
	c.bySegment[segment] = key

	c.evictToFitLocked()

	return reader, nil
}

// Invalidate drops and closes any cached reader for segment, regardless
// of version. Used when a segment is deleted outright (e.g. after
// compaction removes the old segments).
func (c *ReaderCache) Invalidate(segment string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.bySegment[segment]; ok {
		c.evictKeyLocked(key)
		delete(c.bySegment, segment)
	}
}

func (c *ReaderCache) evictKeyLocked(key readerKey) {
	el, ok := c.entries[key]
	if !ok {
		return
	}
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, key)
	c.curBytes -= entry.weight
	_ = entry.reader.Close()
}

// evictToFitLocked evicts least-recently-used, non-pinned entries (a
// "pinned" entry is the currently published version for its segment)
// until the cache is within budget or no evictable entry remains.
func (c *ReaderCache) evictToFitLocked() {
	if c.maxBytes <= 0 {
		return
	}
	for el := c.order.Back(); el != nil && c.curBytes > c.maxBytes; {
		prev := el.Prev()
		entry := el.Value.(*cacheEntry)
		if c.bySegment[entry.key.segment] != entry.key {
			c.order.Remove(el)
			delete(c.entries, entry.key)
			c.curBytes -= entry.weight
			_ = entry.reader.Close()
		}
		el = prev
	}
}

// Close closes every cached reader.
func (c *ReaderCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*cacheEntry)
		if err := entry.reader.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close cached reader %q: %w", entry.key.segment, err)
		}
	}
	c.entries = make(map[readerKey]*list.Element)
	c.bySegment = make(map[string]readerKey)
	c.order = list.New()
	c.curBytes = 0
	return firstErr
}
