package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/arsfeld/reelcached/internal/cachecore"
)

// MemoryRepository is an in-process, mutex-guarded Repository used by unit
// tests across the rest of the system in place of a real SQLite file.
type MemoryRepository struct {
	mu          sync.Mutex
	nextID      int64
	entries     map[int64]cachecore.CacheEntry
	chunks      map[int64][]cachecore.CacheChunk
	queue       map[int64]cachecore.DownloadQueueItem
	nextQueueID int64
	hits        int64
	misses      int64
	bytesServed int64
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemory returns an empty in-memory repository.
func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		entries: make(map[int64]cachecore.CacheEntry),
		chunks:  make(map[int64][]cachecore.CacheChunk),
		queue:   make(map[int64]cachecore.DownloadQueueItem),
	}
}

func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) FindEntryByIdentity(_ context.Context, id cachecore.Identity) (*cachecore.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Identity == id {
			cp := e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryRepository) FindEntryByID(_ context.Context, id int64) (*cachecore.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, &cachecore.NotFoundError{Resource: "entry"}
	}
	cp := e
	return &cp, nil
}

func (m *MemoryRepository) InsertEntry(_ context.Context, e *cachecore.CacheEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.entries[e.ID] = *e
	return e.ID, nil
}

func (m *MemoryRepository) UpdateEntry(_ context.Context, e *cachecore.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[e.ID]; !ok {
		return &cachecore.NotFoundError{Resource: "entry"}
	}
	m.entries[e.ID] = *e
	return nil
}

func (m *MemoryRepository) ListEntries(_ context.Context) ([]cachecore.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]cachecore.CacheEntry, 0, len(m.entries))
	for _, e := range m.entries {
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryRepository) DeleteEntry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	delete(m.chunks, id)
	return nil
}

func (m *MemoryRepository) AddChunk(_ context.Context, c *cachecore.CacheChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	m.chunks[c.CacheEntryID] = append(m.chunks[c.CacheEntryID], *c)
	return nil
}

func (m *MemoryRepository) GetChunksForEntry(_ context.Context, entryID int64) ([]cachecore.CacheChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.chunks[entryID]
	out := make([]cachecore.CacheChunk, len(cs))
	copy(out, cs)
	sort.Slice(out, func(i, j int) bool { return out[i].StartByte < out[j].StartByte })
	return out, nil
}

func (m *MemoryRepository) rangeSetLocked(entryID int64) *cachecore.ByteRangeSet {
	set := cachecore.NewByteRangeSet()
	for _, c := range m.chunks[entryID] {
		set.Add(uint64(c.StartByte), uint64(c.EndByte)+1)
	}
	return set
}

func (m *MemoryRepository) HasByteRange(_ context.Context, entryID int64, start, end int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rangeSetLocked(entryID).ContainsRange(uint64(start), uint64(end)), nil
}

func (m *MemoryRepository) GetMissingRanges(_ context.Context, entryID int64, start, end int64) ([]cachecore.ByteRange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rangeSetLocked(entryID).GetMissingRanges(uint64(start), uint64(end)), nil
}

func (m *MemoryRepository) DeleteChunksForEntry(_ context.Context, entryID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, entryID)
	return nil
}

func (m *MemoryRepository) DeleteChunksInRange(_ context.Context, entryID int64, start, end int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []cachecore.CacheChunk
	for _, c := range m.chunks[entryID] {
		if c.EndByte < start || c.StartByte >= end {
			kept = append(kept, c)
			continue
		}
		if c.StartByte < start {
			kept = append(kept, cachecore.CacheChunk{
				CacheEntryID: entryID, StartByte: c.StartByte, EndByte: start - 1, DownloadedAt: c.DownloadedAt,
			})
		}
		if c.EndByte >= end {
			kept = append(kept, cachecore.CacheChunk{
				CacheEntryID: entryID, StartByte: end, EndByte: c.EndByte, DownloadedAt: c.DownloadedAt,
			})
		}
	}
	m.chunks[entryID] = kept
	return nil
}

func (m *MemoryRepository) GetDownloadedBytes(_ context.Context, entryID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(m.rangeSetLocked(entryID).TotalBytes()), nil
}

func (m *MemoryRepository) GetEntriesForCleanup(_ context.Context, limit int) ([]CleanupCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]cachecore.CacheEntry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].LastAccessedAt.Before(entries[j].LastAccessedAt) })
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	out := make([]CleanupCandidate, 0, len(entries))
	for _, e := range entries {
		out = append(out, CleanupCandidate{Entry: e, Bytes: int64(m.rangeSetLocked(e.ID).TotalBytes())})
	}
	return out, nil
}

func (m *MemoryRepository) DeleteOldEntries(_ context.Context, olderThanDays int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	removed := 0
	for id, e := range m.entries {
		if e.LastAccessedAt.Before(cutoff) {
			delete(m.entries, id)
			delete(m.chunks, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryRepository) EnqueuePending(_ context.Context, item *cachecore.DownloadQueueItem) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextQueueID++
	item.ID = m.nextQueueID
	item.Status = cachecore.QueueStatusPending
	m.queue[item.ID] = *item
	return item.ID, nil
}

func (m *MemoryRepository) ListPending(_ context.Context) ([]cachecore.DownloadQueueItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []cachecore.DownloadQueueItem
	for _, item := range m.queue {
		if item.Status == cachecore.QueueStatusPending {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *MemoryRepository) UpdateQueueStatus(_ context.Context, id int64, status cachecore.QueueStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.queue[id]
	if !ok {
		return &cachecore.NotFoundError{Resource: "queue item"}
	}
	item.Status = status
	item.UpdatedAt = time.Now().UTC()
	m.queue[id] = item
	return nil
}

func (m *MemoryRepository) IncrementQueueRetry(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.queue[id]
	if !ok {
		return &cachecore.NotFoundError{Resource: "queue item"}
	}
	item.RetryCount++
	m.queue[id] = item
	return nil
}

func (m *MemoryRepository) RemoveQueueItem(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, id)
	return nil
}

func (m *MemoryRepository) IncrHits(_ context.Context, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits += n
	return nil
}

func (m *MemoryRepository) IncrMisses(_ context.Context, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses += n
	return nil
}

func (m *MemoryRepository) IncrBytesServed(_ context.Context, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesServed += n
	return nil
}

func (m *MemoryRepository) GetStats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var totalBytes int64
	for id := range m.entries {
		totalBytes += int64(m.rangeSetLocked(id).TotalBytes())
	}
	return Stats{
		Hits:       m.hits,
		Misses:     m.misses,
		TotalBytes: totalBytes,
		FileCount:  int64(len(m.entries)),
	}, nil
}

func (m *MemoryRepository) ValidateOnStartup(_ context.Context, fileSize func(entryID int64) (int64, bool)) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, e := range m.entries {
		size, exists := fileSize(id)
		if !exists || (e.IsComplete && e.ExpectedTotalSize >= 0 && size != e.ExpectedTotalSize) {
			delete(m.entries, id)
			delete(m.chunks, id)
			removed++
		}
	}
	return removed, nil
}
