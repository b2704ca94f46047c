// Package repository is the durable source of truth for cache entries,
// chunk records, the crash-recovery download queue, and aggregate
// statistics. It is the only component that persists state across
// restarts; every other component treats it as an external collaborator.
package repository

import (
	"context"

	"github.com/arsfeld/reelcached/internal/cachecore"
)

// CleanupCandidate pairs an entry with its total on-disk chunk bytes, as
// returned by GetEntriesForCleanup (oldest/least-recently-used first).
type CleanupCandidate struct {
	Entry cachecore.CacheEntry
	Bytes int64
}

// Stats holds the aggregate counters exposed on /metrics and in the
// periodic log summary.
type Stats struct {
	Hits       int64
	Misses     int64
	TotalBytes int64
	FileCount  int64
}

// Repository is the capability set every other component consumes. A
// single implementation (sqlite-backed) is used in production; an
// in-memory implementation backs unit tests for the rest of the system.
type Repository interface {
	// Entry CRUD.
	FindEntryByIdentity(ctx context.Context, id cachecore.Identity) (*cachecore.CacheEntry, error)
	FindEntryByID(ctx context.Context, id int64) (*cachecore.CacheEntry, error)
	InsertEntry(ctx context.Context, e *cachecore.CacheEntry) (int64, error)
	UpdateEntry(ctx context.Context, e *cachecore.CacheEntry) error
	ListEntries(ctx context.Context) ([]cachecore.CacheEntry, error)
	DeleteEntry(ctx context.Context, id int64) error

	// Chunk operations.
	AddChunk(ctx context.Context, c *cachecore.CacheChunk) error
	GetChunksForEntry(ctx context.Context, entryID int64) ([]cachecore.CacheChunk, error)
	HasByteRange(ctx context.Context, entryID int64, start, end int64) (bool, error)
	DeleteChunksForEntry(ctx context.Context, entryID int64) error
	DeleteChunksInRange(ctx context.Context, entryID int64, start, end int64) error
	GetDownloadedBytes(ctx context.Context, entryID int64) (int64, error)
	GetMissingRanges(ctx context.Context, entryID int64, start, end int64) ([]cachecore.ByteRange, error)

	// Eviction helpers.
	GetEntriesForCleanup(ctx context.Context, limit int) ([]CleanupCandidate, error)
	DeleteOldEntries(ctx context.Context, olderThanDays int) (int, error)

	// Queue operations (crash recovery / observability only).
	EnqueuePending(ctx context.Context, item *cachecore.DownloadQueueItem) (int64, error)
	ListPending(ctx context.Context) ([]cachecore.DownloadQueueItem, error)
	UpdateQueueStatus(ctx context.Context, id int64, status cachecore.QueueStatus) error
	IncrementQueueRetry(ctx context.Context, id int64) error
	RemoveQueueItem(ctx context.Context, id int64) error

	// Statistics.
	IncrHits(ctx context.Context, n int64) error
	IncrMisses(ctx context.Context, n int64) error
	IncrBytesServed(ctx context.Context, n int64) error
	GetStats(ctx context.Context) (Stats, error)

	// ValidateOnStartup reconciles the durable record against what's
	// actually on disk: entries whose sparse file is missing, and complete
	// entries whose file size differs from a known expected_total_size,
	// are removed (with their chunks and queue items) so a later
	// request starts the entry fresh instead of serving from a broken
	// record.
	ValidateOnStartup(ctx context.Context, fileSize func(entryID int64) (int64, bool)) (removed int, err error)

	Close() error
}
