package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsfeld/reelcached/internal/cachecore"
)

func TestMemoryRepository_EntryCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	e := &cachecore.CacheEntry{
		Identity:          cachecore.Identity{SourceID: "plex", MediaID: "m1", Quality: "1080p"},
		OriginalURL:       "http://upstream/m1.mp4",
		ExpectedTotalSize: 1000,
		CreatedAt:         time.Now().UTC(),
		LastAccessedAt:    time.Now().UTC(),
	}
	id, err := repo.InsertEntry(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, id, e.ID)

	found, err := repo.FindEntryByIdentity(ctx, e.Identity)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, e.OriginalURL, found.OriginalURL)

	found.DownloadedBytes = 500
	require.NoError(t, repo.UpdateEntry(ctx, found))

	byID, err := repo.FindEntryByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(500), byID.DownloadedBytes)

	require.NoError(t, repo.DeleteEntry(ctx, id))
	_, err = repo.FindEntryByID(ctx, id)
	assert.Error(t, err)
}

func TestMemoryRepository_ChunksUnionSemantics(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	require.NoError(t, repo.AddChunk(ctx, &cachecore.CacheChunk{CacheEntryID: 1, StartByte: 0, EndByte: 99}))
	require.NoError(t, repo.AddChunk(ctx, &cachecore.CacheChunk{CacheEntryID: 1, StartByte: 50, EndByte: 149}))

	has, err := repo.HasByteRange(ctx, 1, 0, 150)
	require.NoError(t, err)
	assert.True(t, has)

	bytes, err := repo.GetDownloadedBytes(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(150), bytes) // merged union, not sum of raw records (250)

	missing, err := repo.GetMissingRanges(ctx, 1, 0, 200)
	require.NoError(t, err)
	assert.Equal(t, []cachecore.ByteRange{{Start: 150, End: 200}}, missing)
}

func TestMemoryRepository_DeleteChunksInRange(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	require.NoError(t, repo.AddChunk(ctx, &cachecore.CacheChunk{CacheEntryID: 1, StartByte: 0, EndByte: 99}))
	require.NoError(t, repo.DeleteChunksInRange(ctx, 1, 20, 50))

	chunks, err := repo.GetChunksForEntry(ctx, 1)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(0), chunks[0].StartByte)
	assert.Equal(t, int64(19), chunks[0].EndByte)
	assert.Equal(t, int64(50), chunks[1].StartByte)
	assert.Equal(t, int64(99), chunks[1].EndByte)
}

func TestMemoryRepository_QueueLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	item := &cachecore.DownloadQueueItem{CacheEntryID: 1, ChunkIndex: 2}
	id, err := repo.EnqueuePending(ctx, item)
	require.NoError(t, err)

	pending, err := repo.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.IncrementQueueRetry(ctx, id))
	require.NoError(t, repo.UpdateQueueStatus(ctx, id, cachecore.QueueStatusSynced))

	pending, err = repo.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, repo.RemoveQueueItem(ctx, id))
}

func TestMemoryRepository_ValidateOnStartup(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	e := &cachecore.CacheEntry{
		Identity:          cachecore.Identity{SourceID: "s", MediaID: "m", Quality: "q"},
		ExpectedTotalSize: 100,
		IsComplete:        true,
		CreatedAt:         time.Now().UTC(),
		LastAccessedAt:    time.Now().UTC(),
	}
	id, err := repo.InsertEntry(ctx, e)
	require.NoError(t, err)

	removed, err := repo.ValidateOnStartup(ctx, func(entryID int64) (int64, bool) {
		if entryID == id {
			return 0, false // file missing
		}
		return 0, true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = repo.FindEntryByID(ctx, id)
	assert.Error(t, err)
}
