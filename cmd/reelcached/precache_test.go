package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsfeld/reelcached/internal/cachecore"
	"github.com/arsfeld/reelcached/internal/repository"
	"github.com/arsfeld/reelcached/internal/statemachine"
)

type fakePrecacheStore struct {
	created map[int64]int64
}

func newFakePrecacheStore() *fakePrecacheStore {
	return &fakePrecacheStore{created: make(map[int64]int64)}
}

func (s *fakePrecacheStore) FilePath(entryID int64) string {
	return "/fake/" + string(rune('0'+entryID)) + ".cache"
}

func (s *fakePrecacheStore) CreateFile(entryID, expectedSize int64) error {
	s.created[entryID] = expectedSize
	return nil
}

func TestEnsurePrecacheEntry_CreatesNewEntryAndStartsDownload(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := newFakePrecacheStore()
	machine := statemachine.New(1024, nil)

	precacheURL = "http://upstream/video.mp4"
	precacheContentType = "video/mp4"
	precacheTotalSize = 5000
	defer func() { precacheURL = "" }()

	identity := cachecore.Identity{SourceID: "plex", MediaID: "m1", Quality: "1080p"}
	entry, err := ensurePrecacheEntry(ctx, repo, store, machine, identity)
	require.NoError(t, err)
	assert.NotZero(t, entry.ID)
	assert.Equal(t, int64(5000), store.created[entry.ID])
	assert.Equal(t, statemachine.Downloading, machine.State(entry.ID))

	persisted, err := repo.FindEntryByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, store.FilePath(entry.ID), persisted.FilePath)
}

func TestEnsurePrecacheEntry_ReusesExistingEntry(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := newFakePrecacheStore()
	machine := statemachine.New(1024, nil)

	identity := cachecore.Identity{SourceID: "plex", MediaID: "m1", Quality: "1080p"}
	id, err := repo.InsertEntry(ctx, &cachecore.CacheEntry{Identity: identity, ExpectedTotalSize: 10})
	require.NoError(t, err)

	entry, err := ensurePrecacheEntry(ctx, repo, store, machine, identity)
	require.NoError(t, err)
	assert.Equal(t, id, entry.ID)
	assert.Empty(t, store.created)
}

func TestEnsurePrecacheEntry_RequiresURLForNewEntry(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	store := newFakePrecacheStore()
	machine := statemachine.New(1024, nil)

	precacheURL = ""
	_, err := ensurePrecacheEntry(ctx, repo, store, machine, cachecore.Identity{SourceID: "a", MediaID: "b", Quality: "c"})
	assert.Error(t, err)
}
