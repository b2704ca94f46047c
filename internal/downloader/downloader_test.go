package downloader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsfeld/reelcached/internal/cachecore"
	"github.com/arsfeld/reelcached/internal/chunkstore"
	"github.com/arsfeld/reelcached/internal/diskpolicy"
	"github.com/arsfeld/reelcached/internal/repository"
)

type fakeDiskStat struct{ stat diskpolicy.DiskStat }

func (f fakeDiskStat) Stat() (diskpolicy.DiskStat, error) { return f.stat, nil }

func healthyDiskStater() DiskStater {
	return fakeDiskStat{diskpolicy.DiskStat{TotalBytes: 100 * 1024 * 1024 * 1024, FreeBytes: 90 * 1024 * 1024 * 1024}}
}

func testPolicy() *diskpolicy.Policy {
	return diskpolicy.New(diskpolicy.Config{
		MaxMB:              100_000,
		MinFreeMB:          100,
		CleanupPercent:     90,
		InfoThresholds:     diskpolicy.Thresholds{FreePercent: 20},
		WarningThresholds:  diskpolicy.Thresholds{FreePercent: 10},
		CriticalThresholds: diskpolicy.Thresholds{FreePercent: 5},
	}, nil)
}

func newTestDownloader(t *testing.T, httpClient *http.Client, diskStater DiskStater) (*Downloader, *chunkstore.Store, repository.Repository) {
	t.Helper()
	store := chunkstore.New(t.TempDir(), nil)
	repo := repository.NewMemory()
	cfg := DefaultRetryConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	d := New(httpClient, store, repo, testPolicy(), diskStater, 16, cfg, DefaultEmergencyCleanupConfig(), nil)
	return d, store, repo
}

func TestDownloadChunk_Success(t *testing.T) {
	content := []byte("0123456789abcdef") // 16 bytes, exactly one chunk
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-15", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	d, store, repo := newTestDownloader(t, srv.Client(), healthyDiskStater())
	ctx := context.Background()

	id, err := repo.InsertEntry(ctx, &cachecore.CacheEntry{
		Identity:          cachecore.Identity{SourceID: "s", MediaID: "m", Quality: "q"},
		OriginalURL:       srv.URL,
		ExpectedTotalSize: 16,
		CreatedAt:         time.Now().UTC(),
		LastAccessedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, d.DownloadChunk(ctx, id, 0))

	got, err := store.ReadRange(id, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	entry, err := repo.FindEntryByID(ctx, id)
	require.NoError(t, err)
	assert.True(t, entry.IsComplete)
	assert.Equal(t, int64(16), entry.DownloadedBytes)
}

func TestDownloadChunk_200WithOversizedBodyIsTruncated(t *testing.T) {
	content := []byte("0123456789abcdef") // 16 bytes, exactly one chunk
	oversized := append(append([]byte{}, content...), []byte("EXTRA-BEYOND-CHUNK")...)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-15", r.Header.Get("Range"))
		// Upstream ignores the Range request entirely and answers 200
		// with the full representation, per spec.md:281.
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(oversized)
	}))
	defer srv.Close()

	d, store, repo := newTestDownloader(t, srv.Client(), healthyDiskStater())
	ctx := context.Background()

	id, err := repo.InsertEntry(ctx, &cachecore.CacheEntry{
		Identity:          cachecore.Identity{SourceID: "s", MediaID: "m", Quality: "q"},
		OriginalURL:       srv.URL,
		ExpectedTotalSize: 16,
		CreatedAt:         time.Now().UTC(),
		LastAccessedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, d.DownloadChunk(ctx, id, 0))

	got, err := store.ReadRange(id, 0, 16)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	entry, err := repo.FindEntryByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(16), entry.DownloadedBytes)
}

func TestDownloadChunk_RetriesOn500ThenSucceeds(t *testing.T) {
	attempts := 0
	content := []byte("0123456789abcdef")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(content)
	}))
	defer srv.Close()

	d, _, repo := newTestDownloader(t, srv.Client(), healthyDiskStater())
	ctx := context.Background()

	id, err := repo.InsertEntry(ctx, &cachecore.CacheEntry{
		Identity:          cachecore.Identity{SourceID: "s", MediaID: "m", Quality: "q"},
		OriginalURL:       srv.URL,
		ExpectedTotalSize: 16,
		CreatedAt:         time.Now().UTC(),
		LastAccessedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	require.NoError(t, d.DownloadChunk(ctx, id, 0))
	assert.Equal(t, 3, attempts)
}

func TestDownloadChunk_NonRetryable404FailsFast(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d, _, repo := newTestDownloader(t, srv.Client(), healthyDiskStater())
	ctx := context.Background()

	id, err := repo.InsertEntry(ctx, &cachecore.CacheEntry{
		Identity:          cachecore.Identity{SourceID: "s", MediaID: "m", Quality: "q"},
		OriginalURL:       srv.URL,
		ExpectedTotalSize: 16,
		CreatedAt:         time.Now().UTC(),
		LastAccessedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	err = d.DownloadChunk(ctx, id, 0)
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "a non-transient 4xx must not be retried")
}

func TestDownloadChunk_NotFoundEntry(t *testing.T) {
	d, _, _ := newTestDownloader(t, http.DefaultClient, healthyDiskStater())
	err := d.DownloadChunk(context.Background(), 999, 0)
	require.Error(t, err)
	var nfe *cachecore.NotFoundError
	assert.ErrorAs(t, err, &nfe)
}

func TestDownloadChunk_CriticalDiskWithNoCandidatesFailsDiskFull(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("0123456789abcdef"))
	}))
	defer srv.Close()

	critical := fakeDiskStat{diskpolicy.DiskStat{TotalBytes: 100, FreeBytes: 1}}
	d, _, repo := newTestDownloader(t, srv.Client(), critical)
	ctx := context.Background()

	id, err := repo.InsertEntry(ctx, &cachecore.CacheEntry{
		Identity:          cachecore.Identity{SourceID: "s", MediaID: "m", Quality: "q"},
		OriginalURL:       srv.URL,
		ExpectedTotalSize: 16,
		CreatedAt:         time.Now().UTC(),
		LastAccessedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)

	// Only one entry exists and it's the one being downloaded, so cleanup
	// candidates may include it or be empty; either way nothing frees
	// space ahead of this single-entry repository, so the gate must fail.
	err = d.DownloadChunk(ctx, id, 0)
	require.Error(t, err)
	var dfe *cachecore.DiskFullError
	assert.ErrorAs(t, err, &dfe)
}
