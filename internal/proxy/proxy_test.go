package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arsfeld/reelcached/internal/cachecore"
	"github.com/arsfeld/reelcached/internal/chunkstore"
	"github.com/arsfeld/reelcached/internal/repository"
	"github.com/arsfeld/reelcached/internal/statemachine"
)

type fakeManager struct {
	requestedRanges [][2]int64
	notedReads      []int64
	retriedRanges   [][2]int64
	retryResult     bool
	onRetry         func()
}

func (f *fakeManager) RequestChunksForRange(_ context.Context, _, start, end int64, _ cachecore.Priority) error {
	f.requestedRanges = append(f.requestedRanges, [2]int64{start, end})
	return nil
}
func (f *fakeManager) WaitForRange(_ context.Context, _, _, _ int64, _ time.Duration) bool { return true }
func (f *fakeManager) NoteRead(_ context.Context, _, offset int64)                         { f.notedReads = append(f.notedReads, offset) }
func (f *fakeManager) RetryRange(_ context.Context, _, start, end, _ int64, _ time.Duration) bool {
	f.retriedRanges = append(f.retriedRanges, [2]int64{start, end})
	if f.retryResult && f.onRetry != nil {
		f.onRetry()
	}
	return f.retryResult
}

func newTestProxy(t *testing.T) (*Proxy, repository.Repository, *chunkstore.Store, *statemachine.Machine, *fakeManager) {
	t.Helper()
	repo := repository.NewMemory()
	store := chunkstore.New(t.TempDir(), nil)
	machine := statemachine.New(64*1024, nil)
	mgr := &fakeManager{}
	p := New(repo, mgr, machine, store, 1<<20, Config{ActiveDataWait: 200 * time.Millisecond, InitializingWait: 200 * time.Millisecond}, prometheus.NewRegistry(), nil)
	return p, repo, store, machine, mgr
}

func insertTestEntry(t *testing.T, repo repository.Repository, store *chunkstore.Store, totalSize int64) int64 {
	t.Helper()
	ctx := context.Background()
	id, err := repo.InsertEntry(ctx, &cachecore.CacheEntry{
		Identity:          cachecore.Identity{SourceID: "src", MediaID: "media", Quality: "1080p"},
		ExpectedTotalSize: totalSize,
		ContentType:       "video/mp4",
	})
	require.NoError(t, err)
	require.NoError(t, store.CreateFile(id, totalSize))
	return id
}

func writeChunk(t *testing.T, repo repository.Repository, store *chunkstore.Store, entryID, start int64, data []byte) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.WriteChunk(entryID, start, data))
	require.NoError(t, repo.AddChunk(ctx, &cachecore.CacheChunk{CacheEntryID: entryID, StartByte: start, EndByte: start + int64(len(data)) - 1}))
}

func TestServe_ColdStartFullRead(t *testing.T) {
	p, repo, store, machine, _ := newTestProxy(t)
	const total = 10 * 1024 * 1024
	entryID := insertTestEntry(t, repo, store, total)
	machine.Reconstruct(entryID, false, 0, total)
	require.NoError(t, machine.Transition(entryID, statemachine.Initializing, "start"))
	require.NoError(t, machine.Transition(entryID, statemachine.Downloading, "begin"))

	data := make([]byte, 1024*1024)
	writeChunk(t, repo, store, entryID, 0, data)
	machine.UpdateProgress(entryID, int64(len(data)), total)

	req := httptest.NewRequest(http.MethodGet, "/cache/src/media/1080p", nil)
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, "bytes 0-1048575/10485760", rr.Header().Get("Content-Range"))
	assert.Equal(t, "1048576", rr.Header().Get("Content-Length"))
}

func TestServe_ShortReadTriggersRetryRangeAndSucceeds(t *testing.T) {
	p, repo, store, machine, mgr := newTestProxy(t)
	const total = 1024
	entryID := insertTestEntry(t, repo, store, total)
	machine.Reconstruct(entryID, false, 0, total)
	require.NoError(t, machine.Transition(entryID, statemachine.Initializing, "start"))
	require.NoError(t, machine.Transition(entryID, statemachine.Downloading, "begin"))

	good := make([]byte, total)
	for i := range good {
		good[i] = byte(i)
	}
	// The repository believes the whole file is covered, but the store
	// only has a short, truncated file on disk — simulating corruption.
	require.NoError(t, repo.AddChunk(context.Background(), &cachecore.CacheChunk{CacheEntryID: entryID, StartByte: 0, EndByte: total - 1}))
	require.NoError(t, store.WriteChunk(entryID, 0, good[:100]))
	require.NoError(t, os.Truncate(store.FilePath(entryID), 100))
	machine.UpdateProgress(entryID, total, total)

	mgr.retryResult = true
	mgr.onRetry = func() {
		require.NoError(t, store.WriteChunk(entryID, 0, good))
	}

	req := httptest.NewRequest(http.MethodGet, "/cache/src/media/1080p", nil)
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusPartialContent, rr.Code)
	assert.Equal(t, good, rr.Body.Bytes())
	require.Len(t, mgr.retriedRanges, 1)
	assert.Equal(t, [2]int64{0, total - 1}, mgr.retriedRanges[0])
}

func TestServe_ShortReadRetryRangeFailsReturns500(t *testing.T) {
	p, repo, store, machine, mgr := newTestProxy(t)
	const total = 1024
	entryID := insertTestEntry(t, repo, store, total)
	machine.Reconstruct(entryID, false, 0, total)
	require.NoError(t, machine.Transition(entryID, statemachine.Initializing, "start"))
	require.NoError(t, machine.Transition(entryID, statemachine.Downloading, "begin"))

	require.NoError(t, repo.AddChunk(context.Background(), &cachecore.CacheChunk{CacheEntryID: entryID, StartByte: 0, EndByte: total - 1}))
	require.NoError(t, store.WriteChunk(entryID, 0, make([]byte, 100)))
	require.NoError(t, os.Truncate(store.FilePath(entryID), 100))
	machine.UpdateProgress(entryID, total, total)

	mgr.retryResult = false

	req := httptest.NewRequest(http.MethodGet, "/cache/src/media/1080p", nil)
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Len(t, mgr.retriedRanges, 1)
}

func TestServe_NotStartedReturns503WithRetryAfter(t *testing.T) {
	p, repo, store, _, _ := newTestProxy(t)
	entryID := insertTestEntry(t, repo, store, 1000)
	_ = entryID

	req := httptest.NewRequest(http.MethodGet, "/cache/src/media/1080p", nil)
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "5", rr.Header().Get("Retry-After"))
}

func TestServe_FailedStateReturns503(t *testing.T) {
	p, repo, store, machine, _ := newTestProxy(t)
	entryID := insertTestEntry(t, repo, store, 1000)
	require.NoError(t, machine.Transition(entryID, statemachine.Initializing, "start"))
	require.NoError(t, machine.Transition(entryID, statemachine.Failed, "upstream error"))

	req := httptest.NewRequest(http.MethodGet, "/cache/src/media/1080p", nil)
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestServe_SeekPastAvailableReturns503(t *testing.T) {
	p, repo, store, machine, mgr := newTestProxy(t)
	const total = 10 * 1024 * 1024
	entryID := insertTestEntry(t, repo, store, total)
	require.NoError(t, machine.Transition(entryID, statemachine.Initializing, "start"))
	require.NoError(t, machine.Transition(entryID, statemachine.Downloading, "begin"))
	writeChunk(t, repo, store, entryID, 0, make([]byte, 3*1024*1024))
	machine.UpdateProgress(entryID, 3*1024*1024, total)

	req := httptest.NewRequest(http.MethodGet, "/cache/src/media/1080p", nil)
	req.Header.Set("Range", "bytes=5242880-")
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	require.Len(t, mgr.requestedRanges, 1)
	assert.Equal(t, int64(5242880), mgr.requestedRanges[0][0])
}

func TestServe_RangeBeyondTotalOnCompleteReturns416(t *testing.T) {
	p, repo, store, machine, _ := newTestProxy(t)
	const total = 1000
	entryID := insertTestEntry(t, repo, store, total)
	writeChunk(t, repo, store, entryID, 0, make([]byte, total))
	machine.Reconstruct(entryID, true, total, total)

	req := httptest.NewRequest(http.MethodGet, "/cache/src/media/1080p", nil)
	req.Header.Set("Range", "bytes=2000-3000")
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rr.Code)
	assert.Equal(t, "bytes */1000", rr.Header().Get("Content-Range"))
}

func TestServe_MalformedRangeReturns416(t *testing.T) {
	p, repo, store, machine, _ := newTestProxy(t)
	entryID := insertTestEntry(t, repo, store, 1000)
	writeChunk(t, repo, store, entryID, 0, make([]byte, 1000))
	machine.Reconstruct(entryID, true, 1000, 1000)

	req := httptest.NewRequest(http.MethodGet, "/cache/src/media/1080p", nil)
	req.Header.Set("Range", "bytes=abc")
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestedRangeNotSatisfiable, rr.Code)
}

func TestServe_HeadReturns200WithContentLength(t *testing.T) {
	p, repo, store, _, _ := newTestProxy(t)
	entryID := insertTestEntry(t, repo, store, 1000)
	_ = entryID

	req := httptest.NewRequest(http.MethodHead, "/cache/src/media/1080p", nil)
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1000", rr.Header().Get("Content-Length"))
	assert.Equal(t, "video/mp4", rr.Header().Get("Content-Type"))
}

func TestServe_NotFoundEntry(t *testing.T) {
	p, _, _, _, _ := newTestProxy(t)
	req := httptest.NewRequest(http.MethodGet, "/cache/src/missing/1080p", nil)
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServe_StreamIDRoute(t *testing.T) {
	p, repo, store, machine, _ := newTestProxy(t)
	const total = 1000
	entryID := insertTestEntry(t, repo, store, total)
	writeChunk(t, repo, store, entryID, 0, make([]byte, total))
	machine.Reconstruct(entryID, true, total, total)

	id := p.RegisterStream(entryID)
	req := httptest.NewRequest(http.MethodGet, "/stream/"+id, nil)
	rr := httptest.NewRecorder()
	p.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusPartialContent, rr.Code)
}

func TestContiguousAvailable_GapAtStartIsZero(t *testing.T) {
	p, repo, store, _, _ := newTestProxy(t)
	entryID := insertTestEntry(t, repo, store, 1000)
	writeChunk(t, repo, store, entryID, 500, make([]byte, 200))

	avail, err := p.contiguousAvailable(context.Background(), entryID, 0, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(0), avail)

	avail, err = p.contiguousAvailable(context.Background(), entryID, 500, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(200), avail)
}
