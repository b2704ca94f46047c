// Package manager admits chunk download requests, orders them by
// priority, caps parallelism, dispatches them to a downloader, and lets
// callers wait for a chunk or byte range to become available.
package manager

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/arsfeld/reelcached/internal/cachecore"
	"github.com/arsfeld/reelcached/internal/obslog"
	"github.com/arsfeld/reelcached/internal/repository"
	"github.com/arsfeld/reelcached/internal/statemachine"
)

// chunkKey identifies one (entry, chunk) pair in the active-download and
// waiter maps.
type chunkKey struct {
	entryID    int64
	chunkIndex int64
}

// Downloader is the single operation the manager needs from
// internal/downloader, kept as an interface so the manager is testable
// without real HTTP or disk I/O.
type Downloader interface {
	DownloadChunk(ctx context.Context, entryID, chunkIndex int64) error
}

// pqItem is one entry in the priority queue.
type pqItem struct {
	req   cachecore.ChunkRequest
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].req.Priority != pq[j].req.Priority {
		return pq[i].req.Priority < pq[j].req.Priority
	}
	return pq[i].req.RequestedAt.Before(pq[j].req.RequestedAt)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

type waiter struct {
	ch chan bool
}

// Manager admits, queues, and dispatches chunk downloads.
type Manager struct {
	downloader Downloader
	repo       repository.Repository
	machine    *statemachine.Machine
	sem        atomic.Pointer[semaphore.Weighted]
	chunkSize  int64
	lookahead  int

	mu      sync.Mutex
	queue   priorityQueue
	queued  map[chunkKey]*pqItem
	active  map[chunkKey]struct{}
	waiters map[chunkKey][]*waiter

	wg  sync.WaitGroup
	log *slog.Logger
}

// Config bundles the manager's tunables.
type Config struct {
	MaxConcurrentDownloads int64
	ChunkSize              int64
	LookaheadChunks        int
}

// New returns a Manager.
func New(downloader Downloader, repo repository.Repository, machine *statemachine.Machine, cfg Config, logger *slog.Logger) *Manager {
	m := &Manager{
		downloader: downloader,
		repo:       repo,
		machine:    machine,
		chunkSize:  cfg.ChunkSize,
		lookahead:  cfg.LookaheadChunks,
		queued:     make(map[chunkKey]*pqItem),
		active:     make(map[chunkKey]struct{}),
		waiters:    make(map[chunkKey][]*waiter),
		log:        obslog.Default(logger).With("component", "manager"),
	}
	m.sem.Store(semaphore.NewWeighted(cfg.MaxConcurrentDownloads))
	return m
}

// SetMaxConcurrentDownloads replaces the download concurrency limiter, per
// SPEC_FULL.md §A.3's live-tunable max_concurrent_downloads. Acquisitions
// already granted against the old limiter keep running to completion; the
// new limit only gates downloads dispatched from here on.
func (m *Manager) SetMaxConcurrentDownloads(n int64) {
	m.sem.Store(semaphore.NewWeighted(n))
}

// RequestChunk implements spec.md §4.6's admission algorithm: skip work
// already covered on disk, coalesce against an in-flight download, or
// else enqueue and attempt to dispatch.
func (m *Manager) RequestChunk(ctx context.Context, entryID, chunkIndex int64, priority cachecore.Priority) error {
	totalSize, err := m.totalSizeOf(ctx, entryID)
	if err != nil {
		return err
	}
	start, end := cachecore.ChunkByteRange(chunkIndex, m.chunkSize, totalSize)
	// ChunkByteRange's end is inclusive; the repository's HasByteRange
	// takes a half-open [start, end) range, hence end+1.
	covered, err := m.repo.HasByteRange(ctx, entryID, start, end+1)
	if err != nil {
		return err
	}
	key := chunkKey{entryID, chunkIndex}
	if covered {
		m.wake(key, true)
		return nil
	}

	m.mu.Lock()
	if _, inFlight := m.active[key]; inFlight {
		m.mu.Unlock()
		return nil
	}
	if existing, already := m.queued[key]; already {
		if priority < existing.req.Priority {
			existing.req.Priority = priority
			heap.Fix(&m.queue, existing.index)
		}
		m.mu.Unlock()
		return nil
	}

	item := &pqItem{req: cachecore.ChunkRequest{EntryID: entryID, ChunkIndex: chunkIndex, Priority: priority, RequestedAt: time.Now()}}
	heap.Push(&m.queue, item)
	m.queued[key] = item
	m.mu.Unlock()

	m.dispatch(ctx)
	return nil
}

// totalSizeOf resolves entryID's ExpectedTotalSize so chunk bounds clip
// correctly at the final, possibly short, chunk.
func (m *Manager) totalSizeOf(ctx context.Context, entryID int64) (int64, error) {
	entry, err := m.repo.FindEntryByID(ctx, entryID)
	if err != nil {
		return -1, err
	}
	if entry == nil {
		return -1, &cachecore.NotFoundError{Resource: "cache entry"}
	}
	return entry.ExpectedTotalSize, nil
}

// RequestChunksForRange implements request_chunks_for_range: enumerate
// the chunk indices covering [start, end] and request each.
func (m *Manager) RequestChunksForRange(ctx context.Context, entryID, start, end int64, priority cachecore.Priority) error {
	first := cachecore.ChunkIndex(start, m.chunkSize)
	last := cachecore.ChunkIndex(end, m.chunkSize)
	for i := first; i <= last; i++ {
		if err := m.RequestChunk(ctx, entryID, i, priority); err != nil {
			return err
		}
	}
	return nil
}

// NoteRead implements the lookahead_chunks prefetch: whenever the proxy
// observes a read position, enqueue lookahead additional sequential
// chunks past the one containing offset, at PriorityHigh.
func (m *Manager) NoteRead(ctx context.Context, entryID, offset int64) {
	if m.lookahead <= 0 {
		return
	}
	base := cachecore.ChunkIndex(offset, m.chunkSize)
	for i := int64(1); i <= int64(m.lookahead); i++ {
		_ = m.RequestChunk(ctx, entryID, base+i, cachecore.PriorityHigh)
	}
}

// dispatch pops and spawns downloads while capacity and queued work both
// remain.
func (m *Manager) dispatch(ctx context.Context) {
	for {
		sem := m.sem.Load()
		if !sem.TryAcquire(1) {
			return
		}

		m.mu.Lock()
		if m.queue.Len() == 0 {
			m.mu.Unlock()
			sem.Release(1)
			return
		}
		item := heap.Pop(&m.queue).(*pqItem)
		key := chunkKey{item.req.EntryID, item.req.ChunkIndex}
		delete(m.queued, key)
		m.active[key] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go m.runDownload(ctx, key, item.req, sem)
	}
}

func (m *Manager) runDownload(ctx context.Context, key chunkKey, req cachecore.ChunkRequest, sem *semaphore.Weighted) {
	defer m.wg.Done()
	defer sem.Release(1)

	err := m.downloader.DownloadChunk(ctx, req.EntryID, req.ChunkIndex)

	m.mu.Lock()
	delete(m.active, key)
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("chunk download failed", "entry_id", req.EntryID, "chunk_index", req.ChunkIndex, "error", err)
	} else {
		m.notifyProgress(ctx, req.EntryID)
		m.wake(key, true)
	}

	m.dispatch(ctx)
}

// notifyProgress relays a completed chunk's new progress counters to the
// state machine, transitioning to Complete once the entry is fully
// downloaded. The downloader itself already persisted these counters;
// this only keeps the in-memory lifecycle view consistent for
// wait_for_data/wait_for_range callers.
func (m *Manager) notifyProgress(ctx context.Context, entryID int64) {
	if m.machine == nil {
		return
	}
	entry, err := m.repo.FindEntryByID(ctx, entryID)
	if err != nil || entry == nil {
		return
	}
	m.machine.UpdateProgress(entryID, entry.DownloadedBytes, entry.ExpectedTotalSize)
	if entry.IsComplete {
		_ = m.machine.Transition(entryID, statemachine.Complete, "all chunks downloaded")
	}
}

func (m *Manager) wake(key chunkKey, ok bool) {
	m.mu.Lock()
	ws := m.waiters[key]
	delete(m.waiters, key)
	m.mu.Unlock()
	for _, w := range ws {
		w.ch <- ok
	}
}

// WaitForChunk blocks until chunkIndex of entryID is covered on disk, or
// timeout elapses.
func (m *Manager) WaitForChunk(ctx context.Context, entryID, chunkIndex int64, timeout time.Duration) bool {
	totalSize, err := m.totalSizeOf(ctx, entryID)
	if err != nil {
		return false
	}
	start, end := cachecore.ChunkByteRange(chunkIndex, m.chunkSize, totalSize)
	covered, err := m.repo.HasByteRange(ctx, entryID, start, end+1)
	if err == nil && covered {
		return true
	}

	key := chunkKey{entryID, chunkIndex}
	w := &waiter{ch: make(chan bool, 1)}
	m.mu.Lock()
	m.waiters[key] = append(m.waiters[key], w)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok := <-w.ch:
		return ok
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// WaitForRange blocks, per-chunk, until every chunk covering [start, end]
// is available, using a decreasing deadline across chunks.
func (m *Manager) WaitForRange(ctx context.Context, entryID, start, end int64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	first := cachecore.ChunkIndex(start, m.chunkSize)
	last := cachecore.ChunkIndex(end, m.chunkSize)
	for i := first; i <= last; i++ {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if !m.WaitForChunk(ctx, entryID, i, remaining) {
			return false
		}
	}
	return true
}

// CancelRequests removes still-queued requests for the given chunk
// indices of entryID. In-flight downloads are not aborted; their results
// are still recorded when they complete, since bytes on disk are always
// beneficial.
func (m *Manager) CancelRequests(entryID int64, chunkIndices []int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, idx := range chunkIndices {
		key := chunkKey{entryID, idx}
		item, ok := m.queued[key]
		if !ok {
			continue
		}
		heap.Remove(&m.queue, item.index)
		delete(m.queued, key)
	}
}

// RetryRange implements corruption recovery: delete chunk rows
// intersecting [start, end], re-enqueue at HIGH priority, and wait for
// the range to be refetched.
func (m *Manager) RetryRange(ctx context.Context, entryID, start, end, totalSize int64, timeout time.Duration) bool {
	// start, end are inclusive here (per spec.md:200 and this method's
	// siblings RequestChunksForRange/WaitForRange), but DeleteChunksInRange
	// takes a half-open [start, end) range, hence end+1.
	if err := m.repo.DeleteChunksInRange(ctx, entryID, start, end+1); err != nil {
		m.log.Warn("retry_range: delete chunk rows failed", "entry_id", entryID, "error", err)
		return false
	}
	if err := m.RequestChunksForRange(ctx, entryID, start, end, cachecore.PriorityHigh); err != nil {
		m.log.Warn("retry_range: re-enqueue failed", "entry_id", entryID, "error", err)
		return false
	}
	return m.WaitForRange(ctx, entryID, start, end, timeout)
}

// PrecacheEntry requests every chunk of an entry whose total size is
// known, at the given priority — a user-facing "cache this now" knob
// supplementing the streaming-driven admission path (SPEC_FULL.md §C).
func (m *Manager) PrecacheEntry(ctx context.Context, entryID, totalSize int64, priority cachecore.Priority) error {
	count := cachecore.ChunkCount(totalSize, m.chunkSize)
	for i := int64(0); i < count; i++ {
		if err := m.RequestChunk(ctx, entryID, i, priority); err != nil {
			return err
		}
	}
	return nil
}

// Wait blocks until every in-flight download task this manager has
// spawned has returned. Intended for graceful shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}
