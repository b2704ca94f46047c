package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/jpillora/backoff"

	"github.com/arsfeld/reelcached/internal/cachecore"
	"github.com/arsfeld/reelcached/internal/statemachine"
)

const unknownTotalProbeWindow = int64(1) << 40

// resolveEntry finds the cache entry addressed by either the identity
// tuple route or the opaque stream-id route.
func (p *Proxy) resolveEntry(ctx context.Context, r *http.Request) (*cachecore.CacheEntry, bool, error) {
	vars := mux.Vars(r)
	if id, ok := vars["id"]; ok {
		entryID, ok := p.resolveStream(id)
		if !ok {
			return nil, false, nil
		}
		entry, err := p.repo.FindEntryByID(ctx, entryID)
		return entry, entry != nil, err
	}

	identity := cachecore.Identity{
		SourceID: vars["source"],
		MediaID:  vars["media"],
		Quality:  vars["quality"],
	}
	entry, err := p.repo.FindEntryByIdentity(ctx, identity)
	return entry, entry != nil, err
}

// totalSizeOf resolves total_size per spec.md §4.7: expected_total_size
// when known, else the current on-disk file size.
func (p *Proxy) totalSizeOf(entry *cachecore.CacheEntry) int64 {
	if entry.HasKnownSize() {
		return entry.ExpectedTotalSize
	}
	size, err := p.store.FileSize(entry.ID)
	if err != nil {
		return -1
	}
	return size
}

// contiguousAvailable returns how many bytes are contiguously available
// starting at offset from, per this session's available_size decision:
// sparse-file preallocation means raw on-disk file size does not reflect
// download progress, so availability must come from the repository's
// merged chunk coverage relative to the request's own start offset.
func (p *Proxy) contiguousAvailable(ctx context.Context, entryID, from, totalSize int64) (int64, error) {
	upper := totalSize
	if upper < 0 {
		upper = from + unknownTotalProbeWindow
	}
	if upper <= from {
		return 0, nil
	}
	gaps, err := p.repo.GetMissingRanges(ctx, entryID, from, upper)
	if err != nil {
		return 0, err
	}
	if len(gaps) == 0 {
		return upper - from, nil
	}
	if int64(gaps[0].Start) <= from {
		return 0, nil
	}
	return int64(gaps[0].Start) - from, nil
}

func contentTypeOf(entry *cachecore.CacheEntry, fallback string) string {
	if entry.ContentType != "" {
		return entry.ContentType
	}
	return fallback
}

func (p *Proxy) handleCacheKey(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r)
}

func (p *Proxy) handleStream(w http.ResponseWriter, r *http.Request) {
	p.serve(w, r)
}

// serve implements spec.md §4.7's full GET/HEAD algorithm.
func (p *Proxy) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	entry, found, err := p.resolveEntry(ctx, r)
	if err != nil {
		p.log.Error("resolve entry failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	contentType := contentTypeOf(entry, p.cfg.DefaultContentType)
	w.Header().Set("Accept-Ranges", "bytes")

	if r.Method == http.MethodHead {
		p.handleHead(w, entry, contentType)
		return
	}

	state := p.machine.State(entry.ID)
	kind := "full"
	if r.Header.Get("Range") != "" {
		kind = "range"
	}
	p.metrics.requestsTotal.WithLabelValues(r.Method, kind).Inc()

	switch state {
	case statemachine.Failed:
		p.retryAfter(w, http.StatusServiceUnavailable, 0)
		return
	case statemachine.NotStarted:
		p.retryAfter(w, http.StatusServiceUnavailable, 5*time.Second)
		return
	}

	totalSize := p.totalSizeOf(entry)

	if state == statemachine.Initializing {
		avail, _ := p.contiguousAvailable(ctx, entry.ID, 0, totalSize)
		if avail == 0 {
			if !p.pollForInitializingData(ctx, entry.ID) {
				p.metrics.timeoutsTotal.WithLabelValues("initializing").Inc()
				p.retryAfter(w, http.StatusServiceUnavailable, 5*time.Second)
				return
			}
			state = p.machine.State(entry.ID)
		}
	}

	if state == statemachine.Downloading || state == statemachine.Paused {
		avail, _ := p.contiguousAvailable(ctx, entry.ID, 0, totalSize)
		if avail == 0 {
			if !p.machine.WaitForData(ctx, entry.ID, p.cfg.ActiveDataWait) {
				p.metrics.timeoutsTotal.WithLabelValues("active_data").Inc()
				p.retryAfter(w, http.StatusServiceUnavailable, 2*time.Second)
				return
			}
		}
	}

	p.metrics.initialWaitSecs.Observe(time.Since(start).Seconds())

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		p.serveNoRange(ctx, w, entry, totalSize, contentType)
		return
	}

	rr, ok := parseRangeHeader(rangeHeader)
	if !ok {
		p.serveUnsatisfiable(w, totalSize)
		return
	}
	a, b, ok := rr.resolve(totalSize)
	if !ok {
		p.serveUnsatisfiable(w, totalSize)
		return
	}

	p.serveRange(ctx, w, entry, a, b, totalSize, contentType)
}

func (p *Proxy) handleHead(w http.ResponseWriter, entry *cachecore.CacheEntry, contentType string) {
	totalSize := p.totalSizeOf(entry)
	if totalSize >= 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", totalSize))
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
}

func (p *Proxy) serveNoRange(ctx context.Context, w http.ResponseWriter, entry *cachecore.CacheEntry, totalSize int64, contentType string) {
	avail, err := p.contiguousAvailable(ctx, entry.ID, 0, totalSize)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	p.serveBody(ctx, w, entry, 0, avail-1, totalSize, contentType)
}

func (p *Proxy) serveRange(ctx context.Context, w http.ResponseWriter, entry *cachecore.CacheEntry, a, b, totalSize int64, contentType string) {
	avail, err := p.contiguousAvailable(ctx, entry.ID, a, totalSize)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if avail == 0 {
		state := p.machine.State(entry.ID)
		if state == statemachine.Complete || (totalSize >= 0 && a >= totalSize) {
			p.serveUnsatisfiable(w, totalSize)
			return
		}
		p.prefetch(entry.ID, a, b, totalSize)
		p.metrics.missesTotal.Inc()
		p.retryAfter(w, http.StatusServiceUnavailable, 1*time.Second)
		return
	}

	clippedEnd := b
	if a+avail-1 < clippedEnd {
		clippedEnd = a + avail - 1
	}

	p.prefetch(entry.ID, a, b, totalSize)
	p.serveBody(ctx, w, entry, a, clippedEnd, totalSize, contentType)
}

// prefetch asks the manager to prioritize the requested window and notes
// the read position for lookahead, both fire-and-forget relative to the
// response being served from already-downloaded bytes.
func (p *Proxy) prefetch(entryID, a, b, totalSize int64) {
	end := b
	if end == unresolvedEnd || (totalSize >= 0 && end > totalSize-1) {
		end = totalSize - 1
		if end < a {
			end = a
		}
	}
	bgCtx := context.Background()
	if err := p.manager.RequestChunksForRange(bgCtx, entryID, a, end, cachecore.PriorityCritical); err != nil {
		p.log.Warn("prefetch: request chunks failed", "entry_id", entryID, "error", err)
	}
	p.manager.NoteRead(bgCtx, entryID, a)
}

func (p *Proxy) serveBody(ctx context.Context, w http.ResponseWriter, entry *cachecore.CacheEntry, a, b, totalSize int64, contentType string) {
	if b < a {
		p.serveUnsatisfiable(w, totalSize)
		return
	}
	length := b - a + 1

	data, err := p.store.ReadRange(entry.ID, a, length)
	if err != nil {
		var ioErr *cachecore.IoError
		if errors.As(err, &ioErr) && errors.Is(ioErr.Err, io.ErrUnexpectedEOF) {
			// The repository believed [a, b] was covered but the store came
			// up short: the on-disk data and the recorded chunk rows have
			// drifted apart. Self-heal via corruption recovery (spec.md
			// §4.6's retry_range) and retry the read once before giving up.
			p.log.Warn("serve: read short, retrying range", "entry_id", entry.ID, "start", a, "end", b)
			if p.manager.RetryRange(ctx, entry.ID, a, b, totalSize, p.cfg.ActiveDataWait) {
				data, err = p.store.ReadRange(entry.ID, a, length)
			}
		}
		if err != nil {
			p.log.Error("serve: read range failed", "entry_id", entry.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	totalStr := "*"
	if totalSize >= 0 {
		totalStr = fmt.Sprintf("%d", totalSize)
	}

	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Content-Length", fmt.Sprintf("%d", length))
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%s", a, b, totalStr))
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusPartialContent)
	if _, err := io.Copy(w, bytes.NewReader(data)); err == nil {
		p.metrics.hitsTotal.Inc()
		p.metrics.bytesServedTotal.Add(float64(length))
	}
}

func (p *Proxy) serveUnsatisfiable(w http.ResponseWriter, totalSize int64) {
	totalStr := "*"
	if totalSize >= 0 {
		totalStr = fmt.Sprintf("%d", totalSize)
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes */%s", totalStr))
	w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
}

func (p *Proxy) retryAfter(w http.ResponseWriter, status int, after time.Duration) {
	if after > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(after.Seconds())))
	}
	w.WriteHeader(status)
}

// pollForInitializingData implements the Initializing-state wait:
// exponential backoff from 100ms to 2s, bounded at 30s total, watching
// for the state to leave Initializing or for data to appear.
func (p *Proxy) pollForInitializingData(ctx context.Context, entryID int64) bool {
	deadline := time.Now().Add(p.cfg.InitializingWait)
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2, Jitter: false}

	for {
		state := p.machine.State(entryID)
		if state != statemachine.Initializing {
			return true
		}
		avail, _ := p.contiguousAvailable(ctx, entryID, 0, -1)
		if avail > 0 {
			return true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		delay := b.Duration()
		if delay > remaining {
			delay = remaining
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}
	}
}

func (p *Proxy) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (p *Proxy) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := p.repo.GetStats(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
