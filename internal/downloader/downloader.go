// Package downloader fetches one chunk at a time from an upstream HTTP
// origin, retries transient failures with bounded exponential backoff,
// and recovers from a full disk by evicting the least-recently-used
// entries before giving up.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jpillora/backoff"

	"github.com/arsfeld/reelcached/internal/cachecore"
	"github.com/arsfeld/reelcached/internal/chunkstore"
	"github.com/arsfeld/reelcached/internal/diskpolicy"
	"github.com/arsfeld/reelcached/internal/obslog"
	"github.com/arsfeld/reelcached/internal/repository"
)

// RetryConfig configures the bounded exponential backoff around each
// download attempt, per spec.md §4.4.
type RetryConfig struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the spec's documented defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

// EmergencyCleanupConfig bounds how aggressively the downloader evicts
// entries to recover from disk pressure.
type EmergencyCleanupConfig struct {
	MaxEntries      int
	TargetFreeBytes int64
}

// DefaultEmergencyCleanupConfig returns the spec's documented defaults
// (up to 10 LRU entries, stop once 1 GiB is freed).
func DefaultEmergencyCleanupConfig() EmergencyCleanupConfig {
	return EmergencyCleanupConfig{MaxEntries: 10, TargetFreeBytes: 1 << 30}
}

// DiskStater supplies a live disk snapshot for the configured cache
// directory; the real implementation calls statfs/GetDiskFreeSpace, kept
// out of this package so it stays unit-testable.
type DiskStater interface {
	Stat() (diskpolicy.DiskStat, error)
}

// Downloader fetches and commits chunks for cache entries.
type Downloader struct {
	httpClient *http.Client
	store      *chunkstore.Store
	repo       repository.Repository
	policy     *diskpolicy.Policy
	diskStat   DiskStater
	retry      RetryConfig
	cleanup    EmergencyCleanupConfig
	chunkSize  int64

	log *slog.Logger
}

// New returns a Downloader. httpClient may be nil, in which case
// http.DefaultClient is used.
func New(httpClient *http.Client, store *chunkstore.Store, repo repository.Repository, policy *diskpolicy.Policy, diskStat DiskStater, chunkSize int64, retry RetryConfig, cleanup EmergencyCleanupConfig, logger *slog.Logger) *Downloader {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Downloader{
		httpClient: httpClient,
		store:      store,
		repo:       repo,
		policy:     policy,
		diskStat:   diskStat,
		retry:      retry,
		cleanup:    cleanup,
		chunkSize:  chunkSize,
		log:        obslog.Default(logger).With("component", "downloader"),
	}
}

// DownloadChunk implements spec.md §4.4's download_chunk algorithm: a
// disk gate, upstream range fetch with bounded retry, a store attempt
// with one disk-full recovery retry, a chunk record, and a progress
// recompute.
func (d *Downloader) DownloadChunk(ctx context.Context, entryID int64, chunkIndex int64) error {
	if err := d.gateOnDiskPressure(ctx); err != nil {
		return err
	}

	entry, err := d.repo.FindEntryByID(ctx, entryID)
	if err != nil {
		return fmt.Errorf("downloader: lookup entry %d: %w", entryID, err)
	}
	if entry == nil {
		return &cachecore.NotFoundError{Resource: fmt.Sprintf("cache entry %d", entryID)}
	}

	start, end := cachecore.ChunkByteRange(chunkIndex, d.chunkSize, entry.ExpectedTotalSize)

	data, err := d.fetchWithRetry(ctx, entry.OriginalURL, start, end)
	if err != nil {
		return err
	}

	if err := d.storeWithRecovery(ctx, entryID, start, data); err != nil {
		return err
	}

	if err := d.repo.AddChunk(ctx, &cachecore.CacheChunk{
		CacheEntryID: entryID,
		StartByte:    start,
		EndByte:      end,
		DownloadedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("downloader: record chunk [%d,%d] for entry %d: %w", start, end, entryID, err)
	}

	return d.recordProgress(ctx, entry)
}

func (d *Downloader) recordProgress(ctx context.Context, entry *cachecore.CacheEntry) error {
	downloaded, err := d.repo.GetDownloadedBytes(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("downloader: recompute progress for entry %d: %w", entry.ID, err)
	}
	entry.DownloadedBytes = downloaded
	if entry.HasKnownSize() && downloaded >= entry.ExpectedTotalSize {
		entry.IsComplete = true
	}
	if err := d.repo.UpdateEntry(ctx, entry); err != nil {
		return fmt.Errorf("downloader: persist progress for entry %d: %w", entry.ID, err)
	}
	return nil
}

// gateOnDiskPressure implements the disk gate step: Critical triggers a
// synchronous emergency cleanup, failing DiskFull if it can't make
// headway; Warning/Info are logged only.
func (d *Downloader) gateOnDiskPressure(ctx context.Context) error {
	stat, err := d.diskStat.Stat()
	if err != nil {
		return fmt.Errorf("downloader: read disk stat: %w", err)
	}

	switch d.policy.Classify(stat) {
	case diskpolicy.Critical:
		freed, err := d.emergencyCleanup(ctx)
		if err != nil {
			return err
		}
		if freed == 0 {
			return &cachecore.DiskFullError{}
		}
		d.log.Warn("emergency cleanup ran before download", "freed_bytes", freed)
	case diskpolicy.Warning:
		d.log.Warn("disk pressure warning before download")
	case diskpolicy.Info:
		d.log.Info("disk pressure info before download")
	}
	return nil
}

// emergencyCleanup evicts up to cleanup.MaxEntries LRU entries, stopping
// once cleanup.TargetFreeBytes has been freed or the candidate list is
// exhausted, per spec.md §4.4.
func (d *Downloader) emergencyCleanup(ctx context.Context) (int64, error) {
	candidates, err := d.repo.GetEntriesForCleanup(ctx, d.cleanup.MaxEntries)
	if err != nil {
		return 0, fmt.Errorf("downloader: list cleanup candidates: %w", err)
	}

	var freed int64
	for _, c := range candidates {
		if err := d.repo.DeleteChunksForEntry(ctx, c.Entry.ID); err != nil {
			d.log.Warn("emergency cleanup: delete chunk rows failed", "entry_id", c.Entry.ID, "error", err)
			continue
		}
		if err := d.repo.DeleteEntry(ctx, c.Entry.ID); err != nil {
			d.log.Warn("emergency cleanup: delete entry row failed", "entry_id", c.Entry.ID, "error", err)
			continue
		}
		if err := d.store.DeleteFile(c.Entry.ID); err != nil {
			d.log.Warn("emergency cleanup: delete sparse file failed (continuing)", "entry_id", c.Entry.ID, "error", err)
		}
		freed += c.Bytes
		if freed >= d.cleanup.TargetFreeBytes {
			break
		}
	}
	return freed, nil
}

// storeWithRecovery writes data at offset for entryID, and on DiskFull
// runs emergency cleanup once and retries the write exactly once before
// giving up, per spec.md §4.4 step 5.
func (d *Downloader) storeWithRecovery(ctx context.Context, entryID int64, offset int64, data []byte) error {
	err := d.store.WriteChunk(entryID, offset, data)
	if err == nil {
		return nil
	}

	var dfe *cachecore.DiskFullError
	if !errors.As(err, &dfe) {
		return fmt.Errorf("downloader: write chunk for entry %d: %w", entryID, err)
	}

	if _, cleanupErr := d.emergencyCleanup(ctx); cleanupErr != nil {
		return fmt.Errorf("downloader: emergency cleanup after disk full: %w", cleanupErr)
	}
	if err := d.store.WriteChunk(entryID, offset, data); err != nil {
		return fmt.Errorf("downloader: write chunk for entry %d after recovery: %w", entryID, err)
	}
	return nil
}

// fetchWithRetry issues the ranged GET, retrying transient failures with
// bounded exponential backoff per spec.md §4.4's retry policy.
func (d *Downloader) fetchWithRetry(ctx context.Context, url string, start, end int64) ([]byte, error) {
	b := &backoff.Backoff{
		Min:    d.retry.InitialDelay,
		Max:    d.retry.MaxDelay,
		Factor: d.retry.Multiplier,
		Jitter: false,
	}

	var lastErr error
	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		data, err := d.fetchRange(ctx, url, start, end)
		if err == nil {
			return data, nil
		}
		lastErr = err

		if !cachecore.IsRetryable(err) {
			return nil, err
		}
		if attempt == d.retry.MaxRetries {
			break
		}

		delay := b.Duration()
		d.log.Warn("chunk fetch failed, retrying", "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (d *Downloader) fetchRange(ctx context.Context, url string, start, end int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("downloader: build request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, &cachecore.NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &cachecore.HttpError{URL: url, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &cachecore.NetworkError{Err: err}
	}

	// Some origins answer a Range request with 200 OK and the full
	// representation rather than 206 and the requested slice, per
	// spec.md:281. Truncate to the requested span so an oversized body
	// never overwrites bytes past the chunk boundary.
	if want := end - start + 1; int64(len(data)) > want {
		data = data[:want]
	}
	return data, nil
}
