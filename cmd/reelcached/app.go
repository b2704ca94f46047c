package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arsfeld/reelcached/cfg"
	"github.com/arsfeld/reelcached/internal/chunkstore"
	"github.com/arsfeld/reelcached/internal/diskpolicy"
	"github.com/arsfeld/reelcached/internal/downloader"
	"github.com/arsfeld/reelcached/internal/manager"
	"github.com/arsfeld/reelcached/internal/proxy"
	"github.com/arsfeld/reelcached/internal/repository"
	"github.com/arsfeld/reelcached/internal/statemachine"
)

// minimumPlaybackBytes is the default threshold WaitForData waits for
// before a request can begin streaming, per spec.md §4.5.
const minimumPlaybackBytes = 1 << 20

// knownComponents lists every "component" attribute value used across the
// core packages, so a config hot-reload can retune all of them at once.
var knownComponents = []string{
	"chunkstore", "diskpolicy", "downloader", "manager", "proxy", "repository", "statemachine", "cfg.watcher",
}

// app bundles every wired core component, built once by each subcommand
// that needs the full dependency graph (serve, precache, gc).
type app struct {
	cfg        *cfg.Config
	repo       *repository.SQLiteRepository
	store      *chunkstore.Store
	policy     *diskpolicy.Policy
	diskStater *osDiskStater
	downloader *downloader.Downloader
	machine    *statemachine.Machine
	manager    *manager.Manager
	proxy      *proxy.Proxy
	chunkSize  int64
	log        *slog.Logger
}

// buildApp wires the full dependency graph in the leaf-first order
// spec.md §2 lays out: ChunkStore, CacheRepository, DiskPolicy,
// ChunkDownloader, StateMachine, ChunkManager, StreamingProxy.
func buildApp(c *cfg.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(c.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	store := chunkstore.New(c.CacheDir, logger)

	dbPath := filepath.Join(c.CacheDir, "reelcached.db")
	repo, err := repository.Open(dbPath, logger)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	policy := diskpolicy.New(diskpolicy.Config{
		MaxMB:              c.Cache.MaxSizeMB,
		MinFreeMB:          c.Cache.MinFreeReserveMB,
		MinFreePercent:     c.Cache.MinFreeReservePercent,
		CleanupPercent:     c.Cache.CleanupThresholdPercent,
		InfoThresholds:     diskpolicy.Thresholds{FreePercent: 20},
		WarningThresholds:  diskpolicy.Thresholds{FreePercent: 10},
		CriticalThresholds: diskpolicy.Thresholds{FreePercent: 5, FreeGB: 1},
	}, logger)

	diskStater := newOSDiskStater(c.CacheDir)
	chunkSize := c.Cache.ChunkSizeKB * 1024

	dl := downloader.New(
		&http.Client{Timeout: c.Download.DownloadTimeoutSecs},
		store, repo, policy, diskStater, chunkSize,
		downloader.RetryConfig{
			MaxRetries:   c.Retry.MaxRetries,
			InitialDelay: c.Retry.InitialDelay,
			Multiplier:   c.Retry.BackoffMultiplier,
			MaxDelay:     c.Retry.MaxDelay,
		},
		downloader.DefaultEmergencyCleanupConfig(),
		logger,
	)

	machine := statemachine.New(minimumPlaybackBytes, logger)

	mgr := manager.New(dl, repo, machine, manager.Config{
		MaxConcurrentDownloads: int64(c.Download.MaxConcurrentDownloads),
		ChunkSize:              chunkSize,
		LookaheadChunks:        c.Download.LookaheadChunks,
	}, logger)

	prx := proxy.New(repo, mgr, machine, store, chunkSize, proxy.Config{
		DefaultContentType: c.Proxy.DefaultContentType,
		StatsIntervalSecs:  statsIntervalOrZero(c.Stats),
		PortRangeStart:     c.Proxy.PortRangeStart,
		PortRangeEnd:       c.Proxy.PortRangeEnd,
		ListenHost:         c.Proxy.ListenHost,
	}, prometheus.NewRegistry(), logger)

	return &app{
		cfg: c, repo: repo, store: store, policy: policy, diskStater: diskStater,
		downloader: dl, machine: machine, manager: mgr, proxy: prx, chunkSize: chunkSize,
		log: logger,
	}, nil
}

func statsIntervalOrZero(s cfg.StatsConfig) int {
	if !s.EnableStats {
		return 0
	}
	return s.StatsIntervalSecs
}

// reconcileStartupState runs CacheRepository.ValidateOnStartup (per
// SPEC_FULL.md §C) and then seeds the state machine for every surviving
// entry, so a restart's first request sees Paused/Complete rather than
// NotStarted for media that was already (partially) downloaded.
func (a *app) reconcileStartupState(ctx context.Context) error {
	removed, err := a.repo.ValidateOnStartup(ctx, func(entryID int64) (int64, bool) {
		if !a.store.FileExists(entryID) {
			return 0, false
		}
		size, err := a.store.FileSize(entryID)
		if err != nil {
			return 0, false
		}
		return size, true
	})
	if err != nil {
		return fmt.Errorf("validate on startup: %w", err)
	}
	if removed > 0 {
		a.log.Warn("startup validation removed stale entries", "count", removed)
	}

	entries, err := a.repo.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("list entries for state reconstruction: %w", err)
	}
	for _, e := range entries {
		a.machine.Reconstruct(e.ID, e.IsComplete, e.DownloadedBytes, e.ExpectedTotalSize)
	}
	return nil
}

func (a *app) close() {
	_ = a.repo.Close()
}
