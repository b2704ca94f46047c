// Package proxy is the local HTTP server that fronts cache entries with
// correct Range semantics even while their downloads are still running.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arsfeld/reelcached/internal/cachecore"
	"github.com/arsfeld/reelcached/internal/chunkstore"
	"github.com/arsfeld/reelcached/internal/obslog"
	"github.com/arsfeld/reelcached/internal/repository"
	"github.com/arsfeld/reelcached/internal/statemachine"
)

// ChunkManager is the subset of internal/manager.Manager the proxy
// needs, kept as an interface so handler logic is testable without a
// real downloader or concurrency machinery.
type ChunkManager interface {
	RequestChunksForRange(ctx context.Context, entryID, start, end int64, priority cachecore.Priority) error
	WaitForRange(ctx context.Context, entryID, start, end int64, timeout time.Duration) bool
	NoteRead(ctx context.Context, entryID, offset int64)
	RetryRange(ctx context.Context, entryID, start, end, totalSize int64, timeout time.Duration) bool
}

// Config bundles the proxy's tunables, mirroring spec.md §4.7 and §6.
type Config struct {
	DefaultContentType string
	InitializingWait   time.Duration // default 30s
	ActiveDataWait     time.Duration // default 10s
	StatsIntervalSecs  int           // 0 disables the periodic summary
	PortRangeStart     int           // default 50000
	PortRangeEnd       int           // default 60000
	ListenHost         string        // default 127.0.0.1
}

func (c Config) withDefaults() Config {
	if c.DefaultContentType == "" {
		c.DefaultContentType = "video/mp4"
	}
	if c.InitializingWait <= 0 {
		c.InitializingWait = 30 * time.Second
	}
	if c.ActiveDataWait <= 0 {
		c.ActiveDataWait = 10 * time.Second
	}
	if c.PortRangeStart == 0 {
		c.PortRangeStart = 50000
	}
	if c.PortRangeEnd == 0 {
		c.PortRangeEnd = 60000
	}
	if c.ListenHost == "" {
		c.ListenHost = "127.0.0.1"
	}
	return c
}

// Proxy is the streaming HTTP front end.
type Proxy struct {
	repo    repository.Repository
	manager ChunkManager
	machine *statemachine.Machine
	store   *chunkstore.Store
	cfg     Config

	chunkSize int64

	mu      sync.Mutex
	streams map[string]int64 // opaque stream id -> cache entry id

	metrics   *Metrics
	scheduler gocron.Scheduler
	log       *slog.Logger
}

// New constructs a Proxy. registry is typically prometheus.NewRegistry()
// per process.
func New(repo repository.Repository, mgr ChunkManager, machine *statemachine.Machine, store *chunkstore.Store, chunkSize int64, cfg Config, registry prometheus.Registerer, logger *slog.Logger) *Proxy {
	return &Proxy{
		repo:      repo,
		manager:   mgr,
		machine:   machine,
		store:     store,
		cfg:       cfg.withDefaults(),
		chunkSize: chunkSize,
		streams:   make(map[string]int64),
		metrics:   NewMetrics(registry),
		log:       obslog.Default(logger).With("component", "proxy"),
	}
}

// RegisterStream mints an opaque id for entryID, resolvable later via
// GET/HEAD /stream/{id}, per spec.md §4.7's register_stream(cache_key).
func (p *Proxy) RegisterStream(entryID int64) string {
	id := uuid.NewString()
	p.mu.Lock()
	p.streams[id] = entryID
	p.mu.Unlock()
	return id
}

func (p *Proxy) resolveStream(id string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entryID, ok := p.streams[id]
	return entryID, ok
}

// Router builds the mux.Router serving /cache/{source}/{media}/{quality},
// /stream/{id}, /healthz, /readyz, and /metrics.
func (p *Proxy) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/cache/{source}/{media}/{quality}", p.handleCacheKey).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/stream/{id}", p.handleStream).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/healthz", p.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", p.handleReadyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Listen binds to cfg.ListenHost on the first free port in
// [PortRangeStart, PortRangeEnd), falling back to an OS-chosen port.
func (p *Proxy) Listen() (net.Listener, error) {
	for port := p.cfg.PortRangeStart; port < p.cfg.PortRangeEnd; port++ {
		addr := fmt.Sprintf("%s:%d", p.cfg.ListenHost, port)
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
	}
	p.log.Warn("no free port in configured range, falling back to OS-chosen port", "start", p.cfg.PortRangeStart, "end", p.cfg.PortRangeEnd)
	return net.Listen("tcp", p.cfg.ListenHost+":0")
}

// Serve runs the HTTP server on ln, the optional periodic stats summary
// job, and blocks until ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: p.Router(), ReadHeaderTimeout: 10 * time.Second}

	if p.cfg.StatsIntervalSecs > 0 {
		if err := p.startStatsJob(ctx); err != nil {
			p.log.Warn("failed to start periodic stats job", "error", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if p.scheduler != nil {
			_ = p.scheduler.Shutdown()
		}
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// startStatsJob schedules the periodic formatted stats summary log line,
// grounded on gastrolog's scheduler.AddJob recurring-task convention.
func (p *Proxy) startStatsJob(ctx context.Context) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("proxy: create scheduler: %w", err)
	}
	p.scheduler = s

	_, err = s.NewJob(
		gocron.DurationJob(time.Duration(p.cfg.StatsIntervalSecs)*time.Second),
		gocron.NewTask(func() { p.logStatsSummary(ctx) }),
	)
	if err != nil {
		return fmt.Errorf("proxy: schedule stats job: %w", err)
	}
	s.Start()
	return nil
}

func (p *Proxy) logStatsSummary(ctx context.Context) {
	stats, err := p.repo.GetStats(ctx)
	if err != nil {
		p.log.Warn("stats summary: read stats failed", "error", err)
		return
	}
	p.log.Info("cache stats summary",
		"hits", stats.Hits,
		"misses", stats.Misses,
		"total_bytes", stats.TotalBytes,
		"file_count", stats.FileCount,
	)
}
