package cfg

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"

	"github.com/arsfeld/reelcached/internal/obslog"
)

// LiveTunables is the subset of Config safe to apply without restarting:
// per SPEC_FULL.md §A.3, max_concurrent_downloads, log levels, and
// stats_interval_secs. Every other field requires a process restart to
// take effect.
type LiveTunables struct {
	MaxConcurrentDownloads int
	StatsIntervalSecs      int
	LogSeverity            LogSeverity
}

func liveTunablesOf(c *Config) LiveTunables {
	return LiveTunables{
		MaxConcurrentDownloads: c.Download.MaxConcurrentDownloads,
		StatsIntervalSecs:      c.Stats.StatsIntervalSecs,
		LogSeverity:            c.Logging.Severity,
	}
}

// Watcher watches a config file for edits and re-reads it, handing the
// new LiveTunables to onChange. It never touches fields outside
// LiveTunables: a file edit that changes only restart-only fields is
// ignored, without a log line, until the next process start.
type Watcher struct {
	configFile string
	flagSetter flagSetterFunc
	current    LiveTunables
	onChange   func(LiveTunables)
	log        *slog.Logger
}

type flagSetterFunc func() (*Config, error)

// NewWatcher constructs a Watcher. reload re-runs Load against the same
// flags/env/file inputs so precedence rules stay consistent between the
// initial load and every subsequent reload.
func NewWatcher(configFile string, initial Config, reload func() (*Config, error), onChange func(LiveTunables), logger *slog.Logger) *Watcher {
	return &Watcher{
		configFile: configFile,
		flagSetter: reload,
		current:    liveTunablesOf(&initial),
		onChange:   onChange,
		log:        obslog.Default(logger).With("component", "cfg.watcher"),
	}
}

// Watch blocks, reloading on every write/create event to configFile,
// until stop is closed.
func (w *Watcher) Watch(stop <-chan struct{}) error {
	if w.configFile == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.configFile); err != nil {
		return err
	}

	for {
		select {
		case <-stop:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := w.flagSetter()
	if err != nil {
		w.log.Warn("config reload failed, keeping previous values", "error", err)
		return
	}
	next := liveTunablesOf(cfg)
	if next == w.current {
		return
	}
	w.log.Info("config reloaded", "max_concurrent_downloads", next.MaxConcurrentDownloads,
		"stats_interval_secs", next.StatsIntervalSecs, "log_severity", next.LogSeverity)
	w.current = next
	w.onChange(next)
}
