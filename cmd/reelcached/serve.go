package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/arsfeld/reelcached/cfg"
	"github.com/arsfeld/reelcached/internal/obslog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the streaming proxy",
	Long: `serve wires the full cache stack (chunk store, repository, disk policy,
downloader, state machine, manager) and runs the HTTP streaming proxy
until interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	logger, filter := newLogger(c.Logging)

	a, err := buildApp(c, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.reconcileStartupState(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	watcher := cfg.NewWatcher(configFile, *c, func() (*cfg.Config, error) {
		return loadConfig(cmd.Flags())
	}, func(lt cfg.LiveTunables) {
		applyLiveTunables(a, filter, lt)
	}, logger)
	watchStop := make(chan struct{})
	go func() {
		if err := watcher.Watch(watchStop); err != nil {
			logger.Warn("config watcher exited", "error", err)
		}
	}()
	defer close(watchStop)

	ln, err := a.proxy.Listen()
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("reelcached listening", "addr", ln.Addr().String())

	return a.proxy.Serve(ctx, ln)
}

// applyLiveTunables pushes a config hot-reload's safe subset into the
// already-running manager and logging handler, per SPEC_FULL.md §A.3/C.
// Every other field is restart-only and is left untouched.
func applyLiveTunables(a *app, filter *obslog.ComponentFilterHandler, lt cfg.LiveTunables) {
	a.manager.SetMaxConcurrentDownloads(int64(lt.MaxConcurrentDownloads))

	level := severityLevel(lt.LogSeverity)
	for _, component := range knownComponents {
		filter.SetLevel(component, level)
	}
}
