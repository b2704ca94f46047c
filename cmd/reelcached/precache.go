package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/arsfeld/reelcached/internal/cachecore"
	"github.com/arsfeld/reelcached/internal/repository"
	"github.com/arsfeld/reelcached/internal/statemachine"
)

// precacheStore is the subset of *chunkstore.Store ensurePrecacheEntry
// needs, kept as an interface so it's testable without a real disk file.
type precacheStore interface {
	FilePath(entryID int64) string
	CreateFile(entryID, expectedSize int64) error
}

var (
	precacheURL         string
	precacheTotalSize   int64
	precacheContentType string
	precacheWait        bool
)

var precacheCmd = &cobra.Command{
	Use:   "precache <source> <media> <quality>",
	Short: "Create (or reuse) a cache entry and trigger a full background download",
	Long: `precache implements spec.md §3.2's "explicit pre-cache call": it creates a
cache entry if one doesn't already exist for the given identity, transitions
it into Downloading, and asks the chunk manager to fetch every chunk in the
background at low priority.`,
	Args: cobra.ExactArgs(3),
	RunE: runPrecache,
}

func init() {
	precacheCmd.Flags().StringVar(&precacheURL, "url", "", "Upstream URL to fetch from (required for a new entry).")
	precacheCmd.Flags().Int64Var(&precacheTotalSize, "total-size-bytes", -1, "Expected total size, if known in advance.")
	precacheCmd.Flags().StringVar(&precacheContentType, "content-type", "", "Content-Type to record for the entry.")
	precacheCmd.Flags().BoolVar(&precacheWait, "wait", false, "Block and report progress until the download completes or fails.")
}

func runPrecache(cmd *cobra.Command, args []string) error {
	c, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	logger, _ := newLogger(c.Logging)

	a, err := buildApp(c, logger)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	identity := cachecore.Identity{SourceID: args[0], MediaID: args[1], Quality: args[2]}

	entry, err := ensurePrecacheEntry(ctx, a.repo, a.store, a.machine, identity)
	if err != nil {
		return err
	}

	if err := a.manager.PrecacheEntry(ctx, entry.ID, entry.ExpectedTotalSize, cachecore.PriorityLow); err != nil {
		return fmt.Errorf("precache: %w", err)
	}
	fmt.Printf("precaching entry %d (%s/%s/%s)\n", entry.ID, identity.SourceID, identity.MediaID, identity.Quality)

	if !precacheWait {
		return nil
	}
	return waitForPrecache(ctx, a.repo, a.machine, entry.ID)
}

// ensurePrecacheEntry resolves an existing entry by identity or creates a
// new one, per spec.md §3.2's "created by the proxy on first request or by
// an explicit pre-cache call".
func ensurePrecacheEntry(ctx context.Context, repo repository.Repository, store precacheStore, machine *statemachine.Machine, identity cachecore.Identity) (*cachecore.CacheEntry, error) {
	entry, err := repo.FindEntryByIdentity(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("precache: look up entry: %w", err)
	}
	if entry != nil {
		return entry, nil
	}

	if precacheURL == "" {
		return nil, fmt.Errorf("precache: --url is required to create a new entry")
	}

	now := time.Now()
	e := &cachecore.CacheEntry{
		Identity:          identity,
		OriginalURL:       precacheURL,
		ContentType:       precacheContentType,
		ExpectedTotalSize: precacheTotalSize,
		CreatedAt:         now,
		LastAccessedAt:    now,
	}
	id, err := repo.InsertEntry(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("precache: insert entry: %w", err)
	}
	e.ID = id
	e.FilePath = store.FilePath(id)
	if err := store.CreateFile(id, precacheTotalSize); err != nil {
		return nil, fmt.Errorf("precache: create cache file: %w", err)
	}
	if err := repo.UpdateEntry(ctx, e); err != nil {
		return nil, fmt.Errorf("precache: persist file path: %w", err)
	}

	if err := machine.Transition(id, statemachine.Initializing, "precache: entry created"); err != nil {
		return nil, fmt.Errorf("precache: %w", err)
	}
	if err := machine.Transition(id, statemachine.Downloading, "precache: fetch starting"); err != nil {
		return nil, fmt.Errorf("precache: %w", err)
	}
	return e, nil
}

// waitForPrecache polls the state machine until the entry reaches a
// terminal state, logging progress every second.
func waitForPrecache(ctx context.Context, repo repository.Repository, machine *statemachine.Machine, entryID int64) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			state := machine.State(entryID)
			downloaded, err := repo.GetDownloadedBytes(ctx, entryID)
			if err != nil {
				return err
			}
			fmt.Printf("entry %d: %s, %d bytes downloaded\n", entryID, state, downloaded)
			switch state {
			case statemachine.Complete:
				fmt.Println("precache complete")
				return nil
			case statemachine.Failed:
				return fmt.Errorf("precache: entry %d failed", entryID)
			}
		}
	}
}
