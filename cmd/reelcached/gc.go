package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arsfeld/reelcached/internal/repository"
)

var gcMaxAgeDays int

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Run eviction once and exit",
	Long: `gc evicts least-recently-used entries until the cache is back under its
disk-policy cleanup threshold, then (optionally) removes entries older than
--max-age-days, matching the eviction dance internal/downloader runs
automatically on disk pressure.`,
	RunE: runGC,
}

func init() {
	gcCmd.Flags().IntVar(&gcMaxAgeDays, "max-age-days", 0, "Also remove entries untouched for this many days. 0 disables age-based eviction.")
}

func runGC(cmd *cobra.Command, args []string) error {
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
	stat, err := a.diskStater.Stat()
	if err != nil {
		return fmt.Errorf("gc: read disk stat: %w", err)
	}
	_, cleanupThreshold, _ := a.policy.EffectiveLimit(stat)

	freed, deleted, err := runCleanup(ctx, a.repo, a.store, cleanupThreshold, gcMaxAgeDays)
	if err != nil {
		return err
	}
	fmt.Printf("gc: freed %d bytes across %d entries\n", freed, deleted)
	return nil
}

// cleanupStore is the subset of *chunkstore.Store runCleanup needs, kept
// as an interface so it's testable without touching the filesystem.
type cleanupStore interface {
	DeleteFile(entryID int64) error
}

// runCleanup evicts LRU entries while the repository's recorded total
// exceeds cleanupThreshold, then removes entries untouched for more than
// maxAgeDays (when positive). Mirrors internal/downloader's
// emergencyCleanup dance, run here as a standalone maintenance pass
// instead of reactively on disk pressure.
func runCleanup(ctx context.Context, repo repository.Repository, store cleanupStore, cleanupThreshold int64, maxAgeDays int) (freedBytes int64, deletedCount int, err error) {
	stats, err := repo.GetStats(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("gc: read stats: %w", err)
	}

	if cleanupThreshold > 0 && stats.TotalBytes > cleanupThreshold {
		candidates, err := repo.GetEntriesForCleanup(ctx, 1000)
		if err != nil {
			return freedBytes, deletedCount, fmt.Errorf("gc: list cleanup candidates: %w", err)
		}
		remaining := stats.TotalBytes
		for _, cand := range candidates {
			if remaining <= cleanupThreshold {
				break
			}
			if err := deleteEntry(ctx, repo, store, cand.Entry.ID); err != nil {
				return freedBytes, deletedCount, err
			}
			freedBytes += cand.Bytes
			remaining -= cand.Bytes
			deletedCount++
		}
	}

	if maxAgeDays > 0 {
		n, err := repo.DeleteOldEntries(ctx, maxAgeDays)
		if err != nil {
			return freedBytes, deletedCount, fmt.Errorf("gc: delete old entries: %w", err)
		}
		deletedCount += n
	}

	return freedBytes, deletedCount, nil
}

func deleteEntry(ctx context.Context, repo repository.Repository, store cleanupStore, entryID int64) error {
	if err := repo.DeleteChunksForEntry(ctx, entryID); err != nil {
		return fmt.Errorf("gc: delete chunk rows for entry %d: %w", entryID, err)
	}
	if err := repo.DeleteEntry(ctx, entryID); err != nil {
		return fmt.Errorf("gc: delete entry %d: %w", entryID, err)
	}
	_ = store.DeleteFile(entryID) // best-effort, matches downloader's emergency cleanup
	return nil
}
