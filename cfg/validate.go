package cfg

import "fmt"

// Validate returns a non-nil error if c is not a coherent configuration,
// per spec.md §6's startup validation rules.
func Validate(c *Config) error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache-dir must not be empty")
	}

	haveMB := c.Cache.MinFreeReserveMB > 0
	havePercent := c.Cache.MinFreeReservePercent > 0
	if haveMB == havePercent {
		return fmt.Errorf("exactly one of cache.min-free-reserve-mb or cache.min-free-reserve-percent must be set")
	}
	if havePercent && (c.Cache.MinFreeReservePercent <= 0 || c.Cache.MinFreeReservePercent >= 100) {
		return fmt.Errorf("cache.min-free-reserve-percent must be in (0, 100)")
	}
	if c.Cache.CleanupThresholdPercent <= 0 || c.Cache.CleanupThresholdPercent > 100 {
		return fmt.Errorf("cache.cleanup-threshold-percent must be in (0, 100]")
	}
	if c.Cache.ChunkSizeKB <= 0 {
		return fmt.Errorf("cache.chunk-size-kb must be positive")
	}
	if c.Cache.MaxFilesCount <= 0 {
		return fmt.Errorf("cache.max-files-count must be positive")
	}

	if c.Download.MaxConcurrentDownloads <= 0 {
		return fmt.Errorf("download.max-concurrent-downloads must be positive")
	}
	if c.Download.DownloadTimeoutSecs <= 0 {
		return fmt.Errorf("download.download-timeout-secs must be positive")
	}
	if c.Download.LookaheadChunks < 0 {
		return fmt.Errorf("download.lookahead-chunks must not be negative")
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max-retries must not be negative")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay <= 0 || c.Retry.InitialDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.initial-delay must be positive and at most retry.max-delay")
	}
	if c.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry.backoff-multiplier must be at least 1")
	}

	if c.Proxy.PortRangeStart <= 0 || c.Proxy.PortRangeEnd <= c.Proxy.PortRangeStart {
		return fmt.Errorf("proxy.port-range-end must be greater than proxy.port-range-start, both positive")
	}

	if c.Logging.Severity.Rank() < 0 {
		return fmt.Errorf("logging.severity %q is not a recognized severity", c.Logging.Severity)
	}
	if c.Logging.LogRotate.MaxFileSizeMB <= 0 {
		return fmt.Errorf("logging.log-rotate.max-file-size-mb must be positive")
	}
	if c.Logging.LogRotate.BackupFileCount < 0 {
		return fmt.Errorf("logging.log-rotate.backup-file-count must not be negative")
	}

	return nil
}
