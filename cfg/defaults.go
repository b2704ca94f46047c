package cfg

import "time"

// Default returns the configuration used before any flag, environment
// variable, or config file is applied.
func Default() Config {
	return Config{
		CacheDir: defaultCacheDir(),
		Cache: CacheConfig{
			MaxSizeMB:               10_000,
			MinFreeReservePercent:   10,
			CleanupThresholdPercent: 90,
			ChunkSizeKB:             1024,
			MaxFilesCount:           1000,
		},
		Download: DownloadConfig{
			MaxConcurrentDownloads: 3,
			DownloadTimeoutSecs:    30 * time.Second,
			LookaheadChunks:        2,
			EnableBackgroundFill:   false,
		},
		Retry: RetryConfig{
			MaxRetries:        3,
			InitialDelay:      500 * time.Millisecond,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2.0,
		},
		Stats: StatsConfig{
			EnableStats:       true,
			StatsIntervalSecs: 60,
		},
		Proxy: ProxyConfig{
			ListenHost:         "127.0.0.1",
			PortRangeStart:     50000,
			PortRangeEnd:       60000,
			DefaultContentType: "video/mp4",
		},
		Logging: LoggingConfig{
			Severity: InfoLogSeverity,
			Format:   LogFormatText,
			LogRotate: LogRotateConfig{
				MaxFileSizeMB:   512,
				BackupFileCount: 10,
				Compress:        true,
			},
		},
	}
}
