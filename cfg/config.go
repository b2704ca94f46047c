package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is reelcached's full configuration surface: every field
// enumerated in spec.md §6 plus the ambient logging/CLI/listener
// settings SPEC_FULL.md §A adds.
type Config struct {
	CacheDir string `yaml:"cache-dir" mapstructure:"cache-dir"`

	Cache    CacheConfig    `yaml:"cache" mapstructure:"cache"`
	Download DownloadConfig `yaml:"download" mapstructure:"download"`
	Retry    RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Stats    StatsConfig    `yaml:"stats" mapstructure:"stats"`
	Proxy    ProxyConfig    `yaml:"proxy" mapstructure:"proxy"`
	Logging  LoggingConfig  `yaml:"logging" mapstructure:"logging"`
}

// CacheConfig governs disk usage and eviction, per spec.md §4.3 DiskPolicy.
type CacheConfig struct {
	MaxSizeMB               int64   `yaml:"max-size-mb" mapstructure:"max-size-mb"`
	MinFreeReserveMB        int64   `yaml:"min-free-reserve-mb" mapstructure:"min-free-reserve-mb"`
	MinFreeReservePercent   float64 `yaml:"min-free-reserve-percent" mapstructure:"min-free-reserve-percent"`
	CleanupThresholdPercent float64 `yaml:"cleanup-threshold-percent" mapstructure:"cleanup-threshold-percent"`
	ChunkSizeKB             int64   `yaml:"chunk-size-kb" mapstructure:"chunk-size-kb"`
	MaxFilesCount           int     `yaml:"max-files-count" mapstructure:"max-files-count"`
}

// DownloadConfig governs the ChunkManager/ChunkDownloader.
type DownloadConfig struct {
	MaxConcurrentDownloads int           `yaml:"max-concurrent-downloads" mapstructure:"max-concurrent-downloads"`
	DownloadTimeoutSecs    time.Duration `yaml:"download-timeout-secs" mapstructure:"download-timeout-secs"`
	LookaheadChunks        int           `yaml:"lookahead-chunks" mapstructure:"lookahead-chunks"`
	EnableBackgroundFill   bool          `yaml:"enable-background-fill" mapstructure:"enable-background-fill"`
}

// RetryConfig governs the downloader's bounded exponential backoff.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max-retries" mapstructure:"max-retries"`
	InitialDelay      time.Duration `yaml:"initial-delay" mapstructure:"initial-delay"`
	MaxDelay          time.Duration `yaml:"max-delay" mapstructure:"max-delay"`
	BackoffMultiplier float64       `yaml:"backoff-multiplier" mapstructure:"backoff-multiplier"`
}

// StatsConfig governs the periodic stats summary job.
type StatsConfig struct {
	EnableStats       bool `yaml:"enable-stats" mapstructure:"enable-stats"`
	StatsIntervalSecs int  `yaml:"stats-interval-secs" mapstructure:"stats-interval-secs"`
}

// ProxyConfig governs StreamingProxy's listener and request content type.
type ProxyConfig struct {
	ListenHost         string `yaml:"listen-host" mapstructure:"listen-host"`
	PortRangeStart     int    `yaml:"port-range-start" mapstructure:"port-range-start"`
	PortRangeEnd       int    `yaml:"port-range-end" mapstructure:"port-range-end"`
	DefaultContentType string `yaml:"default-content-type" mapstructure:"default-content-type"`
}

// LoggingConfig governs process-level log output.
type LoggingConfig struct {
	Severity  LogSeverity     `yaml:"severity" mapstructure:"severity"`
	Format    LogFormat       `yaml:"format" mapstructure:"format"`
	FilePath  string          `yaml:"file-path" mapstructure:"file-path"`
	LogRotate LogRotateConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

// LogRotateConfig mirrors lumberjack.Logger's tunables.
type LogRotateConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress" mapstructure:"compress"`
}

// BindFlags registers every configuration field as a pflag, with each
// bound into viper so flag > env > file > default precedence holds.
func BindFlags(flagSet *pflag.FlagSet) error {
	defs := Default()

	flagSet.String("cache-dir", defs.CacheDir, "Root directory for cached media files.")

	flagSet.Int64("cache.max-size-mb", defs.Cache.MaxSizeMB, "Upper bound on total cache size, in MiB.")
	flagSet.Int64("cache.min-free-reserve-mb", defs.Cache.MinFreeReserveMB, "Floor on free disk space, in MiB. Mutually exclusive with min-free-reserve-percent.")
	flagSet.Float64("cache.min-free-reserve-percent", defs.Cache.MinFreeReservePercent, "Floor on free disk space, as a percentage of total disk size.")
	flagSet.Float64("cache.cleanup-threshold-percent", defs.Cache.CleanupThresholdPercent, "Fraction of the effective size limit that triggers eviction.")
	flagSet.Int64("cache.chunk-size-kb", defs.Cache.ChunkSizeKB, "Chunk granularity, in KiB.")
	flagSet.Int("cache.max-files-count", defs.Cache.MaxFilesCount, "Cap on the number of cached entries.")

	flagSet.Int("download.max-concurrent-downloads", defs.Download.MaxConcurrentDownloads, "Manager parallelism cap.")
	flagSet.Duration("download.download-timeout-secs", defs.Download.DownloadTimeoutSecs, "Per-chunk HTTP timeout.")
	flagSet.Int("download.lookahead-chunks", defs.Download.LookaheadChunks, "Count of HIGH-priority chunks enqueued ahead of the current playback position.")
	flagSet.Bool("download.enable-background-fill", defs.Download.EnableBackgroundFill, "Whether idle LOW-priority background fills run.")

	flagSet.Int("retry.max-retries", defs.Retry.MaxRetries, "Maximum retry attempts per chunk fetch.")
	flagSet.Duration("retry.initial-delay", defs.Retry.InitialDelay, "Initial retry backoff delay.")
	flagSet.Duration("retry.max-delay", defs.Retry.MaxDelay, "Maximum retry backoff delay.")
	flagSet.Float64("retry.backoff-multiplier", defs.Retry.BackoffMultiplier, "Backoff growth factor between retries.")

	flagSet.Bool("stats.enable-stats", defs.Stats.EnableStats, "Enable the periodic stats summary job.")
	flagSet.Int("stats.stats-interval-secs", defs.Stats.StatsIntervalSecs, "Interval, in seconds, between stats summaries.")

	flagSet.String("proxy.listen-host", defs.Proxy.ListenHost, "Host the streaming proxy binds to.")
	flagSet.Int("proxy.port-range-start", defs.Proxy.PortRangeStart, "Start of the port range scanned at bind time.")
	flagSet.Int("proxy.port-range-end", defs.Proxy.PortRangeEnd, "End of the port range scanned at bind time.")
	flagSet.String("proxy.default-content-type", defs.Proxy.DefaultContentType, "Content-Type served when an entry has none recorded.")

	flagSet.String("logging.severity", string(defs.Logging.Severity), "Log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	flagSet.String("logging.format", string(defs.Logging.Format), "Log output format: text or json.")
	flagSet.String("logging.file-path", defs.Logging.FilePath, "Log file path. Empty writes to stderr.")
	flagSet.Int("logging.log-rotate.max-file-size-mb", defs.Logging.LogRotate.MaxFileSizeMB, "Maximum log file size before rotation, in MiB.")
	flagSet.Int("logging.log-rotate.backup-file-count", defs.Logging.LogRotate.BackupFileCount, "Number of rotated log files to retain.")
	flagSet.Bool("logging.log-rotate.compress", defs.Logging.LogRotate.Compress, "Compress rotated log files.")

	var err error
	flagSet.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = viper.BindPFlag(f.Name, f)
	})
	return err
}
