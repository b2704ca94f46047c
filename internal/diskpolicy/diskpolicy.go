// Package diskpolicy computes the effective cache size limit from
// configured caps and live disk capacity, and classifies instantaneous
// disk pressure into a severity the downloader consults before every
// chunk fetch.
package diskpolicy

import (
	"log/slog"

	"github.com/arsfeld/reelcached/internal/obslog"
)

// Severity is the instantaneous disk-pressure classification. Values are
// ordered least to most severe so the more severe of two classifications
// is simply the larger value.
type Severity int

const (
	Healthy Severity = iota
	Info
	Warning
	Critical
)

func (s Severity) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Thresholds pairs a percent-free and absolute-GB-free trigger for one
// severity level; a level is reached when either condition holds.
type Thresholds struct {
	FreePercent float64
	FreeGB      float64
}

// Config is the static input to Policy: the configured cache size cap, a
// minimum-free-disk reservation (either MinFreeMB or MinFreePercent of
// total disk, mutually exclusive), the cleanup threshold percent, and the
// per-severity-level thresholds used to classify live disk state.
type Config struct {
	MaxMB              int64
	MinFreeMB          int64
	MinFreePercent     float64
	CleanupPercent     float64 // default 90
	InfoThresholds     Thresholds
	WarningThresholds  Thresholds
	CriticalThresholds Thresholds
}

// DiskStat is a live snapshot of the filesystem backing the cache
// directory, supplied by the caller (sourced from statfs/GetDiskFreeSpace
// at the call site, kept out of this package to keep it pure and
// OS-independent).
type DiskStat struct {
	TotalBytes int64
	FreeBytes  int64
}

// Policy computes the effective cache limit and classifies disk pressure.
// Pure: no I/O, no locks — every method is a function of its arguments,
// mirroring the composable-retention-policy idiom this package's
// classification logic is grounded on.
type Policy struct {
	cfg Config
	log *slog.Logger
}

// New returns a Policy for cfg.
func New(cfg Config, logger *slog.Logger) *Policy {
	return &Policy{cfg: cfg, log: obslog.Default(logger).With("component", "diskpolicy")}
}

// EffectiveLimit returns (effective_limit_bytes, cleanup_threshold_bytes,
// is_limited_by_disk) for the given live disk stat, per spec.md §4.3:
//
//	effective_limit   = min(max_mb, total_disk - min_free_reserve)
//	cleanup_threshold = effective_limit * cleanup_pct / 100
//	is_limited_by_disk ⇔ the disk term was the minimum
func (p *Policy) EffectiveLimit(stat DiskStat) (effectiveLimit, cleanupThreshold int64, isLimitedByDisk bool) {
	maxBytes := p.cfg.MaxMB * 1024 * 1024

	reserve := p.cfg.MinFreeMB * 1024 * 1024
	if p.cfg.MinFreePercent > 0 {
		reserve = int64(float64(stat.TotalBytes) * p.cfg.MinFreePercent / 100)
	}
	diskTerm := stat.TotalBytes - reserve
	if diskTerm < 0 {
		diskTerm = 0
	}

	effectiveLimit = maxBytes
	isLimitedByDisk = false
	if diskTerm < maxBytes {
		effectiveLimit = diskTerm
		isLimitedByDisk = true
	}

	cleanupPct := p.cfg.CleanupPercent
	if cleanupPct <= 0 {
		cleanupPct = 90
	}
	cleanupThreshold = int64(float64(effectiveLimit) * cleanupPct / 100)
	return effectiveLimit, cleanupThreshold, isLimitedByDisk
}

// Classify reports the current Severity for stat, using whichever
// configured level (Critical, then Warning, then Info) the live free
// space crosses first; the more severe match always wins even if a less
// severe level's thresholds are also crossed.
func (p *Policy) Classify(stat DiskStat) Severity {
	freePercent := 0.0
	if stat.TotalBytes > 0 {
		freePercent = float64(stat.FreeBytes) / float64(stat.TotalBytes) * 100
	}
	freeGB := float64(stat.FreeBytes) / (1024 * 1024 * 1024)

	if crosses(freePercent, freeGB, p.cfg.CriticalThresholds) {
		return Critical
	}
	if crosses(freePercent, freeGB, p.cfg.WarningThresholds) {
		return Warning
	}
	if crosses(freePercent, freeGB, p.cfg.InfoThresholds) {
		return Info
	}
	return Healthy
}

func crosses(freePercent, freeGB float64, t Thresholds) bool {
	if t.FreePercent <= 0 && t.FreeGB <= 0 {
		return false
	}
	return (t.FreePercent > 0 && freePercent <= t.FreePercent) || (t.FreeGB > 0 && freeGB <= t.FreeGB)
}
