package diskpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testConfig() Config {
	return Config{
		MaxMB:              1000,
		MinFreeMB:          100,
		CleanupPercent:     90,
		InfoThresholds:     Thresholds{FreePercent: 20},
		WarningThresholds:  Thresholds{FreePercent: 10},
		CriticalThresholds: Thresholds{FreePercent: 5, FreeGB: 1},
	}
}

func TestEffectiveLimit_CappedByMaxMB(t *testing.T) {
	p := New(testConfig(), nil)
	stat := DiskStat{TotalBytes: 100 * 1024 * 1024 * 1024, FreeBytes: 50 * 1024 * 1024 * 1024}

	limit, cleanup, limitedByDisk := p.EffectiveLimit(stat)

	assert.Equal(t, int64(1000*1024*1024), limit)
	assert.Equal(t, int64(float64(limit)*0.9), cleanup)
	assert.False(t, limitedByDisk)
}

func TestEffectiveLimit_LimitedByDisk(t *testing.T) {
	cfg := testConfig()
	cfg.MaxMB = 100_000 // huge cap, disk becomes the binding constraint
	p := New(cfg, nil)
	stat := DiskStat{TotalBytes: 1 * 1024 * 1024 * 1024, FreeBytes: 500 * 1024 * 1024}

	_, _, limitedByDisk := p.EffectiveLimit(stat)

	assert.True(t, limitedByDisk)
}

func TestClassify_MoreSevereWins(t *testing.T) {
	p := New(testConfig(), nil)

	// 50% free: above every threshold.
	assert.Equal(t, Healthy, p.Classify(DiskStat{TotalBytes: 100 * 1024 * 1024 * 1024, FreeBytes: 50 * 1024 * 1024 * 1024}))

	// 15% free: crosses Info (<=20%) but not Warning (<=10%).
	assert.Equal(t, Info, p.Classify(DiskStat{TotalBytes: 100 * 1024 * 1024 * 1024, FreeBytes: 15 * 1024 * 1024 * 1024}))

	// 8% free: crosses Warning.
	assert.Equal(t, Warning, p.Classify(DiskStat{TotalBytes: 100 * 1024 * 1024 * 1024, FreeBytes: 8 * 1024 * 1024 * 1024}))

	// 0.02% free and well under 1GB: crosses Critical even though it also
	// crosses Warning and Info — the most severe match wins.
	assert.Equal(t, Critical, p.Classify(DiskStat{TotalBytes: 100 * 1024 * 1024 * 1024, FreeBytes: 2 * 1024 * 1024 * 1024 / 100}))
}

func TestClassify_AbsoluteGBTriggersIndependentlyOfPercent(t *testing.T) {
	p := New(testConfig(), nil)

	// Small disk: 800MB free of 10GB is 7.8%, above Critical's 5% percent
	// threshold, but the absolute free-GB floor for Critical (1GB) must
	// still be respected once free space drops below it.
	stat := DiskStat{TotalBytes: 10 * 1024 * 1024 * 1024, FreeBytes: 800 * 1024 * 1024} // 800MB free
	assert.Equal(t, Critical, p.Classify(stat))
}
