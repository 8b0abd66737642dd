package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesDocumentedValues(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1.0, cfg.SchedulingTickSeconds)
	assert.Equal(t, 2.0, cfg.DeadlineSafetyMarginHours)
	assert.True(t, cfg.EnablePreemption)
	assert.True(t, cfg.AllowResourceBorrowing)
	assert.Equal(t, 50.0, cfg.BorrowLimitPct)
	assert.Equal(t, 3, cfg.MaxJobErrorCount)
	assert.Equal(t, EnergyModeBalanced, cfg.InitialEnergyMode)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_job_error_count: 5\nenable_preemption: false\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxJobErrorCount)
	assert.False(t, cfg.EnablePreemption)
	assert.Equal(t, 50.0, cfg.BorrowLimitPct, "fields absent from the file keep their default")
}

func TestTickAndSafetyMargin(t *testing.T) {
	cfg := Default()
	assert.Equal(t, time.Second, cfg.Tick())
	assert.Equal(t, 2*time.Hour, cfg.SafetyMargin())
}

func TestPeakWindow(t *testing.T) {
	cfg := Default()
	start, end, err := cfg.PeakWindow()
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour, start)
	assert.Equal(t, 18*time.Hour, end)
}

func TestPeakWindowRejectsBadClock(t *testing.T) {
	cfg := Default()
	cfg.PeakHoursStart = "not-a-time"
	_, _, err := cfg.PeakWindow()
	assert.Error(t, err)
}
