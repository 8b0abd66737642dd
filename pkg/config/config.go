// Package config loads farmsched's tunables from YAML, falling back to the
// documented defaults for anything the file omits.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnergyMode selects how the energy optimizer scores (node, job, time)
// candidates.
type EnergyMode string

const (
	EnergyModePerformance  EnergyMode = "performance"
	EnergyModeBalanced     EnergyMode = "balanced"
	EnergyModeEfficiency   EnergyMode = "efficiency"
	EnergyModeNightSavings EnergyMode = "night_savings"
)

// Config holds every scheduler tunable.
type Config struct {
	SchedulingTickSeconds     float64    `yaml:"scheduling_tick_seconds"`
	DeadlineSafetyMarginHours float64    `yaml:"deadline_safety_margin_hours"`
	EnablePreemption          bool       `yaml:"enable_preemption"`
	AllowResourceBorrowing    bool       `yaml:"allow_resource_borrowing"`
	BorrowLimitPct            float64    `yaml:"borrow_limit_pct"`
	MaxJobErrorCount          int        `yaml:"max_job_error_count"`
	PeakHoursStart            string     `yaml:"peak_hours_start"` // "HH:MM", 24h wall clock
	PeakHoursEnd              string     `yaml:"peak_hours_end"`
	PeakEnergyCost            float64    `yaml:"peak_energy_cost"`
	OffPeakEnergyCost         float64    `yaml:"off_peak_energy_cost"`
	InitialEnergyMode         EnergyMode `yaml:"initial_energy_mode"`
}

// Default returns the documented default configuration.
func Default() Config {
	return Config{
		SchedulingTickSeconds:     1.0,
		DeadlineSafetyMarginHours: 2.0,
		EnablePreemption:          true,
		AllowResourceBorrowing:    true,
		BorrowLimitPct:            50.0,
		MaxJobErrorCount:          3,
		PeakHoursStart:            "09:00",
		PeakHoursEnd:              "18:00",
		PeakEnergyCost:            0.28,
		OffPeakEnergyCost:         0.11,
		InitialEnergyMode:         EnergyModeBalanced,
	}
}

// Tick returns the configured tick cadence as a time.Duration.
func (c Config) Tick() time.Duration {
	return time.Duration(c.SchedulingTickSeconds * float64(time.Second))
}

// SafetyMargin returns the deadline safety margin as a time.Duration.
func (c Config) SafetyMargin() time.Duration {
	return time.Duration(c.DeadlineSafetyMarginHours * float64(time.Hour))
}

// Load reads a YAML file at path and overlays it onto Default(). A missing
// path is not an error — Default() alone is a valid configuration, matching
// the null-sink, in-memory-only deployment the core supports.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// PeakWindow parses PeakHoursStart/PeakHoursEnd ("HH:MM") into time-of-day
// durations since midnight.
func (c Config) PeakWindow() (start, end time.Duration, err error) {
	start, err = parseClock(c.PeakHoursStart)
	if err != nil {
		return 0, 0, fmt.Errorf("config: peak_hours_start: %w", err)
	}
	end, err = parseClock(c.PeakHoursEnd)
	if err != nil {
		return 0, 0, fmt.Errorf("config: peak_hours_end: %w", err)
	}
	return start, end, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
