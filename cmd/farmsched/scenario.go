package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario is a declarative simulation input: the clients, nodes, and
// jobs to submit up front, the node failures to inject at specific
// ticks, and how many ticks to run.
type Scenario struct {
	ConfigPath          string                  `yaml:"config_path"`
	StartTime           string                  `yaml:"start_time"` // RFC3339; defaults to the Unix epoch
	Ticks               int                     `yaml:"ticks"`
	TickIntervalSeconds float64                 `yaml:"tick_interval_seconds"`
	Clients             []ScenarioClient        `yaml:"clients"`
	Nodes               []ScenarioNode          `yaml:"nodes"`
	Jobs                []ScenarioJob           `yaml:"jobs"`
	NodeFailures        []ScenarioNodeFailure   `yaml:"node_failures"`
}

// ScenarioClient mirrors eventbus.SubmitClient.
type ScenarioClient struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	ServiceTier   string  `yaml:"service_tier"`
	GuaranteedPct float64 `yaml:"guaranteed_pct"`
	MaxPct        float64 `yaml:"max_pct"`
}

// ScenarioNode mirrors eventbus.AddNode.
type ScenarioNode struct {
	ID                    string   `yaml:"id"`
	Name                  string   `yaml:"name"`
	CPUCores              int      `yaml:"cpu_cores"`
	MemoryGB              float64  `yaml:"memory_gb"`
	GPUModel              string   `yaml:"gpu_model"`
	GPUCount              int      `yaml:"gpu_count"`
	GPUMemoryGB           float64  `yaml:"gpu_memory_gb"`
	GPUComputeCapability  float64  `yaml:"gpu_compute_capability"`
	StorageGB             float64  `yaml:"storage_gb"`
	SpecializedFor        []string `yaml:"specialized_for"`
	PowerEfficiencyRating float64  `yaml:"power_efficiency_rating"`
}

// ScenarioJob mirrors eventbus.SubmitJob. Deadline is expressed as an
// offset from StartTime rather than an absolute timestamp, so scenarios
// stay reproducible regardless of when they're run.
type ScenarioJob struct {
	ID                        string   `yaml:"id"`
	Name                      string   `yaml:"name"`
	JobType                   string   `yaml:"job_type"`
	ClientID                  string   `yaml:"client_id"`
	Priority                  int      `yaml:"priority"`
	DeadlineOffsetSeconds     float64  `yaml:"deadline_offset_seconds"`
	EstimatedDurationSeconds  float64  `yaml:"estimated_duration_seconds"`
	RequiresGPU               bool     `yaml:"requires_gpu"`
	MemoryGB                  float64  `yaml:"memory_gb"`
	CPUCores                  int      `yaml:"cpu_cores"`
	SceneComplexity           int      `yaml:"scene_complexity"`
	SpecializedFor            []string `yaml:"specialized_for"`
	Dependencies              []string `yaml:"dependencies"`
	CanBePreempted            bool     `yaml:"can_be_preempted"`
	SupportsCheckpoint        bool     `yaml:"supports_checkpoint"`
	SupportsProgressiveOutput bool     `yaml:"supports_progressive_output"`
	EnergyIntensive           bool     `yaml:"energy_intensive"`
}

// ScenarioNodeFailure injects a HandleNodeFailure event before the given
// tick index (0-based) runs.
type ScenarioNodeFailure struct {
	AtTick int    `yaml:"at_tick"`
	NodeID string `yaml:"node_id"`
	Error  string `yaml:"error"`
}

// LoadScenario reads and parses a scenario file at path.
func LoadScenario(path string) (Scenario, error) {
	var s Scenario
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read scenario %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse scenario %q: %w", path, err)
	}
	if s.Ticks <= 0 {
		s.Ticks = 1
	}
	if s.TickIntervalSeconds <= 0 {
		s.TickIntervalSeconds = 1.0
	}
	return s, nil
}

// startTime resolves StartTime, defaulting to the Unix epoch so runs are
// fully reproducible unless the scenario pins a real clock.
func (s Scenario) startTime() (time.Time, error) {
	if s.StartTime == "" {
		return time.Unix(0, 0).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s.StartTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("scenario: start_time: %w", err)
	}
	return t, nil
}
