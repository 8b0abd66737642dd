package main

import (
	"fmt"
	"time"

	"github.com/orbitalrender/farmsched/pkg/audit"
	"github.com/orbitalrender/farmsched/pkg/config"
	"github.com/orbitalrender/farmsched/pkg/eventbus"
	"github.com/orbitalrender/farmsched/pkg/farm"
	"github.com/orbitalrender/farmsched/pkg/persistence"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a scenario against the scheduler core and print each tick's Plan",
	Long: `run loads a declarative scenario file describing clients, nodes,
and jobs, submits them to a fresh Farm, then advances the scheduling loop
tick by tick, printing the Plan each cycle produces.`,
	RunE: runScenario,
}

func init() {
	runCmd.Flags().String("scenario", "", "Path to a scenario YAML file (required)")
	runCmd.Flags().String("data-dir", "", "Directory for the optional BoltDB persistence snapshot (empty disables persistence)")
	_ = runCmd.MarkFlagRequired("scenario")
}

func runScenario(cmd *cobra.Command, args []string) error {
	scenarioPath, _ := cmd.Flags().GetString("scenario")
	dataDir, _ := cmd.Flags().GetString("data-dir")

	scn, err := LoadScenario(scenarioPath)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if scn.ConfigPath != "" {
		cfg, err = config.Load(scn.ConfigPath)
		if err != nil {
			return err
		}
	}

	var persist persistence.Sink = persistence.NullSink{}
	if dataDir != "" {
		boltSink, err := persistence.NewBoltSink(dataDir)
		if err != nil {
			return fmt.Errorf("open persistence: %w", err)
		}
		defer boltSink.Close()
		persist = boltSink
	}

	f, err := farm.New(cfg, audit.NewMetricsSink(), persist, 1024)
	if err != nil {
		return fmt.Errorf("construct farm: %w", err)
	}
	if err := f.Restore(); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	now, err := scn.startTime()
	if err != nil {
		return err
	}

	for _, c := range scn.Clients {
		f.Post(eventbus.SubmitClient{
			ID:            c.ID,
			Name:          c.Name,
			ServiceTier:   c.ServiceTier,
			GuaranteedPct: c.GuaranteedPct,
			MaxPct:        c.MaxPct,
		})
	}
	for _, n := range scn.Nodes {
		f.Post(eventbus.AddNode{
			ID:                    n.ID,
			Name:                  n.Name,
			CPUCores:              n.CPUCores,
			MemoryGB:              n.MemoryGB,
			GPUModel:              n.GPUModel,
			GPUCount:              n.GPUCount,
			GPUMemoryGB:           n.GPUMemoryGB,
			GPUComputeCapability:  n.GPUComputeCapability,
			StorageGB:             n.StorageGB,
			SpecializedFor:        n.SpecializedFor,
			PowerEfficiencyRating: n.PowerEfficiencyRating,
		})
	}
	for _, j := range scn.Jobs {
		f.Post(eventbus.SubmitJob{
			ID:                        j.ID,
			Name:                      j.Name,
			JobType:                   j.JobType,
			ClientID:                  j.ClientID,
			Priority:                  j.Priority,
			Deadline:                  now.Add(time.Duration(j.DeadlineOffsetSeconds * float64(time.Second))),
			EstimatedDuration:         time.Duration(j.EstimatedDurationSeconds * float64(time.Second)),
			RequiresGPU:               j.RequiresGPU,
			MemoryGB:                  j.MemoryGB,
			CPUCores:                  j.CPUCores,
			SceneComplexity:           j.SceneComplexity,
			SpecializedFor:            j.SpecializedFor,
			Dependencies:              j.Dependencies,
			CanBePreempted:            j.CanBePreempted,
			SupportsCheckpoint:        j.SupportsCheckpoint,
			SupportsProgressiveOutput: j.SupportsProgressiveOutput,
			EnergyIntensive:           j.EnergyIntensive,
		})
	}

	failuresByTick := make(map[int][]ScenarioNodeFailure)
	for _, nf := range scn.NodeFailures {
		failuresByTick[nf.AtTick] = append(failuresByTick[nf.AtTick], nf)
	}

	interval := time.Duration(scn.TickIntervalSeconds * float64(time.Second))
	for tick := 0; tick < scn.Ticks; tick++ {
		for _, nf := range failuresByTick[tick] {
			f.Post(eventbus.HandleNodeFailure{NodeID: nf.NodeID, Error: nf.Error})
		}

		plan := f.Tick(now)
		fmt.Printf("tick %d @ %s: %d action(s)\n", tick, now.Format(time.RFC3339), len(plan.Actions))
		for _, a := range plan.Actions {
			if a.NodeID != "" {
				fmt.Printf("  %s job=%s node=%s\n", a.Kind, a.JobID, a.NodeID)
			} else {
				fmt.Printf("  %s job=%s reason=%s\n", a.Kind, a.JobID, a.Reason)
			}
		}

		if dataDir != "" {
			f.Save(now)
		}
		now = now.Add(interval)
	}

	return nil
}
