package scheduler

import (
	"testing"
	"time"

	"github.com/orbitalrender/farmsched/pkg/audit"
	"github.com/orbitalrender/farmsched/pkg/energy"
	"github.com/orbitalrender/farmsched/pkg/jobgraph"
	"github.com/orbitalrender/farmsched/pkg/partitioner"
	"github.com/orbitalrender/farmsched/pkg/registry"
	"github.com/orbitalrender/farmsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHarness(t *testing.T) (*Scheduler, *registry.Registry, *jobgraph.Graph, *audit.RecordingSink) {
	t.Helper()
	reg := registry.New()
	graph := jobgraph.New()
	sink := audit.NewRecordingSink()
	part := partitioner.New(true, 50, sink)
	opt := energy.New(9*time.Hour, 18*time.Hour, 0.28, 0.11, energy.ModeBalanced, sink)
	s := New(reg, graph, part, opt, sink, Config{SafetyMargin: 2 * time.Hour, EnablePreemption: true})
	return s, reg, graph, sink
}

func premiumClient(id string) *types.Client {
	return &types.Client{ID: id, ServiceTier: types.ServiceTierPremium, GuaranteedPct: 100, MaxPct: 100}
}

// Scenario 1: single job, single node.
func TestRunCycleSingleJobSingleNode(t *testing.T) {
	s, reg, graph, _ := newHarness(t)
	reg.AddNode(&types.Node{ID: "N1", Status: types.NodeStatusOnline, Capabilities: types.NodeCapabilities{GPUCount: 1, CPUCores: 8, MemoryGB: 32}})
	now := time.Now()
	require.NoError(t, graph.Submit(&types.Job{
		ID: "J1", ClientID: "C1", Status: types.JobStatusQueued, Priority: types.PriorityHigh,
		SubmissionTime: now, Deadline: now.Add(8 * time.Hour), EstimatedDuration: time.Hour,
		Requirements: types.JobRequirements{RequiresGPU: true},
	}))

	plan := s.RunCycle(now, []*types.Client{premiumClient("C1")})

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, ActionAssign, plan.Actions[0].Kind)
	assert.Equal(t, "J1", plan.Actions[0].JobID)
	assert.Equal(t, "N1", plan.Actions[0].NodeID)

	n, err := reg.Get("N1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusBusy, n.Status)

	j, err := graph.Get("J1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, j.Status)
	assert.Equal(t, "N1", j.AssignedNodeID)
}

// Scenario 3: preemption by CRITICAL.
func TestRunCyclePreemptionByCritical(t *testing.T) {
	s, reg, graph, sink := newHarness(t)
	reg.AddNode(&types.Node{ID: "N1", Status: types.NodeStatusOnline})
	require.NoError(t, reg.Assign("N1", "JMED"))

	now := time.Now()
	require.NoError(t, graph.Submit(&types.Job{
		ID: "JMED", ClientID: "C1", Status: types.JobStatusRunning, Priority: types.PriorityMedium,
		SubmissionTime: now.Add(-time.Hour), Deadline: now.Add(24 * time.Hour), EstimatedDuration: time.Hour,
		AssignedNodeID: "N1", Progress: 50, CanBePreempted: true, SupportsCheckpoint: true,
	}))
	require.NoError(t, graph.Submit(&types.Job{
		ID: "JCRIT", ClientID: "C1", Status: types.JobStatusQueued, Priority: types.PriorityCritical,
		SubmissionTime: now, Deadline: now.Add(time.Hour), EstimatedDuration: 30 * time.Minute,
	}))

	plan := s.RunCycle(now, []*types.Client{premiumClient("C1")})

	var kinds []ActionKind
	for _, a := range plan.Actions {
		kinds = append(kinds, a.Kind)
	}
	assert.Contains(t, kinds, ActionPreempt)
	assert.Contains(t, kinds, ActionAssign)

	med, err := graph.Get("JMED")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPaused, med.Status)
	assert.False(t, med.LastCheckpointTime.IsZero())

	crit, err := graph.Get("JCRIT")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusRunning, crit.Status)
	assert.Equal(t, "N1", crit.AssignedNodeID)

	preempted := sink.OfType(audit.EventJobPreempted)
	require.Len(t, preempted, 1)
	assert.Equal(t, "JMED", preempted[0].JobID)
}

func TestShouldPreemptRules(t *testing.T) {
	med := &types.Job{Priority: types.PriorityMedium, CanBePreempted: true}
	high := &types.Job{Priority: types.PriorityHigh}
	crit := &types.Job{Priority: types.PriorityCritical}
	low := &types.Job{Priority: types.PriorityLow}

	assert.True(t, ShouldPreempt(med, high), "HIGH may preempt a preemptible MEDIUM")
	assert.True(t, ShouldPreempt(med, crit), "CRITICAL always may")
	assert.False(t, ShouldPreempt(med, low), "LOW never preempts")

	nonPreemptible := &types.Job{Priority: types.PriorityMedium, CanBePreempted: false}
	assert.False(t, ShouldPreempt(nonPreemptible, crit), "a non-preemptible running job can never be preempted")
}

func TestEligibilityExcludesUnsatisfiedDependencies(t *testing.T) {
	s, reg, graph, _ := newHarness(t)
	reg.AddNode(&types.Node{ID: "N1", Status: types.NodeStatusOnline})
	now := time.Now()
	require.NoError(t, graph.Submit(&types.Job{ID: "DEP", ClientID: "C1", Status: types.JobStatusRunning, SubmissionTime: now, Deadline: now.Add(time.Hour)}))
	require.NoError(t, graph.Submit(&types.Job{
		ID: "CHILD", ClientID: "C1", Status: types.JobStatusQueued, Priority: types.PriorityHigh,
		SubmissionTime: now, Deadline: now.Add(8 * time.Hour), EstimatedDuration: time.Hour,
		Dependencies: []string{"DEP"},
	}))

	plan := s.RunCycle(now, []*types.Client{premiumClient("C1")})
	assert.Empty(t, plan.Actions, "a job whose dependency is not COMPLETED must never be scheduled")
}

func TestEligibilityRequiresCapabilityMatch(t *testing.T) {
	s, reg, graph, _ := newHarness(t)
	reg.AddNode(&types.Node{ID: "N1", Status: types.NodeStatusOnline, Capabilities: types.NodeCapabilities{CPUCores: 4, MemoryGB: 8}})
	now := time.Now()
	require.NoError(t, graph.Submit(&types.Job{
		ID: "J1", ClientID: "C1", Status: types.JobStatusQueued, Priority: types.PriorityHigh,
		SubmissionTime: now, Deadline: now.Add(8 * time.Hour), EstimatedDuration: time.Hour,
		Requirements: types.JobRequirements{RequiresGPU: true},
	}))

	plan := s.RunCycle(now, []*types.Client{premiumClient("C1")})
	assert.Empty(t, plan.Actions, "a job that no ONLINE node can satisfy is filtered before assignment, not skipped")
}

func TestQuotaOverlaySkipsBeyondAllocation(t *testing.T) {
	s, reg, graph, sink := newHarness(t)
	reg.AddNode(&types.Node{ID: "N1", Status: types.NodeStatusOnline})
	reg.AddNode(&types.Node{ID: "N2", Status: types.NodeStatusOnline})
	now := time.Now()

	clients := []*types.Client{
		{ID: "C1", ServiceTier: types.ServiceTierBasic, GuaranteedPct: 50, MaxPct: 50},
		{ID: "C2", ServiceTier: types.ServiceTierBasic, GuaranteedPct: 50, MaxPct: 50},
	}
	// C1 gets 1 node guaranteed (floor(2*0.5)=1); submit two jobs for C1.
	require.NoError(t, graph.Submit(&types.Job{
		ID: "J1", ClientID: "C1", Status: types.JobStatusQueued, Priority: types.PriorityMedium,
		SubmissionTime: now, Deadline: now.Add(8 * time.Hour), EstimatedDuration: time.Hour,
	}))
	require.NoError(t, graph.Submit(&types.Job{
		ID: "J2", ClientID: "C1", Status: types.JobStatusQueued, Priority: types.PriorityMedium,
		SubmissionTime: now.Add(time.Minute), Deadline: now.Add(8 * time.Hour), EstimatedDuration: time.Hour,
	}))

	s.Config.EnablePreemption = false
	plan := s.RunCycle(now, clients)

	var assigned, skipped int
	for _, a := range plan.Actions {
		switch a.Kind {
		case ActionAssign:
			assigned++
		case ActionSkip:
			skipped++
			assert.Equal(t, SkipQuotaExhausted, a.Reason)
		}
	}
	assert.Equal(t, 1, assigned)
	assert.Equal(t, 1, skipped)
	assert.NotEmpty(t, sink.OfType(audit.EventJobSkipped))
}

func TestUpdatePrioritiesElevatesWhenSlackExhausted(t *testing.T) {
	s, _, graph, sink := newHarness(t)
	now := time.Now()
	j := &types.Job{
		ID: "J1", Status: types.JobStatusQueued, Priority: types.PriorityMedium,
		Deadline: now.Add(30 * time.Minute), EstimatedDuration: time.Hour,
	}
	require.NoError(t, graph.Submit(j))
	s.UpdatePriorities([]*types.Job{j}, now)
	assert.Equal(t, types.PriorityHigh, j.Priority)
	assert.NotEmpty(t, sink.OfType(audit.EventPriorityElevated))
}

func TestUpdatePrioritiesNeverElevatesCritical(t *testing.T) {
	s, _, _, _ := newHarness(t)
	now := time.Now()
	j := &types.Job{ID: "J1", Status: types.JobStatusQueued, Priority: types.PriorityCritical, Deadline: now.Add(-time.Hour)}
	s.UpdatePriorities([]*types.Job{j}, now)
	assert.Equal(t, types.PriorityCritical, j.Priority)
}

func TestUpdatePrioritiesDemotesComfortableHighProgressJob(t *testing.T) {
	s, _, graph, _ := newHarness(t)
	now := time.Now()
	j := &types.Job{
		ID: "J1", Status: types.JobStatusQueued, Priority: types.PriorityHigh, Progress: 80,
		Deadline: now.Add(72 * time.Hour), EstimatedDuration: time.Hour,
	}
	require.NoError(t, graph.Submit(j))
	s.UpdatePriorities([]*types.Job{j}, now)
	assert.Equal(t, types.PriorityMedium, j.Priority)
}

func TestRunCycleEmptyQueueProducesEmptyPlan(t *testing.T) {
	s, _, _, _ := newHarness(t)
	plan := s.RunCycle(time.Now(), nil)
	assert.Empty(t, plan.Actions)
}

func TestRunCycleDeterministicForIdenticalInputs(t *testing.T) {
	s1, reg1, graph1, _ := newHarness(t)
	s2, reg2, graph2, _ := newHarness(t)

	now := time.Now()
	for _, reg := range []*registry.Registry{reg1, reg2} {
		reg.AddNode(&types.Node{ID: "N1", Status: types.NodeStatusOnline})
		reg.AddNode(&types.Node{ID: "N2", Status: types.NodeStatusOnline})
	}
	for _, g := range []*jobgraph.Graph{graph1, graph2} {
		require.NoError(t, g.Submit(&types.Job{
			ID: "J1", ClientID: "C1", Status: types.JobStatusQueued, Priority: types.PriorityHigh,
			SubmissionTime: now, Deadline: now.Add(8 * time.Hour), EstimatedDuration: time.Hour,
		}))
		require.NoError(t, g.Submit(&types.Job{
			ID: "J2", ClientID: "C1", Status: types.JobStatusQueued, Priority: types.PriorityHigh,
			SubmissionTime: now, Deadline: now.Add(8 * time.Hour), EstimatedDuration: time.Hour,
		}))
	}

	plan1 := s1.RunCycle(now, []*types.Client{premiumClient("C1")})
	plan2 := s2.RunCycle(now, []*types.Client{premiumClient("C1")})
	assert.Equal(t, plan1, plan2)
}
