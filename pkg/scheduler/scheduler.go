// Package scheduler is the Deadline Scheduler: the central decision
// engine that runs one scheduling cycle per tick, combining client
// quotas, deadlines, energy preference, dependencies, and preemption
// into a Plan.
package scheduler

import (
	"sort"
	"strconv"
	"time"

	"github.com/orbitalrender/farmsched/pkg/audit"
	"github.com/orbitalrender/farmsched/pkg/energy"
	"github.com/orbitalrender/farmsched/pkg/jobgraph"
	"github.com/orbitalrender/farmsched/pkg/log"
	"github.com/orbitalrender/farmsched/pkg/metrics"
	"github.com/orbitalrender/farmsched/pkg/partitioner"
	"github.com/orbitalrender/farmsched/pkg/registry"
	"github.com/orbitalrender/farmsched/pkg/types"
	"github.com/rs/zerolog"
)

// SkipReason is an informational, non-error condition that kept a job
// from being placed this cycle.
type SkipReason string

const (
	SkipQuotaExhausted     SkipReason = "QuotaExhausted"
	SkipCapabilityMismatch SkipReason = "CapabilityMismatch"
	SkipNoSuitableNode     SkipReason = "NoSuitableNode"
)

// ActionKind identifies the kind of decision a Plan entry carries.
type ActionKind string

const (
	ActionAssign  ActionKind = "Assign"
	ActionPreempt ActionKind = "Preempt"
	ActionResume  ActionKind = "Resume"
	ActionSkip    ActionKind = "Skip"
)

// Action is a single outbound decision.
type Action struct {
	Kind   ActionKind
	JobID  string
	NodeID string
	Reason SkipReason
}

// Plan is the ordered list of decisions a cycle produced.
type Plan struct {
	Actions []Action
}

// Config bundles the tunables RunCycle needs that come from pkg/config.
type Config struct {
	SafetyMargin     time.Duration
	EnablePreemption bool
}

// Scheduler owns no state of its own beyond its collaborators: the Node
// Registry and Job Graph are the authoritative stores; the Partitioner
// and Energy Optimizer are pure functions of their inputs.
type Scheduler struct {
	Registry    *registry.Registry
	Graph       *jobgraph.Graph
	Partitioner *partitioner.Partitioner
	Energy      *energy.Optimizer
	Sink        audit.Sink
	Config      Config

	logger zerolog.Logger
}

// New returns a Scheduler wired to its collaborators.
func New(reg *registry.Registry, graph *jobgraph.Graph, part *partitioner.Partitioner, opt *energy.Optimizer, sink audit.Sink, cfg Config) *Scheduler {
	if sink == nil {
		sink = audit.NullSink{}
	}
	return &Scheduler{
		Registry:    reg,
		Graph:       graph,
		Partitioner: part,
		Energy:      opt,
		Sink:        sink,
		Config:      cfg,
		logger:      log.WithComponent("scheduler"),
	}
}

// UpdatePriorities elevates or demotes every non-terminal job's priority
// based on deadline slack, and writes the result back to the Job Graph.
// slack = deadline - (now + estimated_duration + safety_margin). A job
// already at CRITICAL never changes. A job at or above 75% progress is
// considered comfortable regardless of slack: it is never elevated, and
// may be demoted one step if its slack is very large.
func (s *Scheduler) UpdatePriorities(jobs []*types.Job, now time.Time) {
	for _, j := range jobs {
		if j.Status.Terminal() || j.Priority == types.PriorityCritical {
			continue
		}
		remaining := j.EstimatedDuration + s.Config.SafetyMargin
		slack := j.Deadline.Sub(now) - remaining

		if j.Progress >= 75 {
			if slack > 24*time.Hour && j.Priority > types.PriorityLow {
				s.demote(j, now)
			}
			continue
		}

		if slack <= 0 {
			s.elevate(j, now)
		}
	}
}

func (s *Scheduler) elevate(j *types.Job, now time.Time) {
	before := j.Priority
	after := before.Step()
	if after == before {
		return
	}
	if err := s.Graph.Mutate(j.ID, func(job *types.Job) { job.Priority = after }); err != nil {
		return
	}
	j.Priority = after
	s.Sink.Record(audit.Event{
		Timestamp: now,
		Type:      audit.EventPriorityElevated,
		JobID:     j.ID,
		ClientID:  j.ClientID,
		Reason:    "deadline slack exhausted",
		Extra:     map[string]string{"from": before.String(), "to": after.String()},
	})
}

func (s *Scheduler) demote(j *types.Job, now time.Time) {
	before := j.Priority
	after := before.StepDown()
	if after == before {
		return
	}
	if err := s.Graph.Mutate(j.ID, func(job *types.Job) { job.Priority = after }); err != nil {
		return
	}
	j.Priority = after
	s.Sink.Record(audit.Event{
		Timestamp: now,
		Type:      audit.EventPriorityDemoted,
		JobID:     j.ID,
		ClientID:  j.ClientID,
		Reason:    "comfortable deadline with high progress",
		Extra:     map[string]string{"from": before.String(), "to": after.String()},
	})
}

// ShouldPreempt reports whether candidate may bump running off its node.
// A non-preemptible running job can never be preempted. Otherwise a
// CRITICAL candidate always may; a HIGH candidate may against anything
// below HIGH. MEDIUM and LOW candidates never preempt.
func ShouldPreempt(running, candidate *types.Job) bool {
	if !running.CanBePreempted {
		return false
	}
	if candidate.Priority < types.PriorityHigh {
		return false
	}
	return candidate.Priority > running.Priority
}

// CanMeetDeadline reports whether job's deadline allows enough time for
// estimated_duration plus the safety margin, given now.
func (s *Scheduler) CanMeetDeadline(job *types.Job, now time.Time) bool {
	remaining := job.Deadline.Sub(now)
	required := job.EstimatedDuration + s.Config.SafetyMargin
	return remaining >= required
}

// dependenciesSatisfied mirrors jobgraph's check but against a snapshot,
// so RunCycle can filter eligibility without re-locking the Graph.
func dependenciesSatisfied(job *types.Job, byID map[string]*types.Job) bool {
	for _, dep := range job.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != types.JobStatusCompleted {
			return false
		}
	}
	return true
}

func meetsCapabilities(job *types.Job, node *types.Node) bool {
	return energy.NodeMeetsRequirements(job, node)
}

// RunCycle executes one scheduling cycle: priority update, eligibility
// filter, quota overlay, ordering, assignment with preemption, and
// commit. The returned Plan has already been applied to the Registry and
// Job Graph; it is returned for the audit trail / host visibility.
func (s *Scheduler) RunCycle(now time.Time, clients []*types.Client) Plan {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.SchedulingCycleDuration)
		metrics.RecordTick(now)
	}()

	nodes := s.Registry.Snapshot()
	jobs := s.Graph.Snapshot()

	jobByID := make(map[string]*types.Job, len(jobs))
	for _, j := range jobs {
		jobByID[j.ID] = j
	}
	nodeByID := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
	}

	s.UpdatePriorities(jobs, now)

	allocations := s.Partitioner.Allocate(clients, nodes)

	running := make(map[string]int, len(clients))
	for _, j := range jobs {
		if j.Status == types.JobStatusRunning {
			running[j.ClientID]++
		}
	}

	var eligible []*types.Job
	for _, j := range jobs {
		if j.Status != types.JobStatusQueued && j.Status != types.JobStatusPaused {
			continue
		}
		if !dependenciesSatisfied(j, jobByID) {
			continue
		}
		anySuitable := false
		for _, n := range nodes {
			// A BUSY node counts toward eligibility too: it may free up
			// via preemption later in this same cycle (step 6). Without
			// this, a job competing for a fully-saturated, capability-
			// matching fleet would never even reach the preemption check.
			if (n.Status == types.NodeStatusOnline || n.Status == types.NodeStatusBusy) && meetsCapabilities(j, n) {
				anySuitable = true
				break
			}
		}
		if !anySuitable {
			continue
		}
		eligible = append(eligible, j)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		if !eligible[i].Deadline.Equal(eligible[j].Deadline) {
			return eligible[i].Deadline.Before(eligible[j].Deadline)
		}
		if !eligible[i].SubmissionTime.Equal(eligible[j].SubmissionTime) {
			return eligible[i].SubmissionTime.Before(eligible[j].SubmissionTime)
		}
		return eligible[i].ID < eligible[j].ID
	})

	var plan Plan
	for _, job := range eligible {
		alloc, hasAlloc := allocations[job.ClientID]
		if !hasAlloc {
			plan.Actions = append(plan.Actions, Action{Kind: ActionSkip, JobID: job.ID, Reason: SkipQuotaExhausted})
			s.emitSkip(job, SkipQuotaExhausted, now)
			continue
		}
		quota := len(alloc.AllocatedNodes)
		quotaExhausted := running[job.ClientID] >= quota

		// Preemption pauses one RUNNING job to start another: it never
		// changes how many of the client's nodes are occupied, so a
		// saturated quota must not block it. Only a quota-exhausted job
		// with no preemption candidate is actually out of room.
		if !quotaExhausted {
			var online []*types.Node
			for nodeID := range alloc.AllocatedNodes {
				n, ok := nodeByID[nodeID]
				if !ok {
					continue
				}
				if n.Status == types.NodeStatusOnline && meetsCapabilities(job, n) {
					online = append(online, n)
				}
			}

			chosen := s.bestCandidate(job, online, now)
			if chosen != nil {
				s.commitAssign(&plan, job, chosen, jobByID, nodeByID, now)
				running[job.ClientID]++
				continue
			}
		}

		if s.Config.EnablePreemption {
			target := s.findPreemptionTarget(job, alloc, nodeByID, jobByID)
			if target != nil {
				s.commitPreemptThenAssign(&plan, job, target, jobByID, nodeByID, now)
				running[job.ClientID]++
				continue
			}
		}

		if quotaExhausted {
			plan.Actions = append(plan.Actions, Action{Kind: ActionSkip, JobID: job.ID, Reason: SkipQuotaExhausted})
			s.emitSkip(job, SkipQuotaExhausted, now)
			continue
		}

		plan.Actions = append(plan.Actions, Action{Kind: ActionSkip, JobID: job.ID, Reason: SkipNoSuitableNode})
		s.emitSkip(job, SkipNoSuitableNode, now)
	}

	s.Sink.Record(audit.Event{
		Timestamp: now,
		Type:      audit.EventSchedulingCycleCompleted,
		Extra:     map[string]string{"actions": strconv.Itoa(len(plan.Actions))},
	})

	return plan
}

func (s *Scheduler) emitSkip(job *types.Job, reason SkipReason, now time.Time) {
	s.Sink.Record(audit.Event{
		Timestamp: now,
		Type:      audit.EventJobSkipped,
		JobID:     job.ID,
		ClientID:  job.ClientID,
		Reason:    string(reason),
	})
}

// bestCandidate asks the Energy Optimizer to rank candidate nodes for a
// single job and returns its top pick, or nil if none are eligible.
func (s *Scheduler) bestCandidate(job *types.Job, candidates []*types.Node, now time.Time) *types.Node {
	if len(candidates) == 0 {
		return nil
	}
	if s.Energy == nil {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
		return candidates[0]
	}
	ranked := s.Energy.OptimizeEnergyUsage([]*types.Job{job}, candidates)
	nodeID, ok := ranked[job.ID]
	if !ok {
		return nil
	}
	for _, n := range candidates {
		if n.ID == nodeID {
			return n
		}
	}
	return nil
}

// findPreemptionTarget looks for a BUSY node, within job's client
// allocation, meeting job's capabilities, whose running job may be
// preempted in job's favor. Candidates are considered in ascending node
// id order for determinism.
func (s *Scheduler) findPreemptionTarget(job *types.Job, alloc *types.ResourceAllocation, nodeByID map[string]*types.Node, jobByID map[string]*types.Job) *types.Node {
	var candidates []*types.Node
	for nodeID := range alloc.AllocatedNodes {
		n, ok := nodeByID[nodeID]
		if !ok || n.Status != types.NodeStatusBusy || n.CurrentJobID == "" {
			continue
		}
		if !meetsCapabilities(job, n) {
			continue
		}
		running, ok := jobByID[n.CurrentJobID]
		if !ok || running.Status != types.JobStatusRunning {
			continue
		}
		if ShouldPreempt(running, job) {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[0]
}

func (s *Scheduler) commitAssign(plan *Plan, job *types.Job, node *types.Node, jobByID map[string]*types.Job, nodeByID map[string]*types.Node, now time.Time) {
	if err := s.Registry.Assign(node.ID, job.ID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("node_id", node.ID).Msg("assign rejected by registry")
		return
	}
	wasPaused := job.Status == types.JobStatusPaused
	_ = s.Graph.Mutate(job.ID, func(j *types.Job) {
		j.Status = types.JobStatusRunning
		j.AssignedNodeID = node.ID
	})

	kind := ActionAssign
	eventType := audit.EventJobScheduled
	if wasPaused {
		kind = ActionResume
		eventType = audit.EventJobResumed
	}
	plan.Actions = append(plan.Actions, Action{Kind: kind, JobID: job.ID, NodeID: node.ID})
	s.Sink.Record(audit.Event{Timestamp: now, Type: eventType, JobID: job.ID, NodeID: node.ID, ClientID: job.ClientID})

	job.Status = types.JobStatusRunning
	job.AssignedNodeID = node.ID
	node.Status = types.NodeStatusBusy
	node.CurrentJobID = job.ID
	jobByID[job.ID] = job
	nodeByID[node.ID] = node
}

// commitPreemptThenAssign pauses the node's running job, preserving its
// progress only when it carries a checkpoint or progressive-output
// support. findPreemptionTarget does not itself check for that support
// (ShouldPreempt only gates on CanBePreempted/priority), so it is
// re-checked here as a final guard.
func (s *Scheduler) commitPreemptThenAssign(plan *Plan, job *types.Job, node *types.Node, jobByID map[string]*types.Job, nodeByID map[string]*types.Node, now time.Time) {
	runningJob, ok := jobByID[node.CurrentJobID]
	if !ok {
		return
	}
	if !runningJob.SupportsCheckpoint && !runningJob.SupportsProgressiveOutput {
		return
	}

	if err := s.Registry.Release(node.ID); err != nil {
		return
	}
	_ = s.Graph.Mutate(runningJob.ID, func(j *types.Job) {
		j.Status = types.JobStatusPaused
		j.AssignedNodeID = ""
		if j.SupportsCheckpoint {
			j.LastCheckpointTime = now
		}
	})
	runningJob.Status = types.JobStatusPaused
	runningJob.AssignedNodeID = ""
	jobByID[runningJob.ID] = runningJob

	plan.Actions = append(plan.Actions, Action{Kind: ActionPreempt, JobID: runningJob.ID, NodeID: node.ID})
	s.Sink.Record(audit.Event{Timestamp: now, Type: audit.EventJobPreempted, JobID: runningJob.ID, NodeID: node.ID, ClientID: runningJob.ClientID})

	node.Status = types.NodeStatusOnline
	node.CurrentJobID = ""
	nodeByID[node.ID] = node

	s.commitAssign(plan, job, node, jobByID, nodeByID, now)
}
