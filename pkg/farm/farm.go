// Package farm wires the render farm scheduler's components together and
// exposes the external-interfaces contract as plain Go methods: one per
// inbound event, plus Tick to drain the event queue and run a scheduling
// cycle. It is the only package that touches more than one of the core's
// internal packages at once — everything else composes through it.
package farm

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/orbitalrender/farmsched/pkg/audit"
	"github.com/orbitalrender/farmsched/pkg/config"
	"github.com/orbitalrender/farmsched/pkg/energy"
	"github.com/orbitalrender/farmsched/pkg/eventbus"
	"github.com/orbitalrender/farmsched/pkg/jobgraph"
	"github.com/orbitalrender/farmsched/pkg/log"
	"github.com/orbitalrender/farmsched/pkg/metrics"
	"github.com/orbitalrender/farmsched/pkg/partitioner"
	"github.com/orbitalrender/farmsched/pkg/persistence"
	"github.com/orbitalrender/farmsched/pkg/progress"
	"github.com/orbitalrender/farmsched/pkg/recovery"
	"github.com/orbitalrender/farmsched/pkg/registry"
	"github.com/orbitalrender/farmsched/pkg/scheduler"
	"github.com/orbitalrender/farmsched/pkg/types"
	"github.com/rs/zerolog"
)

// Farm is the top-level facade: every external interaction with the
// core goes through it. All mutation is serialized through mu, matching
// the concurrency model's single-writer contract — the scheduling loop
// and every event handler run under the same lock, so nothing ever
// observes a half-applied cycle.
type Farm struct {
	mu sync.Mutex

	cfg config.Config

	Registry    *registry.Registry
	Graph       *jobgraph.Graph
	Partitioner *partitioner.Partitioner
	Energy      *energy.Optimizer
	Scheduler   *scheduler.Scheduler
	Recovery    *recovery.Manager
	Progress    *progress.Tracker
	Sink        audit.Sink
	Persistence persistence.Sink

	clients map[string]*types.Client
	bus     *eventbus.Bus

	logger zerolog.Logger
}

// New constructs a Farm from a Config, wiring every component the way
// RunCycle and the event handlers below expect. sink and persist may be
// nil, in which case NullSink/NullSink are used.
func New(cfg config.Config, sink audit.Sink, persist persistence.Sink, queueCapacity int) (*Farm, error) {
	if sink == nil {
		sink = audit.NullSink{}
	}
	if persist == nil {
		persist = persistence.NullSink{}
	}
	if queueCapacity <= 0 {
		queueCapacity = 1024
	}

	peakStart, peakEnd, err := cfg.PeakWindow()
	if err != nil {
		return nil, fmt.Errorf("farm: %w", err)
	}

	reg := registry.New()
	graph := jobgraph.New()
	part := partitioner.New(cfg.AllowResourceBorrowing, cfg.BorrowLimitPct, sink)
	opt := energy.New(peakStart, peakEnd, cfg.PeakEnergyCost, cfg.OffPeakEnergyCost, energy.Mode(cfg.InitialEnergyMode), sink)
	prog := progress.New()
	rec := recovery.New(reg, graph, prog, sink, cfg.MaxJobErrorCount)
	sched := scheduler.New(reg, graph, part, opt, sink, scheduler.Config{
		SafetyMargin:     cfg.SafetyMargin(),
		EnablePreemption: cfg.EnablePreemption,
	})

	metrics.SetMaxTickSilence(2 * cfg.Tick())

	return &Farm{
		cfg:         cfg,
		Registry:    reg,
		Graph:       graph,
		Partitioner: part,
		Energy:      opt,
		Scheduler:   sched,
		Recovery:    rec,
		Progress:    prog,
		Sink:        sink,
		Persistence: persist,
		clients:     make(map[string]*types.Client),
		bus:         eventbus.New(queueCapacity),
		logger:      log.WithComponent("farm"),
	}, nil
}

// Post enqueues an inbound event for the next Tick. It applies
// backpressure (blocks) if the queue is full, matching the concurrency
// model's contract for a saturated host.
func (f *Farm) Post(e eventbus.Event) {
	f.bus.Post(e)
}

// TryPost enqueues an inbound event without blocking, reporting false if
// the queue was full.
func (f *Farm) TryPost(e eventbus.Event) bool {
	return f.bus.TryPost(e)
}

// Tick drains every queued event in FIFO order, applies each to farm
// state, moves every PENDING job whose dependencies are all COMPLETED to
// QUEUED, then runs one scheduling cycle and returns its Plan.
func (f *Farm) Tick(now time.Time) scheduler.Plan {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, e := range f.bus.Drain() {
		f.apply(e, now)
	}

	for _, j := range f.Graph.Snapshot() {
		if j.Status != types.JobStatusPending {
			continue
		}
		if ok, err := f.Graph.DependenciesSatisfied(j.ID); err == nil && ok {
			_ = f.Graph.SetStatus(j.ID, types.JobStatusQueued, false)
		}
	}

	clients := f.clientSliceLocked()
	plan := f.Scheduler.RunCycle(now, clients)
	f.Recovery.CheckMissedDeadlines(f.Graph.Snapshot(), now)
	return plan
}

func (f *Farm) apply(e eventbus.Event, now time.Time) {
	switch ev := e.(type) {
	case eventbus.SubmitClient:
		f.submitClientLocked(ev, now)
	case eventbus.RemoveClient:
		f.removeClientLocked(ev, now)
	case eventbus.AddNode:
		f.addNodeLocked(ev, now)
	case eventbus.RemoveNode:
		f.removeNodeLocked(ev, now)
	case eventbus.MarkNodeOffline:
		f.markNodeOfflineLocked(ev, now)
	case eventbus.MarkNodeOnline:
		f.markNodeOnlineLocked(ev, now)
	case eventbus.SubmitJob:
		f.submitJobLocked(ev, now)
	case eventbus.UpdateJobProgress:
		f.updateJobProgressLocked(ev, now)
	case eventbus.RecordCheckpoint:
		f.recordCheckpointLocked(ev, now)
	case eventbus.CancelJob:
		if err := f.Recovery.CancelJob(ev.JobID, now); err != nil {
			f.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("cancel job failed")
		}
	case eventbus.HandleNodeFailure:
		if err := f.Recovery.HandleNodeFailure(ev.NodeID, ev.Error, now); err != nil {
			f.logger.Warn().Err(err).Str("node_id", ev.NodeID).Msg("handle node failure failed")
		}
	default:
		f.logger.Warn().Str("type", fmt.Sprintf("%T", e)).Msg("unknown event type")
	}
}

func (f *Farm) submitClientLocked(ev eventbus.SubmitClient, now time.Time) {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	c := &types.Client{
		ID:            id,
		Name:          ev.Name,
		ServiceTier:   types.ServiceTier(ev.ServiceTier),
		GuaranteedPct: ev.GuaranteedPct,
		MaxPct:        ev.MaxPct,
		CreatedAt:     now,
	}
	f.clients[id] = c
	metrics.ClientsTotal.Set(float64(len(f.clients)))
	f.Sink.Record(audit.Event{Timestamp: now, Type: audit.EventClientAdded, ClientID: id})
}

func (f *Farm) removeClientLocked(ev eventbus.RemoveClient, now time.Time) {
	delete(f.clients, ev.ID)
	metrics.ClientsTotal.Set(float64(len(f.clients)))
	f.Sink.Record(audit.Event{Timestamp: now, Type: audit.EventClientRemoved, ClientID: ev.ID})
}

func (f *Farm) clientSliceLocked() []*types.Client {
	out := make([]*types.Client, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Farm) addNodeLocked(ev eventbus.AddNode, now time.Time) {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	tags := make(map[string]struct{}, len(ev.SpecializedFor))
	for _, t := range ev.SpecializedFor {
		tags[t] = struct{}{}
	}
	n := &types.Node{
		ID:   id,
		Name: ev.Name,
		Capabilities: types.NodeCapabilities{
			CPUCores:             ev.CPUCores,
			MemoryGB:             ev.MemoryGB,
			GPUModel:             ev.GPUModel,
			GPUCount:             ev.GPUCount,
			GPUMemoryGB:          ev.GPUMemoryGB,
			GPUComputeCapability: ev.GPUComputeCapability,
			StorageGB:            ev.StorageGB,
			SpecializedFor:       tags,
		},
		PowerEfficiencyRating: ev.PowerEfficiencyRating,
		CreatedAt:             now,
	}
	f.Registry.AddNode(n)
	metrics.NodesTotal.WithLabelValues(string(types.NodeStatusOnline)).Inc()
	f.Sink.Record(audit.Event{Timestamp: now, Type: audit.EventNodeAdded, NodeID: id})
}

func (f *Farm) removeNodeLocked(ev eventbus.RemoveNode, now time.Time) {
	if err := f.Registry.RemoveNode(ev.ID); err != nil {
		f.logger.Warn().Err(err).Str("node_id", ev.ID).Msg("remove node failed")
		return
	}
	f.Sink.Record(audit.Event{Timestamp: now, Type: audit.EventNodeRemoved, NodeID: ev.ID})
}

func (f *Farm) markNodeOfflineLocked(ev eventbus.MarkNodeOffline, now time.Time) {
	if err := f.Registry.MarkOffline(ev.ID); err != nil {
		f.logger.Warn().Err(err).Str("node_id", ev.ID).Msg("mark node offline failed")
	}
}

func (f *Farm) markNodeOnlineLocked(ev eventbus.MarkNodeOnline, now time.Time) {
	if err := f.Registry.MarkOnline(ev.ID); err != nil {
		f.logger.Warn().Err(err).Str("node_id", ev.ID).Msg("mark node online failed")
	}
}

func (f *Farm) submitJobLocked(ev eventbus.SubmitJob, now time.Time) {
	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	tags := make(map[string]struct{}, len(ev.SpecializedFor))
	for _, t := range ev.SpecializedFor {
		tags[t] = struct{}{}
	}
	j := &types.Job{
		ID:                id,
		Name:              ev.Name,
		JobType:           ev.JobType,
		ClientID:          ev.ClientID,
		Priority:          types.JobPriority(ev.Priority),
		SubmissionTime:    now,
		Deadline:          ev.Deadline,
		EstimatedDuration: ev.EstimatedDuration,
		Requirements: types.JobRequirements{
			RequiresGPU:     ev.RequiresGPU,
			MemoryGB:        ev.MemoryGB,
			CPUCores:        ev.CPUCores,
			SceneComplexity: ev.SceneComplexity,
			SpecializedFor:  tags,
		},
		Dependencies:              ev.Dependencies,
		CanBePreempted:            ev.CanBePreempted,
		SupportsCheckpoint:        ev.SupportsCheckpoint,
		SupportsProgressiveOutput: ev.SupportsProgressiveOutput,
		EnergyIntensive:           ev.EnergyIntensive,
	}
	if err := f.Graph.Submit(j); err != nil {
		f.logger.Warn().Err(err).Str("job_id", id).Msg("submit job rejected")
		f.Sink.Record(audit.Event{Timestamp: now, Type: audit.EventJobFailed, JobID: id, ClientID: ev.ClientID, Reason: err.Error()})
		metrics.JobsFailedTotal.Inc()
		return
	}
	metrics.JobsTotal.WithLabelValues(string(j.Status)).Inc()
	f.Sink.Record(audit.Event{Timestamp: now, Type: audit.EventJobSubmitted, JobID: id, ClientID: ev.ClientID})
}

func (f *Farm) updateJobProgressLocked(ev eventbus.UpdateJobProgress, now time.Time) {
	if err := f.Progress.UpdateProgress(ev.JobID, ev.Pct); err != nil {
		f.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("progress update rejected")
		return
	}
	completedNodeID, err := f.Graph.UpdateProgress(ev.JobID, ev.Pct)
	if err != nil {
		f.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("progress update failed")
		return
	}
	if completedNodeID != "" {
		_ = f.Registry.Release(completedNodeID)
		f.Progress.Forget(ev.JobID)
		job, err := f.Graph.Get(ev.JobID)
		if err == nil {
			metrics.JobsCompletedTotal.Inc()
			f.Sink.Record(audit.Event{Timestamp: now, Type: audit.EventJobCompleted, JobID: ev.JobID, ClientID: job.ClientID})
		}
	}
}

func (f *Farm) recordCheckpointLocked(ev eventbus.RecordCheckpoint, now time.Time) {
	job, err := f.Graph.Get(ev.JobID)
	if err != nil {
		f.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("checkpoint on unknown job")
		return
	}
	if err := f.Graph.MarkCheckpoint(ev.JobID, now); err != nil {
		f.logger.Warn().Err(err).Str("job_id", ev.JobID).Msg("checkpoint rejected")
		return
	}
	f.Progress.RecordCheckpoint(job, now)
}

// Clients returns a snapshot of every registered client, sorted by id.
func (f *Farm) Clients() []*types.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clientSliceLocked()
}

// Snapshot captures the full state of the farm for persistence.
func (f *Farm) Snapshot(now time.Time) persistence.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return persistence.Snapshot{
		TakenAt: now,
		Nodes:   f.Registry.Snapshot(),
		Jobs:    f.Graph.Snapshot(),
		Clients: f.clientSliceLocked(),
	}
}

// Save persists the current state to the configured persistence sink.
// A failure here is logged, never propagated as a scheduling error —
// persistence is advisory, per the persistence model.
func (f *Farm) Save(now time.Time) {
	if err := f.Persistence.SaveSnapshot(f.Snapshot(now)); err != nil {
		f.logger.Warn().Err(err).Msg("save snapshot failed")
	}
}

// Restore seeds farm state from the last saved snapshot, if any. It is
// meant to be called once, before the first Tick.
func (f *Farm) Restore() error {
	snap, ok, err := f.Persistence.LoadSnapshot()
	if err != nil {
		return fmt.Errorf("farm: restore: %w", err)
	}
	if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range snap.Nodes {
		f.Registry.AddNode(n)
	}
	for _, j := range snap.Jobs {
		_ = f.Graph.Submit(j)
	}
	for _, c := range snap.Clients {
		f.clients[c.ID] = c
	}
	return nil
}
