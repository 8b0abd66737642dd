// Package recovery is the Failure Recovery Manager: it detects a node
// failure, reclaims the job it was running, re-queues it with rewound
// progress, and enforces the retry cap.
package recovery

import (
	"fmt"
	"time"

	"github.com/orbitalrender/farmsched/pkg/audit"
	"github.com/orbitalrender/farmsched/pkg/jobgraph"
	"github.com/orbitalrender/farmsched/pkg/log"
	"github.com/orbitalrender/farmsched/pkg/metrics"
	"github.com/orbitalrender/farmsched/pkg/progress"
	"github.com/orbitalrender/farmsched/pkg/registry"
	"github.com/orbitalrender/farmsched/pkg/types"
	"github.com/rs/zerolog"
)

// Manager handles node-failure events. It holds no state of its own;
// every call mutates the Registry and Job Graph it was given.
type Manager struct {
	Registry         *registry.Registry
	Graph            *jobgraph.Graph
	Progress         *progress.Tracker
	Sink             audit.Sink
	MaxJobErrorCount int

	logger zerolog.Logger
}

// New returns a Manager wired to its collaborators.
func New(reg *registry.Registry, graph *jobgraph.Graph, prog *progress.Tracker, sink audit.Sink, maxJobErrorCount int) *Manager {
	if sink == nil {
		sink = audit.NullSink{}
	}
	if maxJobErrorCount <= 0 {
		maxJobErrorCount = 3
	}
	return &Manager{
		Registry:         reg,
		Graph:            graph,
		Progress:         prog,
		Sink:             sink,
		MaxJobErrorCount: maxJobErrorCount,
		logger:           log.WithComponent("recovery"),
	}
}

// HandleNodeFailure is called by the host when a node reports a fault or
// fails a heartbeat. It is atomic and ordered: look up the node's
// current job, requeue it with progress rewound to its last checkpoint
// (or to 0 if it never recorded one — see DESIGN.md decision #1 on why
// this rewinds rather than blindly preserving progress), mark the node
// ERROR, and fail the job outright if it has now exceeded the retry cap.
func (m *Manager) HandleNodeFailure(nodeID, errDetail string, now time.Time) error {
	jobID, err := m.Registry.MarkError(nodeID, errDetail)
	if err != nil {
		return err
	}

	m.Sink.Record(audit.Event{
		Timestamp: now,
		Type:      audit.EventNodeFailure,
		NodeID:    nodeID,
		Reason:    errDetail,
	})
	metrics.NodeFailuresTotal.Inc()

	if jobID == "" {
		return nil
	}

	job, err := m.Graph.Get(jobID)
	if err != nil {
		return err
	}

	rewound := m.rewindProgress(job)

	if err := m.Graph.Mutate(jobID, func(j *types.Job) {
		j.Status = types.JobStatusQueued
		j.AssignedNodeID = ""
		j.ErrorCount++
		j.Progress = rewound
	}); err != nil {
		return err
	}

	m.Sink.Record(audit.Event{
		Timestamp: now,
		Type:      audit.EventJobUpdated,
		JobID:     jobID,
		ClientID:  job.ClientID,
		Reason:    "requeued_after_node_failure",
		Extra:     map[string]string{"progress": fmt.Sprintf("%.2f", rewound)},
	})

	updated, err := m.Graph.Get(jobID)
	if err != nil {
		return err
	}
	if updated.ErrorCount >= m.MaxJobErrorCount {
		if err := m.Graph.Mutate(jobID, func(j *types.Job) {
			j.Status = types.JobStatusFailed
			j.FailureReason = "exceeded maximum error count"
		}); err != nil {
			return err
		}
		m.Progress.Forget(jobID)
		m.Sink.Record(audit.Event{
			Timestamp: now,
			Type:      audit.EventJobFailed,
			JobID:     jobID,
			ClientID:  job.ClientID,
			Reason:    "exceeded maximum error count",
		})
		metrics.JobsFailedTotal.Inc()
	}

	return nil
}

// rewindProgress implements DESIGN.md decision #1: a job that supports
// checkpointing and actually recorded one keeps its progress exactly as
// of that checkpoint (which may equal its current progress, if the
// checkpoint is fresh); anything else rewinds to zero rather than
// trusting unvalidated in-flight progress.
func (m *Manager) rewindProgress(job *types.Job) float64 {
	if !job.SupportsCheckpoint {
		return 0
	}
	floor, ok := m.Progress.CheckpointFloor(job.ID)
	if !ok {
		return 0
	}
	return floor
}

// CancelJob transitions any non-terminal job to CANCELLED and releases
// its node, per the concurrency model's administrative-cancellation
// contract.
func (m *Manager) CancelJob(jobID string, now time.Time) error {
	job, err := m.Graph.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.AssignedNodeID != "" {
		_ = m.Registry.Release(job.AssignedNodeID)
	}
	if err := m.Graph.Mutate(jobID, func(j *types.Job) {
		j.Status = types.JobStatusCancelled
		j.AssignedNodeID = ""
	}); err != nil {
		return err
	}
	m.Progress.Forget(jobID)
	m.Sink.Record(audit.Event{Timestamp: now, Type: audit.EventJobCancelled, JobID: jobID, ClientID: job.ClientID})
	return nil
}

// CheckMissedDeadlines fails any non-terminal job whose deadline has
// already passed even after priority elevation and whose retry budget
// (at CRITICAL) is exhausted, per the concurrency model's cancellation/
// timeout contract.
func (m *Manager) CheckMissedDeadlines(jobs []*types.Job, now time.Time) {
	for _, j := range jobs {
		if j.Status.Terminal() {
			continue
		}
		if j.Priority != types.PriorityCritical {
			continue
		}
		if !j.Deadline.Before(now) {
			continue
		}
		if j.ErrorCount < m.MaxJobErrorCount {
			continue
		}
		if j.AssignedNodeID != "" {
			_ = m.Registry.Release(j.AssignedNodeID)
		}
		if err := m.Graph.Mutate(j.ID, func(job *types.Job) {
			job.Status = types.JobStatusFailed
			job.FailureReason = "missed deadline"
			job.AssignedNodeID = ""
		}); err != nil {
			continue
		}
		m.Sink.Record(audit.Event{Timestamp: now, Type: audit.EventJobFailed, JobID: j.ID, ClientID: j.ClientID, Reason: "missed deadline"})
	}
}
