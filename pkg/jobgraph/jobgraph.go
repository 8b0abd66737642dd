// Package jobgraph is the Job Graph: the set of jobs, their metadata,
// dependency edges, progress, and checkpoint history.
package jobgraph

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orbitalrender/farmsched/pkg/farmerr"
	"github.com/orbitalrender/farmsched/pkg/types"
)

// Graph owns every Job and its dependency edges.
type Graph struct {
	mu   sync.RWMutex
	jobs map[string]*types.Job
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{jobs: make(map[string]*types.Job)}
}

// Submit adds a job in PENDING status. If the job's declared dependencies
// would create a cycle (detected by DFS from the new job across existing
// edges), the job is rejected: its final status is FAILED with a reason
// recorded, and CircularDependency is returned.
func (g *Graph) Submit(j *types.Job) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if j.Status == "" {
		j.Status = types.JobStatusPending
	}
	if j.SubmissionTime.IsZero() {
		j.SubmissionTime = time.Now()
	}
	g.jobs[j.ID] = j

	if g.hasCycleFrom(j.ID) {
		j.Status = types.JobStatusFailed
		j.FailureReason = "circular dependency"
		return farmerr.CircularDependency(j.ID)
	}
	return nil
}

// hasCycleFrom runs DFS from start across dependency edges (already
// present in the graph, including the just-inserted job) and reports
// whether any cycle is reachable.
func (g *Graph) hasCycleFrom(start string) bool {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		job, ok := g.jobs[id]
		if ok {
			for _, dep := range job.Dependencies {
				switch color[dep] {
				case gray:
					return true
				case white:
					if visit(dep) {
						return true
					}
				}
			}
		}
		color[id] = black
		return false
	}
	return visit(start)
}

// Get returns a copy of a job by id.
func (g *Graph) Get(id string) (*types.Job, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	j, ok := g.jobs[id]
	if !ok {
		return nil, farmerr.UnknownJob(id)
	}
	cp := *j
	return &cp, nil
}

// UpdateProgress clamps pct to [0,100] and sets the job's progress. At
// 100 the job transitions to COMPLETED and its node id is returned so
// the caller can release it from the Node Registry.
func (g *Graph) UpdateProgress(jobID string, pct float64) (completedNodeID string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return "", farmerr.UnknownJob(jobID)
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.Progress = pct
	if pct >= 100 {
		completedNodeID = j.AssignedNodeID
		j.Status = types.JobStatusCompleted
		j.AssignedNodeID = ""
	}
	return completedNodeID, nil
}

// RewindProgress forcibly sets progress without COMPLETED semantics. The
// value is stored as given: it is neither clamped nor checked against any
// checkpoint floor.
func (g *Graph) RewindProgress(jobID string, pct float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return farmerr.UnknownJob(jobID)
	}
	j.Progress = pct
	return nil
}

// MarkCheckpoint records a checkpoint time for a job that supports
// checkpointing. A call against a job that does not support checkpoints
// is a no-op, per the Progress & Checkpoint Tracker contract. Checkpoint
// times must be monotonic per job.
func (g *Graph) MarkCheckpoint(jobID string, at time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return farmerr.UnknownJob(jobID)
	}
	if !j.SupportsCheckpoint {
		return nil
	}
	if !j.LastCheckpointTime.IsZero() && at.Before(j.LastCheckpointTime) {
		return fmt.Errorf("jobgraph: checkpoint time for job %q is not monotonic", jobID)
	}
	j.LastCheckpointTime = at
	return nil
}

// SetStatus transitions a job to newStatus. Transitioning to QUEUED from
// RUNNING requires either a checkpoint already recorded (supportsCheckpoint
// and LastCheckpointTime set) or zero progress; callers that already
// validated this (e.g. the recovery manager, which rewinds progress
// itself) may pass allowForced to bypass the check.
func (g *Graph) SetStatus(jobID string, newStatus types.JobStatus, allowForced bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return farmerr.UnknownJob(jobID)
	}
	if newStatus == types.JobStatusQueued && j.Status == types.JobStatusRunning && !allowForced {
		hasCheckpoint := j.SupportsCheckpoint && !j.LastCheckpointTime.IsZero()
		if !hasCheckpoint && j.Progress != 0 {
			return fmt.Errorf("jobgraph: job %q cannot move RUNNING->QUEUED without a checkpoint or zero progress", jobID)
		}
	}
	j.Status = newStatus
	return nil
}

// DependenciesSatisfied reports whether every dependency of jobID has
// reached COMPLETED.
func (g *Graph) DependenciesSatisfied(jobID string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return false, farmerr.UnknownJob(jobID)
	}
	for _, dep := range j.Dependencies {
		d, ok := g.jobs[dep]
		if !ok || d.Status != types.JobStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// TopologicalReadySet returns, in ascending job id order, every
// non-terminal job whose dependencies are all satisfied.
func (g *Graph) TopologicalReadySet() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []string
	for id, j := range g.jobs {
		if j.Status.Terminal() {
			continue
		}
		satisfied := true
		for _, dep := range j.Dependencies {
			d, ok := g.jobs[dep]
			if !ok || d.Status != types.JobStatusCompleted {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// Snapshot returns a copy of every job, sorted by id.
func (g *Graph) Snapshot() []*types.Job {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*types.Job, 0, len(g.jobs))
	for _, j := range g.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Mutate applies fn to the live job under the write lock, for callers
// (the scheduler commit path, the recovery manager) that need to change
// several fields atomically.
func (g *Graph) Mutate(jobID string, fn func(j *types.Job)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	j, ok := g.jobs[jobID]
	if !ok {
		return farmerr.UnknownJob(jobID)
	}
	fn(j)
	return nil
}

// CountRunningForClient returns how many of a client's jobs are currently
// RUNNING, used by the quota overlay.
func (g *Graph) CountRunningForClient(clientID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, j := range g.jobs {
		if j.ClientID == clientID && j.Status == types.JobStatusRunning {
			n++
		}
	}
	return n
}
