// Package progress is the Progress & Checkpoint Tracker: it records
// progress updates and checkpoint marks, and answers what a job's last
// recorded checkpoint was for the Failure Recovery Manager.
package progress

import (
	"sync"
	"time"

	"github.com/orbitalrender/farmsched/pkg/farmerr"
	"github.com/orbitalrender/farmsched/pkg/types"
)

// record is a job's last recorded checkpoint.
type record struct {
	progress   float64
	at         time.Time
	errorCount int
}

// Tracker holds the last checkpoint recorded per job. It does not own
// Job state — the Job Graph does — it only remembers checkpoint floors
// so a rewind never loses more progress than the job actually saved.
type Tracker struct {
	mu      sync.RWMutex
	history map[string]record
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{history: make(map[string]record)}
}

// UpdateProgress checks a progress update against the job's checkpoint
// floor; it stores nothing. Values below the last checkpoint are rejected as
// InvalidProgress — the Job Graph itself performs the authoritative
// clamp/complete transition; this call only validates against the
// checkpoint floor this package tracks.
func (t *Tracker) UpdateProgress(jobID string, pct float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.history[jobID]; ok && pct < r.progress {
		return farmerr.InvalidProgress(jobID, pct, r.progress)
	}
	return nil
}

// RecordCheckpoint records a checkpoint for a job, provided it supports
// checkpointing. A call against a job that does not is a no-op, matching
// the Job Graph's own MarkCheckpoint contract.
func (t *Tracker) RecordCheckpoint(job *types.Job, at time.Time) {
	if !job.SupportsCheckpoint {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history[job.ID] = record{progress: job.Progress, at: at, errorCount: job.ErrorCount}
}

// LastCheckpoint returns the last recorded checkpoint time for a job, if
// any.
func (t *Tracker) LastCheckpoint(jobID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.history[jobID]
	if !ok {
		return time.Time{}, false
	}
	return r.at, true
}

// CheckpointFloor returns the progress recorded at a job's last
// checkpoint, or (0, false) if none was ever recorded.
func (t *Tracker) CheckpointFloor(jobID string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.history[jobID]
	if !ok {
		return 0, false
	}
	return r.progress, true
}

// Forget discards a job's checkpoint history, called when a job reaches
// a terminal state.
func (t *Tracker) Forget(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.history, jobID)
}
