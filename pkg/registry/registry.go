// Package registry is the Node Registry: the authoritative set of compute
// nodes, their capabilities, health, and current job assignment.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/orbitalrender/farmsched/pkg/farmerr"
	"github.com/orbitalrender/farmsched/pkg/types"
)

// Registry owns every Node. All mutation is synchronized; the scheduling
// loop takes a Snapshot once per cycle rather than holding the lock
// across the whole cycle.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*types.Node
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{nodes: make(map[string]*types.Node)}
}

// AddNode registers a new node in ONLINE status.
func (r *Registry) AddNode(n *types.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.Status == "" {
		n.Status = types.NodeStatusOnline
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	if n.PerformanceHistory == nil {
		n.PerformanceHistory = make(map[string]float64)
	}
	r.nodes[n.ID] = n
}

// RemoveNode deletes a node. It is the caller's responsibility to have
// released any job it was running first.
func (r *Registry) RemoveNode(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return farmerr.UnknownNode(id)
	}
	delete(r.nodes, id)
	return nil
}

// Get returns a copy of a node by id.
func (r *Registry) Get(id string) (*types.Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, farmerr.UnknownNode(id)
	}
	cp := *n
	return &cp, nil
}

// MarkOnline transitions a node to ONLINE. Valid from any non-BUSY state
// (a BUSY node is rejected with NodeBusy); a node in ERROR requires this
// explicit clear — automatic recovery from ERROR is never performed.
func (r *Registry) MarkOnline(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return farmerr.UnknownNode(id)
	}
	if n.Status == types.NodeStatusBusy {
		return farmerr.NodeBusy(id)
	}
	n.Status = types.NodeStatusOnline
	return nil
}

// MarkOffline transitions a node to OFFLINE, releasing any current job id.
func (r *Registry) MarkOffline(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return farmerr.UnknownNode(id)
	}
	n.Status = types.NodeStatusOffline
	n.CurrentJobID = ""
	return nil
}

// MarkError transitions a node to ERROR on a fault report, releasing any
// current job id. Returns the job id that was running there, if any.
func (r *Registry) MarkError(id, lastError string) (jobID string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return "", farmerr.UnknownNode(id)
	}
	jobID = n.CurrentJobID
	n.Status = types.NodeStatusError
	n.CurrentJobID = ""
	n.LastError = lastError
	return jobID, nil
}

// MarkMaintenance transitions a node to MAINTENANCE.
func (r *Registry) MarkMaintenance(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return farmerr.UnknownNode(id)
	}
	n.Status = types.NodeStatusMaintenance
	n.CurrentJobID = ""
	return nil
}

// Assign moves a node to BUSY running the given job. Fails with NodeBusy
// if the node is not ONLINE, or UnknownNode if absent.
func (r *Registry) Assign(nodeID, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return farmerr.UnknownNode(nodeID)
	}
	if n.Status != types.NodeStatusOnline {
		return farmerr.NodeBusy(nodeID)
	}
	n.Status = types.NodeStatusBusy
	n.CurrentJobID = jobID
	return nil
}

// Release returns a node to ONLINE, clearing its current job. Idempotent:
// releasing a node that is not BUSY is a no-op.
func (r *Registry) Release(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return farmerr.UnknownNode(nodeID)
	}
	if n.Status != types.NodeStatusBusy {
		return nil
	}
	n.Status = types.NodeStatusOnline
	n.CurrentJobID = ""
	return nil
}

// Snapshot returns an immutable view of every node, sorted by id, for a
// single scheduling cycle. Mutating the returned nodes has no effect on
// the Registry.
func (r *Registry) Snapshot() []*types.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the total number of registered nodes.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// RecordPerformance updates a node's rolling per-job-type throughput
// signal. Node selection in the scheduler and partitioner does not read it.
func (r *Registry) RecordPerformance(nodeID, jobType string, sample float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[nodeID]
	if !ok {
		return farmerr.UnknownNode(nodeID)
	}
	if n.PerformanceHistory == nil {
		n.PerformanceHistory = make(map[string]float64)
	}
	prev, seen := n.PerformanceHistory[jobType]
	if !seen {
		n.PerformanceHistory[jobType] = sample
		return nil
	}
	// exponential moving average, smooths noisy single-job samples
	n.PerformanceHistory[jobType] = 0.7*prev + 0.3*sample
	return nil
}
