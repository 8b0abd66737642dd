// Package energy is the Energy Optimizer: it scores (node, job, time)
// triples by projected energy cost and exposes a preference oracle the
// Deadline Scheduler consults when ranking candidate nodes.
package energy

import (
	"sort"
	"time"

	"github.com/orbitalrender/farmsched/pkg/audit"
	"github.com/orbitalrender/farmsched/pkg/types"
)

// Mode selects how aggressively the optimizer trades performance for
// energy cost.
type Mode string

const (
	ModePerformance  Mode = "performance"
	ModeBalanced     Mode = "balanced"
	ModeEfficiency   Mode = "efficiency"
	ModeNightSavings Mode = "night_savings"
)

// baseDrawKW is the implicit power draw of a fully-efficient node; actual
// draw scales by 100/power_efficiency_rating.
const baseDrawKW = 1.0

// modeFactor scales the raw cost model by how aggressively a mode trades
// performance for energy savings. PERFORMANCE applies no discount;
// BALANCED, EFFICIENCY, and NIGHT_SAVINGS apply successively larger ones,
// representing throttled clocks / batched off-peak scheduling the core
// does not otherwise model explicitly. This factor is an implementation
// choice (see DESIGN.md) since the cost formula in isolation is mode
// independent except through node and time-of-day selection.
var modeFactor = map[Mode]float64{
	ModePerformance:  1.0,
	ModeBalanced:     0.90,
	ModeEfficiency:   0.70,
	ModeNightSavings: 0.55,
}

// Optimizer is the Energy Optimizer. It holds no per-job state; every
// method is a pure function of its arguments plus the current mode.
type Optimizer struct {
	PeakHoursStart time.Duration // offset from midnight
	PeakHoursEnd   time.Duration
	PeakCost       float64 // currency/kWh
	OffPeakCost    float64
	Sink           audit.Sink

	mode Mode
}

// New returns an Optimizer in the given initial mode, recording mode
// changes to sink. sink must not be nil; pass audit.NullSink{} to discard.
func New(peakStart, peakEnd time.Duration, peakCost, offPeakCost float64, initial Mode, sink audit.Sink) *Optimizer {
	return &Optimizer{
		PeakHoursStart: peakStart,
		PeakHoursEnd:   peakEnd,
		PeakCost:       peakCost,
		OffPeakCost:    offPeakCost,
		Sink:           sink,
		mode:           initial,
	}
}

// SetMode changes the current energy mode, emitting EventEnergyModeChanged
// when it actually differs from the previous one.
func (o *Optimizer) SetMode(m Mode) {
	if m == o.mode {
		return
	}
	previous := o.mode
	o.mode = m
	if o.Sink != nil {
		o.Sink.Record(audit.Event{
			Timestamp: time.Now(),
			Type:      audit.EventEnergyModeChanged,
			Reason:    string(previous) + "->" + string(m),
			Extra:     map[string]string{"previous_mode": string(previous), "new_mode": string(m)},
		})
	}
}

// Mode returns the current energy mode.
func (o *Optimizer) Mode() Mode {
	return o.mode
}

// timeOfDayOffset returns the duration since midnight for t's wall clock.
func timeOfDayOffset(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute + time.Duration(t.Second())*time.Second
}

// inPeakWindow reports whether t's wall clock falls in [start, end).
// A window that wraps past midnight (end < start) is treated as spanning
// the day boundary.
func (o *Optimizer) inPeakWindow(t time.Time) bool {
	tod := timeOfDayOffset(t)
	if o.PeakHoursEnd >= o.PeakHoursStart {
		return tod >= o.PeakHoursStart && tod < o.PeakHoursEnd
	}
	return tod >= o.PeakHoursStart || tod < o.PeakHoursEnd
}

// GetTimeOfDayEnergyPrice returns the peak or off-peak rate for t.
func (o *Optimizer) GetTimeOfDayEnergyPrice(t time.Time) float64 {
	if o.inPeakWindow(t) {
		return o.PeakCost
	}
	return o.OffPeakCost
}

// CalculateEnergyCost projects the energy cost of running job on node
// starting at startTime, per the core's cost model: duration * base draw
// * (1/efficiency) * time-of-day rate, discounted by the current mode.
func (o *Optimizer) CalculateEnergyCost(job *types.Job, node *types.Node, startTime time.Time) float64 {
	efficiency := node.PowerEfficiencyRating
	if efficiency <= 0 {
		efficiency = 1
	}
	drawMultiplier := 100 / efficiency
	rate := o.GetTimeOfDayEnergyPrice(startTime)
	durationHours := job.EstimatedDuration.Hours()
	if durationHours <= 0 {
		durationHours = 1
	}
	return durationHours * baseDrawKW * drawMultiplier * rate * modeFactor[o.mode]
}

// NodeMeetsRequirements reports whether node satisfies job's capability
// requirements: GPU presence, memory, CPU cores, and specialization tags.
func NodeMeetsRequirements(job *types.Job, node *types.Node) bool {
	req := job.Requirements
	if req.RequiresGPU && node.Capabilities.GPUCount < 1 {
		return false
	}
	if req.MemoryGB > node.Capabilities.MemoryGB {
		return false
	}
	if req.CPUCores > node.Capabilities.CPUCores {
		return false
	}
	for tag := range req.SpecializedFor {
		if !node.Capabilities.HasTag(tag) {
			return false
		}
	}
	return true
}

// NodeType classifies a node for energy-affinity purposes: "gpu" nodes
// first, then high-memory nodes, else plain "cpu".
func NodeType(node *types.Node) string {
	if node.Capabilities.GPUCount > 0 {
		return "gpu"
	}
	if node.Capabilities.MemoryGB >= 1024 {
		return "memory"
	}
	return "cpu"
}

// OptimizeEnergyUsage assigns each eligible, idle, ONLINE node to at most
// one job, preferring the most power-efficient candidate for each job in
// priority order. It does not mutate jobs or nodes — the caller (the
// Deadline Scheduler) decides whether to commit any of these pairings.
func (o *Optimizer) OptimizeEnergyUsage(jobs []*types.Job, nodes []*types.Node) map[string]string {
	assignments := make(map[string]string)

	available := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == types.NodeStatusOnline && n.CurrentJobID == "" {
			cp := *n
			available = append(available, &cp)
		}
	}

	ordered := make([]*types.Job, len(jobs))
	copy(ordered, jobs)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})

	for _, job := range ordered {
		best := o.rankCandidates(job, available)
		if len(best) == 0 {
			continue
		}
		chosen := best[0]
		assignments[job.ID] = chosen.ID
		available = removeNode(available, chosen.ID)
	}
	return assignments
}

// rankCandidates returns every node meeting job's requirements, most
// energy-preferable first: highest power_efficiency_rating, ties broken
// by ascending node id. PERFORMANCE mode uses the same ordering — the
// core never degrades a placement's efficiency preference, it only stops
// discounting the projected cost (see modeFactor).
func (o *Optimizer) rankCandidates(job *types.Job, nodes []*types.Node) []*types.Node {
	var eligible []*types.Node
	for _, n := range nodes {
		if NodeMeetsRequirements(job, n) {
			eligible = append(eligible, n)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].PowerEfficiencyRating != eligible[j].PowerEfficiencyRating {
			return eligible[i].PowerEfficiencyRating > eligible[j].PowerEfficiencyRating
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible
}

func removeNode(nodes []*types.Node, id string) []*types.Node {
	out := nodes[:0:0]
	for _, n := range nodes {
		if n.ID != id {
			out = append(out, n)
		}
	}
	return out
}

// EstimateEnergySavings estimates the percentage energy cost reduction of
// the current mode versus PERFORMANCE, for the given workload. Strictly
// increasing across BALANCED < EFFICIENCY < NIGHT_SAVINGS by construction
// of modeFactor.
func (o *Optimizer) EstimateEnergySavings(jobs []*types.Job, nodes []*types.Node) float64 {
	now := time.Now()
	assignments := o.OptimizeEnergyUsage(jobs, nodes)
	nodeByID := make(map[string]*types.Node, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
	}

	var perfTotal, modeTotal float64
	savedMode := o.mode
	defer func() { o.mode = savedMode }()

	for jobID, nodeID := range assignments {
		node, ok := nodeByID[nodeID]
		if !ok {
			continue
		}
		var job *types.Job
		for _, j := range jobs {
			if j.ID == jobID {
				job = j
				break
			}
		}
		if job == nil {
			continue
		}
		o.mode = ModePerformance
		perfTotal += o.CalculateEnergyCost(job, node, now)
		o.mode = savedMode
		modeTotal += o.CalculateEnergyCost(job, node, now)
	}

	if perfTotal <= 0 {
		return 0
	}
	return (perfTotal - modeTotal) / perfTotal * 100
}
