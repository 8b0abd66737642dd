// Package partitioner is the Resource Partitioner: it computes per-client
// node quotas from SLA tiers and demand each cycle, supporting borrowing
// between clients when capacity allows.
package partitioner

import (
	"fmt"
	"math"
	"sort"

	"github.com/orbitalrender/farmsched/pkg/audit"
	"github.com/orbitalrender/farmsched/pkg/types"
)

// Partitioner computes ResourceAllocations fresh each cycle. It holds no
// state of its own between calls.
type Partitioner struct {
	AllowBorrowing bool
	BorrowLimitPct float64
	Sink           audit.Sink
}

// New returns a Partitioner. sink may be audit.NullSink{}.
func New(allowBorrowing bool, borrowLimitPct float64, sink audit.Sink) *Partitioner {
	if sink == nil {
		sink = audit.NullSink{}
	}
	return &Partitioner{AllowBorrowing: allowBorrowing, BorrowLimitPct: borrowLimitPct, Sink: sink}
}

var tierRank = map[types.ServiceTier]int{
	types.ServiceTierEnterprise: 3,
	types.ServiceTierPremium:    2,
	types.ServiceTierStandard:   1,
	types.ServiceTierBasic:      0,
}

// Allocate runs the four-step partition algorithm and returns one
// ResourceAllocation per client, keyed by client id.
func (p *Partitioner) Allocate(clients []*types.Client, nodes []*types.Node) map[string]*types.ResourceAllocation {
	totalNodes := len(nodes)

	// Step 1: guaranteed_nodes[c] = floor(total_nodes * guaranteed_pct/100)
	guaranteed := make(map[string]int, len(clients))
	for _, c := range clients {
		guaranteed[c.ID] = int(math.Floor(float64(totalNodes) * c.GuaranteedPct / 100))
	}

	// Step 2: scale down proportionally if oversubscribed
	totalGuaranteed := 0
	for _, n := range guaranteed {
		totalGuaranteed += n
	}
	if totalGuaranteed > totalNodes && totalGuaranteed > 0 {
		scaleFactor := float64(totalNodes) / float64(totalGuaranteed)
		for id, n := range guaranteed {
			guaranteed[id] = int(math.Floor(float64(n) * scaleFactor))
		}
		scaledTotal := 0
		for _, n := range guaranteed {
			scaledTotal += n
		}
		p.Sink.Record(audit.Event{
			Type:   audit.EventResourceAllocationScaled,
			Reason: fmt.Sprintf("guaranteed allocations scaled by factor %.4f", scaleFactor),
			Extra: map[string]string{
				"scale_factor":           fmt.Sprintf("%.4f", scaleFactor),
				"original_total_guaranteed": fmt.Sprintf("%d", totalGuaranteed),
				"scaled_total_guaranteed":   fmt.Sprintf("%d", scaledTotal),
			},
		})
	}

	allocations := make(map[string]*types.ResourceAllocation, len(clients))
	for _, c := range clients {
		a := types.NewResourceAllocation(c.ID)
		if totalNodes > 0 {
			a.AllocatedPct = float64(guaranteed[c.ID]) / float64(totalNodes) * 100
		}
		allocations[c.ID] = a
	}

	// Step 3: assign top guaranteed_nodes[c] unassigned nodes to each
	// client, descending service-tier order, ties broken by client id
	// ascending. Node selection within a client is first-N-available —
	// the design does not mandate workload affinity.
	ordered := make([]*types.Client, len(clients))
	copy(ordered, clients)
	sort.Slice(ordered, func(i, j int) bool {
		ri, rj := tierRank[ordered[i].ServiceTier], tierRank[ordered[j].ServiceTier]
		if ri != rj {
			return ri > rj
		}
		return ordered[i].ID < ordered[j].ID
	})

	available := make([]*types.Node, len(nodes))
	copy(available, nodes)
	sort.Slice(available, func(i, j int) bool { return available[i].ID < available[j].ID })

	for _, c := range ordered {
		selected := selectNodesForClient(available, guaranteed[c.ID])
		for _, n := range selected {
			allocations[c.ID].AllocatedNodes[n.ID] = struct{}{}
		}
		available = removeNodes(available, selected)
	}

	// Step 4: borrowing overflow
	if p.AllowBorrowing && len(available) > 0 {
		demand := p.calculateDemand(clients, totalNodes, allocations)
		overflow := allocateOverflow(clients, available, demand)
		for clientID, nodeIDs := range overflow {
			if len(nodeIDs) == 0 {
				continue
			}
			borrowedPct := float64(len(nodeIDs)) / float64(totalNodes) * 100
			for _, nodeID := range nodeIDs {
				allocations[clientID].AllocatedNodes[nodeID] = struct{}{}
			}
			allocations[clientID].AllocatedPct += borrowedPct
			allocations[clientID].BorrowedPct = borrowedPct

			// Reciprocal bookkeeping only, split evenly among the other
			// clients — the source's own comment calls this simplified;
			// a real system would track specific lender relationships.
			if len(clients) > 1 {
				share := borrowedPct / float64(len(clients)-1)
				for _, other := range clients {
					if other.ID == clientID {
						continue
					}
					allocations[clientID].BorrowedFrom[other.ID] = share
					allocations[other.ID].LentTo[clientID] += share
					allocations[other.ID].LentPct += share
				}
			}
		}
	}

	for _, c := range clients {
		p.Sink.Record(audit.Event{
			Type:     audit.EventResourceAllocationScaled,
			ClientID: c.ID,
			Reason:   "resources_allocated",
			Extra: map[string]string{
				"allocated_pct":  fmt.Sprintf("%.2f", allocations[c.ID].AllocatedPct),
				"allocated_nodes": fmt.Sprintf("%d", len(allocations[c.ID].AllocatedNodes)),
			},
		})
	}

	return allocations
}

// selectNodesForClient returns the first n available nodes. This is
// deliberately the simplest possible affinity rule, matching the
// source's own admission that a real implementation would weigh a
// client's typical workload instead.
func selectNodesForClient(available []*types.Node, n int) []*types.Node {
	if n <= 0 || len(available) == 0 {
		return nil
	}
	if n > len(available) {
		n = len(available)
	}
	return available[:n]
}

func removeNodes(nodes []*types.Node, remove []*types.Node) []*types.Node {
	if len(remove) == 0 {
		return nodes
	}
	removed := make(map[string]struct{}, len(remove))
	for _, n := range remove {
		removed[n.ID] = struct{}{}
	}
	out := nodes[:0:0]
	for _, n := range nodes {
		if _, ok := removed[n.ID]; !ok {
			out = append(out, n)
		}
	}
	return out
}

// calculateDemand computes min(max_pct - allocated_pct, 0.5*guaranteed_pct)
// per client, floored at zero.
func (p *Partitioner) calculateDemand(clients []*types.Client, totalNodes int, allocations map[string]*types.ResourceAllocation) map[string]float64 {
	demand := make(map[string]float64, len(clients))
	for _, c := range clients {
		if c.MaxPct <= 0 {
			demand[c.ID] = 0
			continue
		}
		current := allocations[c.ID].AllocatedPct
		if current >= c.MaxPct {
			demand[c.ID] = 0
			continue
		}
		room := c.MaxPct - current
		capped := 0.5 * c.GuaranteedPct
		if capped < room {
			demand[c.ID] = capped
		} else {
			demand[c.ID] = room
		}
	}
	return demand
}

// allocateOverflow distributes available nodes across clients
// proportionally to demand share, then round-robins any single nodes
// left over among clients with positive demand.
func allocateOverflow(clients []*types.Client, available []*types.Node, demand map[string]float64) map[string][]string {
	overflow := make(map[string][]string)

	totalDemand := 0.0
	for _, d := range demand {
		totalDemand += d
	}
	if totalDemand <= 0 {
		return overflow
	}

	type entry struct {
		clientID string
		demand   float64
	}
	entries := make([]entry, 0, len(demand))
	for id, d := range demand {
		entries = append(entries, entry{id, d})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].demand != entries[j].demand {
			return entries[i].demand > entries[j].demand
		}
		return entries[i].clientID < entries[j].clientID
	})

	avail := make([]*types.Node, len(available))
	copy(avail, available)
	nodesRemaining := len(avail)

	for _, e := range entries {
		if e.demand <= 0 || nodesRemaining <= 0 {
			continue
		}
		demandShare := e.demand / totalDemand
		nodeShare := int(math.Floor(demandShare * float64(len(available))))
		if nodeShare > nodesRemaining {
			nodeShare = nodesRemaining
		}
		if nodeShare <= 0 {
			continue
		}
		clientNodes := avail[:nodeShare]
		for _, n := range clientNodes {
			overflow[e.clientID] = append(overflow[e.clientID], n.ID)
		}
		avail = avail[nodeShare:]
		nodesRemaining -= nodeShare
	}

	// Round-robin remaining single nodes among clients with positive
	// demand.
	rr := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.demand > 0 {
			rr = append(rr, e)
		}
	}
	for len(avail) > 0 && len(rr) > 0 {
		e := rr[0]
		overflow[e.clientID] = append(overflow[e.clientID], avail[0].ID)
		avail = avail[1:]
		rr = append(rr[1:], e)
	}

	return overflow
}
