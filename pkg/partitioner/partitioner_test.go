package partitioner

import (
	"testing"

	"github.com/orbitalrender/farmsched/pkg/audit"
	"github.com/orbitalrender/farmsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nodes(n int) []*types.Node {
	out := make([]*types.Node, n)
	for i := range out {
		out[i] = &types.Node{ID: string(rune('a' + i)), Status: types.NodeStatusOnline}
	}
	return out
}

func TestAllocateGuaranteedFloor(t *testing.T) {
	p := New(false, 50, audit.NullSink{})
	clients := []*types.Client{
		{ID: "c1", ServiceTier: types.ServiceTierStandard, GuaranteedPct: 50, MaxPct: 50},
		{ID: "c2", ServiceTier: types.ServiceTierStandard, GuaranteedPct: 50, MaxPct: 50},
	}
	allocations := p.Allocate(clients, nodes(10))
	assert.Len(t, allocations["c1"].AllocatedNodes, 5)
	assert.Len(t, allocations["c2"].AllocatedNodes, 5)
}

func TestAllocateOversubscribedScalesDownProportionally(t *testing.T) {
	sink := audit.NewRecordingSink()
	p := New(false, 50, sink)
	clients := []*types.Client{
		{ID: "c1", ServiceTier: types.ServiceTierStandard, GuaranteedPct: 100, MaxPct: 100},
		{ID: "c2", ServiceTier: types.ServiceTierStandard, GuaranteedPct: 100, MaxPct: 100},
	}
	allocations := p.Allocate(clients, nodes(1))

	total := len(allocations["c1"].AllocatedNodes) + len(allocations["c2"].AllocatedNodes)
	assert.LessOrEqual(t, total, 1)
	assert.NotEmpty(t, sink.OfType(audit.EventResourceAllocationScaled))
}

func TestAllocateHigherTierWinsTieBreak(t *testing.T) {
	p := New(false, 50, audit.NullSink{})
	clients := []*types.Client{
		{ID: "standard", ServiceTier: types.ServiceTierStandard, GuaranteedPct: 100, MaxPct: 100},
		{ID: "enterprise", ServiceTier: types.ServiceTierEnterprise, GuaranteedPct: 100, MaxPct: 100},
	}
	// oversubscribed: total guaranteed is 2x totalNodes, so both shares
	// scale down to 5 of 10 nodes; the enterprise client is placed first
	// and takes the lowest-ordered nodes.
	allocations := p.Allocate(clients, nodes(10))
	assert.Len(t, allocations["standard"].AllocatedNodes, 5)
	assert.Len(t, allocations["enterprise"].AllocatedNodes, 5)
	assert.Contains(t, allocations["enterprise"].AllocatedNodes, "a")
	assert.Contains(t, allocations["standard"].AllocatedNodes, "f")
}

func TestAllocateQuotaBorrowingNoSpareCapacity(t *testing.T) {
	// C1/C2 guaranteed shares alone exhaust the node pool, so there is
	// nothing left to borrow even with borrowing enabled.
	p := New(true, 80, audit.NullSink{})
	clients := []*types.Client{
		{ID: "c1", ServiceTier: types.ServiceTierStandard, GuaranteedPct: 50, MaxPct: 80},
		{ID: "c2", ServiceTier: types.ServiceTierStandard, GuaranteedPct: 50, MaxPct: 80},
	}
	allocations := p.Allocate(clients, nodes(12))

	require.Contains(t, allocations, "c1")
	require.Contains(t, allocations, "c2")
	// guaranteed: floor(12*0.5)=6 each, 0 left over -> no borrowing possible
	assert.Len(t, allocations["c1"].AllocatedNodes, 6)
	assert.Len(t, allocations["c2"].AllocatedNodes, 6)
}

func TestAllocateBorrowingWithSpareCapacity(t *testing.T) {
	p := New(true, 80, audit.NullSink{})
	clients := []*types.Client{
		{ID: "c1", ServiceTier: types.ServiceTierStandard, GuaranteedPct: 30, MaxPct: 80},
		{ID: "c2", ServiceTier: types.ServiceTierStandard, GuaranteedPct: 30, MaxPct: 80},
	}
	// guaranteed: floor(10*0.3)=3 each -> 6 assigned, 4 nodes spare to borrow
	allocations := p.Allocate(clients, nodes(10))

	totalAllocated := len(allocations["c1"].AllocatedNodes) + len(allocations["c2"].AllocatedNodes)
	assert.Equal(t, 10, totalAllocated, "all spare capacity should be distributed under equal demand")
	assert.Greater(t, allocations["c1"].BorrowedPct, 0.0)
	assert.Greater(t, allocations["c2"].LentPct, 0.0)
}

func TestAllocateIsDeterministic(t *testing.T) {
	p := New(true, 50, audit.NullSink{})
	clients := []*types.Client{
		{ID: "c1", ServiceTier: types.ServiceTierPremium, GuaranteedPct: 40, MaxPct: 70},
		{ID: "c2", ServiceTier: types.ServiceTierBasic, GuaranteedPct: 30, MaxPct: 60},
	}
	first := p.Allocate(clients, nodes(8))
	second := p.Allocate(clients, nodes(8))

	assert.Equal(t, len(first["c1"].AllocatedNodes), len(second["c1"].AllocatedNodes))
	assert.Equal(t, len(first["c2"].AllocatedNodes), len(second["c2"].AllocatedNodes))
}
