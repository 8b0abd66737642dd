package registry

import (
	"testing"

	"github.com/orbitalrender/farmsched/pkg/farmerr"
	"github.com/orbitalrender/farmsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddNodeDefaultsStatusOnline(t *testing.T) {
	r := New()
	r.AddNode(&types.Node{ID: "n1"})
	n, err := r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, n.Status)
	assert.NotNil(t, n.PerformanceHistory)
}

func TestAssignRequiresOnline(t *testing.T) {
	r := New()
	r.AddNode(&types.Node{ID: "n1", Status: types.NodeStatusOffline})
	err := r.Assign("n1", "j1")
	assert.ErrorIs(t, err, farmerr.ErrNodeBusy)
}

func TestAssignThenReleaseRoundTrips(t *testing.T) {
	r := New()
	r.AddNode(&types.Node{ID: "n1"})
	require.NoError(t, r.Assign("n1", "j1"))

	n, err := r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusBusy, n.Status)
	assert.Equal(t, "j1", n.CurrentJobID)

	require.NoError(t, r.Release("n1"))
	n, err = r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, n.Status)
	assert.Empty(t, n.CurrentJobID)
}

func TestReleaseIsIdempotentWhenNotBusy(t *testing.T) {
	r := New()
	r.AddNode(&types.Node{ID: "n1"})
	assert.NoError(t, r.Release("n1"))
}

func TestMarkErrorReturnsRunningJobAndClearsIt(t *testing.T) {
	r := New()
	r.AddNode(&types.Node{ID: "n1"})
	require.NoError(t, r.Assign("n1", "j1"))

	jobID, err := r.MarkError("n1", "gpu fault")
	require.NoError(t, err)
	assert.Equal(t, "j1", jobID)

	n, err := r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusError, n.Status)
	assert.Empty(t, n.CurrentJobID)
	assert.Equal(t, "gpu fault", n.LastError)
}

func TestRemoveUnknownNodeErrors(t *testing.T) {
	r := New()
	assert.ErrorIs(t, r.RemoveNode("missing"), farmerr.ErrUnknownNode)
}

func TestRecordPerformanceAppliesEMA(t *testing.T) {
	r := New()
	r.AddNode(&types.Node{ID: "n1"})
	require.NoError(t, r.RecordPerformance("n1", "lighting", 100))
	require.NoError(t, r.RecordPerformance("n1", "lighting", 50))

	n, err := r.Get("n1")
	require.NoError(t, err)
	assert.InDelta(t, 0.7*100+0.3*50, n.PerformanceHistory["lighting"], 0.001)
}

func TestSnapshotIsSortedAndIndependent(t *testing.T) {
	r := New()
	r.AddNode(&types.Node{ID: "n2"})
	r.AddNode(&types.Node{ID: "n1"})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "n1", snap[0].ID)
	assert.Equal(t, "n2", snap[1].ID)

	snap[0].Status = types.NodeStatusError
	n, err := r.Get("n1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusOnline, n.Status, "mutating a snapshot must not affect the registry")
}
