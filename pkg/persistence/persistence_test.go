package persistence

import (
	"testing"
	"time"

	"github.com/orbitalrender/farmsched/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullSinkDiscardsEverything(t *testing.T) {
	s := NullSink{}
	require.NoError(t, s.SaveSnapshot(Snapshot{TakenAt: time.Now()}))
	snap, ok, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Snapshot{}, snap)
	assert.NoError(t, s.Close())
}

func TestBoltSinkSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewBoltSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	now := time.Now().UTC().Truncate(time.Second)
	snap := Snapshot{
		TakenAt: now,
		Nodes:   []*types.Node{{ID: "n1", Status: types.NodeStatusOnline}},
		Jobs:    []*types.Job{{ID: "j1", Status: types.JobStatusQueued}},
		Clients: []*types.Client{{ID: "c1", ServiceTier: types.ServiceTierPremium}},
	}
	require.NoError(t, sink.SaveSnapshot(snap))

	loaded, ok, err := sink.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loaded.TakenAt.Equal(now))
	require.Len(t, loaded.Nodes, 1)
	assert.Equal(t, "n1", loaded.Nodes[0].ID)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, "j1", loaded.Jobs[0].ID)
	require.Len(t, loaded.Clients, 1)
	assert.Equal(t, "c1", loaded.Clients[0].ID)
}

func TestBoltSinkLoadWithNoPriorSaveReturnsNotFound(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewBoltSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	_, ok, err := sink.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBoltSinkSaveOverwritesPreviousSnapshot(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewBoltSink(dir)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.SaveSnapshot(Snapshot{Nodes: []*types.Node{{ID: "n1"}}}))
	require.NoError(t, sink.SaveSnapshot(Snapshot{Nodes: []*types.Node{{ID: "n2"}}}))

	loaded, ok, err := sink.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, loaded.Nodes, 1)
	assert.Equal(t, "n2", loaded.Nodes[0].ID)
}
