package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPostAndDrainPreservesFIFOOrder(t *testing.T) {
	b := New(8)
	b.Post(SubmitClient{ID: "c1"})
	b.Post(AddNode{ID: "n1"})
	b.Post(CancelJob{JobID: "j1"})

	assert.Equal(t, 3, b.Len())
	drained := b.Drain()
	assert.Equal(t, 0, b.Len())

	assert.Equal(t, SubmitClient{ID: "c1"}, drained[0])
	assert.Equal(t, AddNode{ID: "n1"}, drained[1])
	assert.Equal(t, CancelJob{JobID: "j1"}, drained[2])
}

func TestTryPostFailsWhenFull(t *testing.T) {
	b := New(1)
	assert.True(t, b.TryPost(RemoveNode{ID: "n1"}))
	assert.False(t, b.TryPost(RemoveNode{ID: "n2"}))
	assert.Equal(t, 1, b.Len())
}

func TestDrainOnEmptyBusReturnsNil(t *testing.T) {
	b := New(4)
	assert.Empty(t, b.Drain())
}
