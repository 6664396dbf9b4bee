package storage

import (
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPipeLifecycle(t *testing.T) {
	store := newTestStore(t)

	pipe := &types.Pipe{
		Name:      "orders-to-lake",
		Status:    types.PipeStatusStopped,
		Extractor: map[string]string{"source": "iotdb"},
		Connector: map[string]string{"sink": "s3"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.CreatePipe(pipe))

	got, err := store.GetPipe("orders-to-lake")
	require.NoError(t, err)
	assert.Equal(t, types.PipeStatusStopped, got.Status)
	assert.True(t, got.SameDefinition(pipe))

	got.Status = types.PipeStatusRunning
	require.NoError(t, store.UpdatePipe(got))

	pipes, err := store.ListPipes()
	require.NoError(t, err)
	require.Len(t, pipes, 1)
	assert.Equal(t, types.PipeStatusRunning, pipes[0].Status)

	require.NoError(t, store.DeletePipe("orders-to-lake"))
	_, err = store.GetPipe("orders-to-lake")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestNodeLifecycle(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"worker-1", "worker-2"} {
		require.NoError(t, store.CreateNode(&types.Node{
			ID:     id,
			Role:   types.NodeRoleWorker,
			Status: types.NodeStatusReady,
		}))
	}

	node, err := store.GetNode("worker-2")
	require.NoError(t, err)
	node.Status = types.NodeStatusDown
	require.NoError(t, store.UpdateNode(node))

	nodes, err := store.ListNodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, types.NodeStatusDown, nodes[1].Status)

	require.NoError(t, store.DeleteNode("worker-1"))
	_, err = store.GetNode("worker-1")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.CreatePipe(&types.Pipe{Name: "p1", Status: types.PipeStatusRunning}))
	require.NoError(t, store.Close())

	reopened, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	pipe, err := reopened.GetPipe("p1")
	require.NoError(t, err)
	assert.Equal(t, types.PipeStatusRunning, pipe.Status)
}
