package manager

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, id string) *Manager {
	t.Helper()
	mgr, err := NewManager(&Config{
		NodeID:   id,
		DataDir:  t.TempDir(),
		InMemory: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })
	return mgr
}

func newLeader(t *testing.T) *Manager {
	t.Helper()
	mgr := newTestManager(t, "manager-1")
	require.NoError(t, mgr.Bootstrap())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.WaitForLeader(ctx))
	require.Eventually(t, mgr.IsLeader, 5*time.Second, 10*time.Millisecond)
	return mgr
}

func writeCommand(ctx context.Context, m *Manager, op string, v interface{}) error {
	cmd, err := types.NewCommand(op, v)
	if err != nil {
		return err
	}
	return m.Write(ctx, cmd)
}

func createPipe(ctx context.Context, m *Manager, pipe *types.Pipe) error {
	return writeCommand(ctx, m, types.OpCreatePipe, pipe)
}

func setPipeStatus(ctx context.Context, m *Manager, name string, status types.PipeStatus) error {
	return writeCommand(ctx, m, types.OpSetPipeStatus, types.SetPipeStatus{Name: name, Status: status})
}

func dropPipe(ctx context.Context, m *Manager, name string) error {
	return writeCommand(ctx, m, types.OpDropPipe, name)
}

func TestWritePipeLifecycle(t *testing.T) {
	mgr := newLeader(t)
	ctx := context.Background()

	pipe := &types.Pipe{
		Name:      "orders-to-lake",
		Extractor: map[string]string{"source": "iotdb"},
	}
	require.NoError(t, createPipe(ctx, mgr, pipe))

	got, err := mgr.GetPipe("orders-to-lake")
	require.NoError(t, err)
	assert.Equal(t, types.PipeStatusStopped, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, setPipeStatus(ctx, mgr, "orders-to-lake", types.PipeStatusRunning))
	got, err = mgr.GetPipe("orders-to-lake")
	require.NoError(t, err)
	assert.Equal(t, types.PipeStatusRunning, got.Status)

	require.NoError(t, dropPipe(ctx, mgr, "orders-to-lake"))
	_, err = mgr.GetPipe("orders-to-lake")
	assert.ErrorIs(t, err, types.ErrNotFound)

	// dropping again converges
	assert.NoError(t, dropPipe(ctx, mgr, "orders-to-lake"))
}

func TestWriteCreatePipeConflicts(t *testing.T) {
	mgr := newLeader(t)
	ctx := context.Background()

	pipe := &types.Pipe{Name: "p", Connector: map[string]string{"sink": "kafka"}}
	require.NoError(t, createPipe(ctx, mgr, pipe))

	// identical definition is a no-op
	require.NoError(t, createPipe(ctx, mgr, &types.Pipe{Name: "p", Connector: map[string]string{"sink": "kafka"}}))

	err := createPipe(ctx, mgr, &types.Pipe{Name: "p", Connector: map[string]string{"sink": "s3"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPipeExists)
	assert.False(t, errors.Is(err, types.ErrTransient))
}

func TestWriteSetStatusOfMissingPipe(t *testing.T) {
	mgr := newLeader(t)

	err := setPipeStatus(context.Background(), mgr, "ghost", types.PipeStatusRunning)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestWriteNodes(t *testing.T) {
	mgr := newLeader(t)
	ctx := context.Background()

	node := &types.Node{ID: "worker-1", Role: types.NodeRoleWorker, Address: "127.0.0.1:9000", Status: types.NodeStatusReady}
	require.NoError(t, mgr.CreateNode(ctx, node))

	node.Status = types.NodeStatusDown
	require.NoError(t, mgr.UpdateNode(ctx, node))

	got, err := mgr.GetNode("worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusDown, got.Status)

	assert.ErrorIs(t, mgr.UpdateNode(ctx, &types.Node{ID: "worker-9"}), types.ErrNotFound)

	require.NoError(t, mgr.DeleteNode(ctx, "worker-1"))
	nodes, err := mgr.ListNodes()
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestWriteHonoursContext(t *testing.T) {
	mgr := newLeader(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := createPipe(ctx, mgr, &types.Pipe{Name: "p"})
	assert.ErrorIs(t, err, context.Canceled)

	_, err = mgr.GetPipe("p")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestWriteBeforeRaftStarted(t *testing.T) {
	mgr := newTestManager(t, "manager-1")
	err := createPipe(context.Background(), mgr, &types.Pipe{Name: "p"})
	assert.Error(t, err)
}

func TestWriteOnFollowerIsTransient(t *testing.T) {
	leader := newLeader(t)
	follower := newTestManager(t, "manager-2")
	_, err := follower.startRaft()
	require.NoError(t, err)

	connect(leader, follower)
	require.NoError(t, leader.AddVoter("manager-2", follower.RaftAddr()))

	require.NoError(t, createPipe(context.Background(), leader, &types.Pipe{Name: "replicated"}))
	require.Eventually(t, func() bool {
		_, err := follower.GetPipe("replicated")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	err = createPipe(context.Background(), follower, &types.Pipe{Name: "from-follower"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.ErrorContains(t, err, raft.ErrNotLeader.Error())

	servers, err := leader.GetClusterServers()
	require.NoError(t, err)
	assert.Len(t, servers, 2)
}

func TestClassifyApplyError(t *testing.T) {
	transient := []error{
		raft.ErrNotLeader,
		raft.ErrLeadershipLost,
		raft.ErrLeadershipTransferInProgress,
		raft.ErrEnqueueTimeout,
		fmt.Errorf("wrapped: %w", raft.ErrNotLeader),
	}
	for _, err := range transient {
		assert.ErrorIs(t, classifyApplyError("create_pipe", err), types.ErrTransient, err.Error())
	}

	err := classifyApplyError("create_pipe", raft.ErrRaftShutdown)
	assert.False(t, errors.Is(err, types.ErrTransient))
	assert.ErrorIs(t, err, raft.ErrRaftShutdown)
}

func TestRaftStats(t *testing.T) {
	mgr := newLeader(t)
	stats := mgr.GetRaftStats()
	assert.Equal(t, "Leader", stats["state"])
	assert.Equal(t, uint64(1), stats["peers"])
}

// connect wires the in-memory transports of the given managers together
func connect(managers ...*Manager) {
	for _, a := range managers {
		for _, b := range managers {
			if a == b {
				continue
			}
			a.transport.(*raft.InmemTransport).Connect(b.transport.LocalAddr(), b.transport)
		}
	}
}
