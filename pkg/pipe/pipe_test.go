package pipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/fanout"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/cuemby/burrow/pkg/procstore"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

// fakeCluster applies commands to an in-memory pipe table
type fakeCluster struct {
	mu     sync.Mutex
	pipes  map[string]*types.Pipe
	nodes  []*types.Node
	writes []string

	// failOnce fails the next write of an op; applyFirst applies it
	// before failing
	failOnce   map[string]error
	applyFirst bool
}

func newFakeCluster(nodes ...*types.Node) *fakeCluster {
	return &fakeCluster{
		pipes:    make(map[string]*types.Pipe),
		nodes:    nodes,
		failOnce: make(map[string]error),
	}
}

func (c *fakeCluster) Write(ctx context.Context, cmd types.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, cmd.Op)

	err, fail := c.failOnce[cmd.Op]
	if fail {
		delete(c.failOnce, cmd.Op)
		if !c.applyFirst {
			return err
		}
	}
	if applyErr := c.apply(cmd); applyErr != nil {
		return applyErr
	}
	return err
}

func (c *fakeCluster) apply(cmd types.Command) error {
	switch cmd.Op {
	case types.OpCreatePipe:
		var p types.Pipe
		if err := json.Unmarshal(cmd.Data, &p); err != nil {
			return err
		}
		if cur, ok := c.pipes[p.Name]; ok && !cur.SameDefinition(&p) {
			return fmt.Errorf("pipe %s exists", p.Name)
		}
		if p.Status == "" {
			p.Status = types.PipeStatusStopped
		}
		c.pipes[p.Name] = &p
	case types.OpSetPipeStatus:
		var req types.SetPipeStatus
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		p, ok := c.pipes[req.Name]
		if !ok {
			return types.ErrNotFound
		}
		p.Status = req.Status
	case types.OpDropPipe:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		delete(c.pipes, name)
	}
	return nil
}

func (c *fakeCluster) GetPipe(name string) (*types.Pipe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pipes[name]
	if !ok {
		return nil, fmt.Errorf("pipe %s: %w", name, types.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (c *fakeCluster) ListNodes() ([]*types.Node, error) {
	return c.nodes, nil
}

func (c *fakeCluster) put(p types.Pipe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pipes[p.Name] = &p
}

func (c *fakeCluster) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

type push struct {
	node string
	pipe *types.Pipe
}

type fakePusher struct {
	mu       sync.Mutex
	failures map[string]error
	pushes   []push
}

func (f *fakePusher) Push(ctx context.Context, nodes []*types.Node, meta *structpb.Struct) map[string]error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, err := fanout.PipeFromMeta(meta)
	if err != nil {
		panic(err)
	}
	out := make(map[string]error)
	for _, n := range nodes {
		if err, ok := f.failures[n.ID]; ok {
			out[n.ID] = err
			continue
		}
		f.pushes = append(f.pushes, push{node: n.ID, pipe: p})
	}
	return out
}

func (f *fakePusher) Pushes() []push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]push(nil), f.pushes...)
}

type rig struct {
	cluster *fakeCluster
	pusher  *fakePusher
	deps    Deps
	exec    *procedure.Executor
}

func readyNodes(ids ...string) []*types.Node {
	nodes := make([]*types.Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, &types.Node{
			ID:      id,
			Role:    types.NodeRoleWorker,
			Address: id + ":7950",
			Status:  types.NodeStatusReady,
		})
	}
	return nodes
}

func newRig(t *testing.T, nodes ...*types.Node) *rig {
	t.Helper()
	r := &rig{
		cluster: newFakeCluster(nodes...),
		pusher:  &fakePusher{failures: make(map[string]error)},
	}
	r.deps = Deps{Gateway: r.cluster, Metadata: r.cluster, Fanout: r.pusher}

	cat := procedure.NewCatalogue()
	RegisterAll(cat, r.deps)

	cfg := procedure.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxRetryBackoff = 5 * time.Millisecond
	cfg.CompactInterval = 0

	exec, err := procedure.NewExecutor(cfg, procedure.Deps{
		Store:     procstore.NewMemStore(),
		Locks:     lock.NewManager(),
		Catalogue: cat,
	})
	require.NoError(t, err)
	exec.Start()
	t.Cleanup(exec.Stop)
	r.exec = exec
	return r
}

func (r *rig) run(t *testing.T, op procedure.Operation) procedure.Outcome {
	t.Helper()
	id, err := r.exec.Submit(op)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := r.exec.AwaitResult(ctx, id)
	require.NoError(t, err)
	return out
}

func ordersPipe() types.Pipe {
	return types.Pipe{
		Name:      "orders",
		Extractor: map[string]string{"plugin": "mysql"},
		Connector: map[string]string{"plugin": "kafka"},
	}
}

func TestCreatePipe(t *testing.T) {
	nodes := readyNodes("n1", "n2")
	nodes = append(nodes, &types.Node{ID: "n3", Address: "n3:7950", Status: types.NodeStatusDown})
	r := newRig(t, nodes...)

	out := r.run(t, NewCreatePipe(r.deps, ordersPipe()))
	assert.Equal(t, procedure.Succeeded, out.State)

	p, err := r.cluster.GetPipe("orders")
	require.NoError(t, err)
	assert.Equal(t, types.PipeStatusStopped, p.Status)

	pushes := r.pusher.Pushes()
	require.Len(t, pushes, 2, "down nodes are not targeted")
	assert.Equal(t, "n1", pushes[0].node)
	assert.Equal(t, "n2", pushes[1].node)
	assert.Equal(t, "orders", pushes[0].pipe.Name)
}

func TestCreatePipeIdenticalIsSkipped(t *testing.T) {
	r := newRig(t, readyNodes("n1")...)
	r.cluster.put(func() types.Pipe { p := ordersPipe(); p.Status = types.PipeStatusRunning; return p }())

	out := r.run(t, NewCreatePipe(r.deps, ordersPipe()))
	assert.Equal(t, procedure.Succeeded, out.State)
	assert.True(t, out.Skipped)
	assert.Empty(t, r.cluster.Writes())
	assert.Empty(t, r.pusher.Pushes())
}

func TestCreatePipeConflictFails(t *testing.T) {
	r := newRig(t)
	r.cluster.put(types.Pipe{Name: "orders", Status: types.PipeStatusStopped, Extractor: map[string]string{"plugin": "pg"}})

	out := r.run(t, NewCreatePipe(r.deps, ordersPipe()))
	assert.Equal(t, procedure.Failed, out.State)
	assert.Contains(t, out.Reason, "different definition")
	assert.Empty(t, r.cluster.Writes())
}

func TestCreatePipeCommitFailureRollsBack(t *testing.T) {
	r := newRig(t)
	r.cluster.applyFirst = true
	r.cluster.failOnce[types.OpCreatePipe] = errors.New("apply acknowledged too late")

	out := r.run(t, NewCreatePipe(r.deps, ordersPipe()))
	assert.Equal(t, procedure.RolledBack, out.State)
	assert.Equal(t, []string{types.OpCreatePipe, types.OpDropPipe}, r.cluster.Writes())

	_, err := r.cluster.GetPipe("orders")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestStopPipe(t *testing.T) {
	tests := []struct {
		name       string
		status     types.PipeStatus
		nodeFail   map[string]error
		commitFail error
		state      procedure.OutcomeState
		skipped    bool
		failures   []string
		final      types.PipeStatus
		writes     []string
	}{
		{
			name:    "already stopped",
			status:  types.PipeStatusStopped,
			state:   procedure.Succeeded,
			skipped: true,
			final:   types.PipeStatusStopped,
		},
		{
			name:     "one node times out",
			status:   types.PipeStatusRunning,
			nodeFail: map[string]error{"n2": context.DeadlineExceeded},
			state:    procedure.Succeeded,
			failures: []string{"n2"},
			final:    types.PipeStatusStopped,
			writes:   []string{types.OpSetPipeStatus},
		},
		{
			name:       "commit fails",
			status:     types.PipeStatusRunning,
			commitFail: errors.New("state machine rejected command"),
			state:      procedure.RolledBack,
			final:      types.PipeStatusRunning,
			writes:     []string{types.OpSetPipeStatus, types.OpSetPipeStatus},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, readyNodes("n1", "n2", "n3")...)
			p := ordersPipe()
			p.Status = tt.status
			r.cluster.put(p)
			for node, err := range tt.nodeFail {
				r.pusher.failures[node] = err
			}
			if tt.commitFail != nil {
				r.cluster.failOnce[types.OpSetPipeStatus] = tt.commitFail
			}

			out := r.run(t, NewStopPipe(r.deps, "orders"))

			assert.Equal(t, tt.state, out.State)
			assert.Equal(t, tt.skipped, out.Skipped)
			assert.Len(t, out.PropagationFailures, len(tt.failures))
			for _, node := range tt.failures {
				assert.Contains(t, out.PropagationFailures, node)
			}
			assert.Equal(t, tt.writes, r.cluster.Writes())
			if tt.commitFail != nil {
				// the original commit error is the outcome reason
				assert.Contains(t, out.Reason, tt.commitFail.Error())
				assert.False(t, out.NeedsOperator)
			}

			got, err := r.cluster.GetPipe("orders")
			require.NoError(t, err)
			assert.Equal(t, tt.final, got.Status)
		})
	}
}

func TestStartPipe(t *testing.T) {
	r := newRig(t, readyNodes("n1")...)
	r.cluster.put(ordersPipe())

	out := r.run(t, NewStartPipe(r.deps, "orders"))
	assert.Equal(t, procedure.Succeeded, out.State)

	got, err := r.cluster.GetPipe("orders")
	require.NoError(t, err)
	assert.Equal(t, types.PipeStatusRunning, got.Status)

	pushes := r.pusher.Pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, types.PipeStatusRunning, pushes[0].pipe.Status)
}

func TestStartPipeMissingFails(t *testing.T) {
	r := newRig(t)
	out := r.run(t, NewStartPipe(r.deps, "orders"))
	assert.Equal(t, procedure.Failed, out.State)
	assert.Contains(t, out.Reason, "does not exist")
}

func TestTransientWriteIsRetried(t *testing.T) {
	r := newRig(t)
	r.cluster.put(ordersPipe())
	r.cluster.failOnce[types.OpSetPipeStatus] = fmt.Errorf("no leader: %w", types.ErrTransient)

	out := r.run(t, NewStartPipe(r.deps, "orders"))
	assert.Equal(t, procedure.Succeeded, out.State)
	assert.Equal(t, []string{types.OpSetPipeStatus, types.OpSetPipeStatus}, r.cluster.Writes())
}

func TestDropPipe(t *testing.T) {
	r := newRig(t, readyNodes("n1", "n2")...)
	r.cluster.put(ordersPipe())

	out := r.run(t, NewDropPipe(r.deps, "orders"))
	assert.Equal(t, procedure.Succeeded, out.State)

	_, err := r.cluster.GetPipe("orders")
	assert.ErrorIs(t, err, types.ErrNotFound)

	pushes := r.pusher.Pushes()
	require.Len(t, pushes, 2)
	for _, p := range pushes {
		assert.Equal(t, types.PipeStatusDropped, p.pipe.Status)
	}
}

func TestDropPipeTombstoneIsNewerThanPipe(t *testing.T) {
	r := newRig(t, readyNodes("n1")...)
	committed := ordersPipe()
	committed.Status = types.PipeStatusRunning
	committed.UpdatedAt = time.Now().Add(-time.Second)
	r.cluster.put(committed)

	before := time.Now()
	out := r.run(t, NewDropPipe(r.deps, "orders"))
	require.Equal(t, procedure.Succeeded, out.State)

	pushes := r.pusher.Pushes()
	require.Len(t, pushes, 1)
	tomb := pushes[0].pipe
	assert.Equal(t, types.PipeStatusDropped, tomb.Status)
	assert.False(t, tomb.UpdatedAt.Before(before), "tombstone is stamped at or after the drop commit")
	assert.True(t, tomb.UpdatedAt.After(committed.UpdatedAt))
}

func TestDropPipeMissingIsSkipped(t *testing.T) {
	r := newRig(t)
	out := r.run(t, NewDropPipe(r.deps, "orders"))
	assert.Equal(t, procedure.Succeeded, out.State)
	assert.True(t, out.Skipped)
	assert.Empty(t, r.cluster.Writes())
}

func TestDropPipeRollbackRestoresDefinition(t *testing.T) {
	r := newRig(t)
	p := ordersPipe()
	p.Status = types.PipeStatusRunning
	r.cluster.put(p)
	r.cluster.applyFirst = true
	r.cluster.failOnce[types.OpDropPipe] = errors.New("apply acknowledged too late")

	out := r.run(t, NewDropPipe(r.deps, "orders"))
	assert.Equal(t, procedure.RolledBack, out.State)
	assert.Equal(t, []string{types.OpDropPipe, types.OpCreatePipe}, r.cluster.Writes())

	got, err := r.cluster.GetPipe("orders")
	require.NoError(t, err)
	assert.True(t, got.SameDefinition(&p))
	assert.Equal(t, types.PipeStatusRunning, got.Status)
}

func TestDropPipeRollbackWithoutCapture(t *testing.T) {
	r := newRig(t)
	op := NewDropPipe(r.deps, "orders")

	// restarted while rolling back: the capture is gone and so is the pipe
	res := op.RollbackCommit(context.Background(), &procedure.Transient{})
	assert.Equal(t, procedure.ResultFatal, res.Kind)

	// the drop never happened, nothing to undo
	r.cluster.put(ordersPipe())
	res = op.RollbackCommit(context.Background(), &procedure.Transient{})
	assert.True(t, res.IsOK())
}

func TestCatalogueRebuildsOperations(t *testing.T) {
	r := newRig(t)
	cat := procedure.NewCatalogue()
	RegisterAll(cat, r.deps)

	for _, op := range []procedure.Operation{
		NewCreatePipe(r.deps, ordersPipe()),
		NewStartPipe(r.deps, "orders"),
		NewStopPipe(r.deps, "orders"),
		NewDropPipe(r.deps, "orders"),
	} {
		payload, err := op.Payload()
		require.NoError(t, err)

		rebuilt, err := cat.Build(op.Type(), payload)
		require.NoError(t, err)
		assert.Equal(t, op.ResourceKey(), rebuilt.ResourceKey())
		assert.Equal(t, "pipe/orders", rebuilt.ResourceKey())
	}

	_, err := cat.Build(TypeStop, []byte(`{"name":"bad/name"}`))
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestTargets(t *testing.T) {
	nodes := []*types.Node{
		{ID: "b", Address: "b:1", Status: types.NodeStatusReady},
		{ID: "a", Address: "a:1", Status: types.NodeStatusReady},
		{ID: "c", Status: types.NodeStatusReady},
		{ID: "d", Address: "d:1", Status: types.NodeStatusDraining},
	}
	got := Targets(nodes)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}
