package reconciler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/fanout"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

type fakeCluster struct {
	mu      sync.Mutex
	leader  bool
	nodes   map[string]*types.Node
	pipes   map[string]*types.Pipe
	updates []string
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{
		leader: true,
		nodes:  make(map[string]*types.Node),
		pipes:  make(map[string]*types.Pipe),
	}
}

func (c *fakeCluster) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

func (c *fakeCluster) ListNodes() ([]*types.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		cp := *n
		out = append(out, &cp)
	}
	return out, nil
}

func (c *fakeCluster) GetNode(id string) (*types.Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, types.ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (c *fakeCluster) UpdateNode(ctx context.Context, node *types.Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *node
	c.nodes[node.ID] = &cp
	c.updates = append(c.updates, node.ID+"="+string(node.Status))
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

func (c *fakeCluster) ListPipes() ([]*types.Pipe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Pipe, 0, len(c.pipes))
	for _, p := range c.pipes {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (c *fakeCluster) addNode(id string, status types.NodeStatus, heartbeat time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[id] = &types.Node{ID: id, Address: id + ":7950", Status: status, LastHeartbeat: heartbeat}
}

func (c *fakeCluster) node(id string) *types.Node {
	n, _ := c.GetNode(id)
	return n
}

type fakePusher struct {
	mu     sync.Mutex
	fail   map[string]bool
	pushed []string
	last   *types.Pipe
}

func (f *fakePusher) Push(ctx context.Context, nodes []*types.Node, meta *structpb.Struct) map[string]error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := fanout.PipeFromMeta(meta)
	if err != nil {
		panic(err)
	}
	f.last = p
	out := make(map[string]error)
	for _, n := range nodes {
		if f.fail[n.ID] {
			out[n.ID] = context.DeadlineExceeded
			continue
		}
		f.pushed = append(f.pushed, n.ID+":"+p.Name+":"+string(p.Status))
	}
	return out
}

func (f *fakePusher) Pushed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pushed...)
}

type eventLog struct {
	mu  sync.Mutex
	evs []*events.Event
}

func (e *eventLog) Publish(ev *events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func (e *eventLog) count(t events.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.evs {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func newTestReconciler(c *fakeCluster, p *fakePusher, ev *eventLog) *Reconciler {
	var pub EventPublisher
	if ev != nil {
		pub = ev
	}
	return NewReconciler(Config{
		Interval:         time.Hour,
		HeartbeatTimeout: 30 * time.Second,
		ResyncPerSecond:  1000,
	}, c, p, pub)
}

func TestReconcileMarksSilentNodesDown(t *testing.T) {
	c := newFakeCluster()
	c.addNode("fresh", types.NodeStatusReady, time.Now())
	c.addNode("silent", types.NodeStatusReady, time.Now().Add(-time.Minute))
	c.addNode("gone", types.NodeStatusDown, time.Now().Add(-time.Hour))
	ev := &eventLog{}

	r := newTestReconciler(c, &fakePusher{}, ev)
	require.NoError(t, r.Reconcile(context.Background()))

	assert.Equal(t, types.NodeStatusReady, c.node("fresh").Status)
	assert.Equal(t, types.NodeStatusDown, c.node("silent").Status)
	assert.Equal(t, []string{"silent=down"}, c.updates)
	assert.Equal(t, 1, ev.count(events.EventNodeDown))

	// already down nodes are not updated again
	require.NoError(t, r.Reconcile(context.Background()))
	assert.Len(t, c.updates, 1)
}

func TestReconcileOnlyOnLeader(t *testing.T) {
	c := newFakeCluster()
	c.leader = false
	c.addNode("silent", types.NodeStatusReady, time.Now().Add(-time.Minute))

	r := newTestReconciler(c, &fakePusher{}, nil)
	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, types.NodeStatusReady, c.node("silent").Status)
}

func TestResyncStragglers(t *testing.T) {
	c := newFakeCluster()
	c.addNode("n1", types.NodeStatusReady, time.Now())
	c.addNode("n2", types.NodeStatusDown, time.Now().Add(-time.Hour))
	c.pipes["orders"] = &types.Pipe{Name: "orders", Status: types.PipeStatusRunning}
	p := &fakePusher{}
	ev := &eventLog{}

	r := newTestReconciler(c, p, ev)
	r.AddStragglers("pipe/orders", []string{"n1", "n2"})
	r.AddStragglers("pipe/legacy", []string{"n1"})
	r.AddStragglers("pipe/orders", nil)

	require.NoError(t, r.Reconcile(context.Background()))

	// n2 is still down and stays pending; legacy was dropped meanwhile
	assert.ElementsMatch(t, []string{"n1:orders:running", "n1:legacy:dropped"}, p.Pushed())
	assert.Equal(t, map[string][]string{"pipe/orders": {"n2"}}, r.Pending())
	assert.Equal(t, 2, ev.count(events.EventPipeResynced))

	c.addNode("n2", types.NodeStatusReady, time.Now())
	require.NoError(t, r.Reconcile(context.Background()))
	assert.Empty(t, r.Pending())
	assert.Contains(t, p.Pushed(), "n2:orders:running")
}

func TestResyncKeepsFailedPushes(t *testing.T) {
	c := newFakeCluster()
	c.addNode("n1", types.NodeStatusReady, time.Now())
	c.pipes["orders"] = &types.Pipe{Name: "orders", Status: types.PipeStatusStopped}
	p := &fakePusher{fail: map[string]bool{"n1": true}}

	r := newTestReconciler(c, p, nil)
	r.AddStragglers("pipe/orders", []string{"n1"})
	require.NoError(t, r.Reconcile(context.Background()))
	assert.Equal(t, map[string][]string{"pipe/orders": {"n1"}}, r.Pending())

	p.mu.Lock()
	p.fail = nil
	p.mu.Unlock()
	require.NoError(t, r.Reconcile(context.Background()))
	assert.Empty(t, r.Pending())
}

func TestResyncWithoutEventPublisher(t *testing.T) {
	c := newFakeCluster()
	c.addNode("n1", types.NodeStatusReady, time.Now())
	c.addNode("silent", types.NodeStatusReady, time.Now().Add(-time.Minute))
	c.pipes["orders"] = &types.Pipe{Name: "orders", Status: types.PipeStatusRunning}
	p := &fakePusher{}

	r := NewReconciler(Config{Interval: time.Hour, ResyncPerSecond: 1000}, c, p, nil)
	r.AddStragglers("pipe/orders", []string{"n1"})
	require.NoError(t, r.Reconcile(context.Background()))

	assert.Empty(t, r.Pending())
	assert.Equal(t, types.NodeStatusDown, c.node("silent").Status)
}

func TestResyncTombstoneIsStamped(t *testing.T) {
	c := newFakeCluster()
	c.addNode("n1", types.NodeStatusReady, time.Now())
	p := &fakePusher{}

	r := newTestReconciler(c, p, &eventLog{})
	r.AddStragglers("pipe/orders", []string{"n1"})

	before := time.Now()
	require.NoError(t, r.Reconcile(context.Background()))

	require.NotNil(t, p.last)
	assert.Equal(t, types.PipeStatusDropped, p.last.Status)
	assert.False(t, p.last.UpdatedAt.Before(before), "tombstone is stamped after the pipe was found missing")
}

func TestResyncForgetsRemovedNodes(t *testing.T) {
	c := newFakeCluster()
	r := newTestReconciler(c, &fakePusher{}, nil)
	r.AddStragglers("pipe/orders", []string{"ghost"})

	require.NoError(t, r.Reconcile(context.Background()))
	assert.Empty(t, r.Pending())
}

func TestResyncNode(t *testing.T) {
	c := newFakeCluster()
	c.pipes["a"] = &types.Pipe{Name: "a"}
	c.pipes["b"] = &types.Pipe{Name: "b"}

	r := newTestReconciler(c, &fakePusher{}, nil)
	require.NoError(t, r.ResyncNode("n1"))
	assert.Equal(t, map[string][]string{
		"pipe/a": {"n1"},
		"pipe/b": {"n1"},
	}, r.Pending())
}

func TestStartStop(t *testing.T) {
	r := NewReconciler(Config{Interval: 10 * time.Millisecond}, newFakeCluster(), &fakePusher{}, nil)
	r.Start()
	time.Sleep(30 * time.Millisecond)
	r.Stop()
	r.Stop()
}
