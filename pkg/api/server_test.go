package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/pipe"
	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/cuemby/burrow/pkg/procstore"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

// recordingPusher records pushed pipe names per node. When gate is set,
// every push blocks until it is closed.
type recordingPusher struct {
	mu     sync.Mutex
	pushes map[string][]string
	gate   chan struct{}
}

func (p *recordingPusher) Push(ctx context.Context, nodes []*types.Node, meta *structpb.Struct) map[string]error {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushes == nil {
		p.pushes = make(map[string][]string)
	}
	name := meta.GetFields()["name"].GetStringValue()
	for _, n := range nodes {
		p.pushes[n.ID] = append(p.pushes[n.ID], name)
	}
	return nil
}

func (p *recordingPusher) pushed(nodeID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.pushes[nodeID]...)
}

type recordingResyncer struct {
	mu    sync.Mutex
	nodes []string
}

func (r *recordingResyncer) ResyncNode(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes = append(r.nodes, id)
	return nil
}

func (r *recordingResyncer) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.nodes...)
}

type testEnv struct {
	mgr    *manager.Manager
	exec   *procedure.Executor
	pusher *recordingPusher
	resync *recordingResyncer
	server *Server
	http   *httptest.Server
	client *client.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "manager-1",
		DataDir:  t.TempDir(),
		InMemory: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })
	require.NoError(t, mgr.Bootstrap())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, mgr.WaitForLeader(ctx))
	require.Eventually(t, mgr.IsLeader, 5*time.Second, 10*time.Millisecond)

	env := &testEnv{
		mgr:    mgr,
		pusher: &recordingPusher{},
		resync: &recordingResyncer{},
	}

	cat := procedure.NewCatalogue()
	pipe.RegisterAll(cat, pipe.Deps{Gateway: mgr, Metadata: mgr, Fanout: env.pusher})

	cfg := procedure.DefaultConfig()
	cfg.RetryBackoff = time.Millisecond
	cfg.MaxRetryBackoff = 5 * time.Millisecond
	exec, err := procedure.NewExecutor(cfg, procedure.Deps{
		Store:     procstore.NewMemStore(),
		Locks:     lock.NewManager(),
		Catalogue: cat,
		Events:    mgr.GetEventBroker(),
	})
	require.NoError(t, err)
	exec.Start()
	t.Cleanup(exec.Stop)
	env.exec = exec

	env.server = NewServer(mgr, exec, env.resync)
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(env.http.Close)

	env.client, err = client.NewClient(env.http.URL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.client.Close() })
	return env
}

func (e *testEnv) registerWorker(t *testing.T, id string) *types.Node {
	t.Helper()
	ctx := context.Background()
	tok, err := e.client.CreateJoinToken(ctx, types.NodeRoleWorker, time.Minute)
	require.NoError(t, err)
	node, err := e.client.RegisterNode(ctx, &types.Node{ID: id, Address: id + ":7070"}, tok.Token)
	require.NoError(t, err)
	return node
}

func (e *testEnv) wait(t *testing.T, id uint64) *procedure.Outcome {
	t.Helper()
	out, err := e.client.WaitProcedure(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	return out
}

func apiStatus(t *testing.T, err error) int {
	t.Helper()
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr), "expected an API error, got %v", err)
	return apiErr.StatusCode
}

func TestPipeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerWorker(t, "worker-1")

	id, err := env.client.CreatePipe(ctx, &types.Pipe{
		Name:      "orders",
		Extractor: map[string]string{"source": "iotdb"},
	})
	require.NoError(t, err)
	out := env.wait(t, id)
	assert.Equal(t, procedure.Succeeded, out.State)

	p, err := env.client.GetPipe(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, types.PipeStatusStopped, p.Status)
	assert.Equal(t, []string{"orders"}, env.pusher.pushed("worker-1"))

	id, err = env.client.StartPipe(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, procedure.Succeeded, env.wait(t, id).State)
	p, err = env.client.GetPipe(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, types.PipeStatusRunning, p.Status)

	id, err = env.client.StopPipe(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, procedure.Succeeded, env.wait(t, id).State)

	pipes, err := env.client.ListPipes(ctx)
	require.NoError(t, err)
	require.Len(t, pipes, 1)

	id, err = env.client.DropPipe(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, procedure.Succeeded, env.wait(t, id).State)

	_, err = env.client.GetPipe(ctx, "orders")
	assert.ErrorIs(t, err, types.ErrNotFound)

	history, err := env.client.ListProcedures(ctx, pipe.ResourceKey("orders"), false)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i := 1; i < len(history); i++ {
		assert.Less(t, history[i-1].ID, history[i].ID)
	}
	active, err := env.client.ListProcedures(ctx, "", true)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStartMissingPipeFails(t *testing.T) {
	env := newTestEnv(t)

	id, err := env.client.StartPipe(context.Background(), "ghost")
	require.NoError(t, err)
	out := env.wait(t, id)
	assert.Equal(t, procedure.Failed, out.State)
	assert.NotEmpty(t, out.Reason)
}

func TestSubmitRejections(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		typ     string
		payload string
		status  int
	}{
		{"unknown type", "resize_pipe", `{"name":"a"}`, http.StatusBadRequest},
		{"missing type", "", `{}`, http.StatusBadRequest},
		{"invalid name", string(pipe.TypeCreate), `{"name":"no spaces allowed"}`, http.StatusBadRequest},
		{"malformed payload", string(pipe.TypeDrop), `[1,2]`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.client.SubmitProcedure(ctx, tt.typ, []byte(tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.status, apiStatus(t, err))
		})
	}
}

func TestGetUnknownProcedure(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.client.GetProcedure(context.Background(), 9999)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestWaitTimesOut(t *testing.T) {
	env := newTestEnv(t)
	env.registerWorker(t, "worker-1")
	env.pusher.gate = make(chan struct{})
	defer close(env.pusher.gate)

	id, err := env.client.CreatePipe(context.Background(), &types.Pipe{Name: "slow"})
	require.NoError(t, err)

	_, err = env.client.WaitProcedure(context.Background(), id, 50*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, http.StatusGatewayTimeout, apiStatus(t, err))

	st, err := env.client.GetProcedure(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, procedure.Pending, st.Outcome.State)
}

func TestRegisterNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.client.RegisterNode(ctx, &types.Node{ID: "w1", Address: "w1:7070"}, "bogus")
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, apiStatus(t, err))

	mgrTok, err := env.client.CreateJoinToken(ctx, types.NodeRoleManager, time.Minute)
	require.NoError(t, err)
	_, err = env.client.RegisterNode(ctx, &types.Node{ID: "w1", Address: "w1:7070"}, mgrTok.Token)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apiStatus(t, err))

	node := env.registerWorker(t, "w1")
	assert.Equal(t, types.NodeStatusReady, node.Status)
	assert.Equal(t, types.NodeRoleWorker, node.Role)
	assert.Equal(t, []string{"w1"}, env.resync.calls())

	nodes, err := env.client.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "w1", nodes[0].ID)
}

func TestHeartbeatRevivesDownNode(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.registerWorker(t, "w1")

	// an ordinary heartbeat does not trigger a resync
	require.NoError(t, env.client.Heartbeat(ctx, "w1"))
	assert.Equal(t, []string{"w1"}, env.resync.calls())

	node, err := env.mgr.GetNode("w1")
	require.NoError(t, err)
	node.Status = types.NodeStatusDown
	require.NoError(t, env.mgr.UpdateNode(ctx, node))

	require.NoError(t, env.client.Heartbeat(ctx, "w1"))
	node, err = env.mgr.GetNode("w1")
	require.NoError(t, err)
	assert.Equal(t, types.NodeStatusReady, node.Status)
	assert.Equal(t, []string{"w1", "w1"}, env.resync.calls())

	err = env.client.Heartbeat(ctx, "unknown")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestClusterInfo(t *testing.T) {
	env := newTestEnv(t)

	info, err := env.client.ClusterInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "manager-1", info.NodeID)
	assert.True(t, info.IsLeader)
	require.Len(t, info.Servers, 1)
	assert.True(t, info.Servers[0].Voter)
	assert.True(t, info.Servers[0].Leader)
	assert.NotZero(t, info.AppliedIndex)
}

func TestJoinClusterRequiresManagerToken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	tok, err := env.client.CreateJoinToken(ctx, types.NodeRoleWorker, time.Minute)
	require.NoError(t, err)
	err = env.client.JoinCluster(ctx, "manager-2", "127.0.0.1:7947", tok.Token)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apiStatus(t, err))
}

func TestReadOnly(t *testing.T) {
	env := newTestEnv(t)
	ro := httptest.NewServer(ReadOnly(env.server.Handler()))
	defer ro.Close()

	c, err := client.NewClient(ro.URL)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = c.ListPipes(ctx)
	assert.NoError(t, err)

	_, err = c.CreatePipe(ctx, &types.Pipe{Name: "orders"})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, apiStatus(t, err))
}

func TestHealthRoutes(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/live", "/leader", "/metrics"} {
		resp, err := http.Get(env.http.URL + path)
		require.NoError(t, err, path)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(env.http.URL + "/v1/nowhere")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
