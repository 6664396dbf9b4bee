package procedure

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/procstore"
	"github.com/stretchr/testify/require"
)

const fakeType Type = "fake"

// script controls how a fake operation behaves. Result lists are consumed
// in order and the last entry repeats; an empty list means OK.
type script struct {
	validate, prepare, commit         []Result
	rollbackValidate, rollbackPrepare []Result
	rollbackCommit                    []Result
	skip                              bool
	block                             chan struct{}
	targets                           []string
	failures                          map[string]error
	counters                          map[string]int
}

func (s *script) next(phase string, results []Result) Result {
	if s.counters == nil {
		s.counters = make(map[string]int)
	}
	i := s.counters[phase]
	s.counters[phase]++
	if len(results) == 0 {
		return OK()
	}
	if i >= len(results) {
		i = len(results) - 1
	}
	return results[i]
}

type fakeEnv struct {
	mu      sync.Mutex
	scripts map[string]*script
	calls   []string
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{scripts: make(map[string]*script)}
}

func (f *fakeEnv) script(name string) *script {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.scripts[name]
	if !ok {
		s = &script{}
		f.scripts[name] = s
	}
	return s
}

func (f *fakeEnv) record(name, phase string) *script {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name+":"+phase)
	s, ok := f.scripts[name]
	if !ok {
		s = &script{}
		f.scripts[name] = s
	}
	return s
}

func (f *fakeEnv) result(name, phase string, pick func(*script) []Result) Result {
	s := f.record(name, phase)
	f.mu.Lock()
	defer f.mu.Unlock()
	return s.next(phase, pick(s))
}

// Calls returns the calls made by the named operation, or every call
func (f *fakeEnv) Calls(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if name == "" || len(c) > len(name) && c[:len(name)+1] == name+":" {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeEnv) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeEnv) factory(payload []byte) (Operation, error) {
	op := &fakeOp{env: f}
	if err := json.Unmarshal(payload, op); err != nil {
		return nil, err
	}
	return op, nil
}

type fakeOp struct {
	env  *fakeEnv
	Name string `json:"name"`
	Key  string `json:"key"`
}

func (o *fakeOp) Type() Type               { return fakeType }
func (o *fakeOp) ResourceKey() string      { return o.Key }
func (o *fakeOp) Payload() ([]byte, error) { return json.Marshal(o) }

func (o *fakeOp) Validate(ctx context.Context, t *Transient) Result {
	res := o.env.result(o.Name, "validate", func(s *script) []Result { return s.validate })
	o.env.mu.Lock()
	t.SkipRemaining = o.env.scripts[o.Name].skip
	o.env.mu.Unlock()
	t.Put("validated", o.Name)
	return res
}

func (o *fakeOp) Prepare(ctx context.Context, t *Transient) Result {
	return o.env.result(o.Name, "prepare", func(s *script) []Result { return s.prepare })
}

func (o *fakeOp) Commit(ctx context.Context, t *Transient) Result {
	s := o.env.script(o.Name)
	o.env.mu.Lock()
	block := s.block
	o.env.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return Recoverable(ctx.Err())
		}
	}
	return o.env.result(o.Name, "commit", func(s *script) []Result { return s.commit })
}

func (o *fakeOp) RollbackCommit(ctx context.Context, t *Transient) Result {
	return o.env.result(o.Name, "rollback_commit", func(s *script) []Result { return s.rollbackCommit })
}

func (o *fakeOp) RollbackPrepare(ctx context.Context, t *Transient) Result {
	return o.env.result(o.Name, "rollback_prepare", func(s *script) []Result { return s.rollbackPrepare })
}

func (o *fakeOp) RollbackValidate(ctx context.Context, t *Transient) Result {
	return o.env.result(o.Name, "rollback_validate", func(s *script) []Result { return s.rollbackValidate })
}

func (o *fakeOp) Propagate(ctx context.Context, t *Transient) PropagationReport {
	s := o.env.record(o.Name, "propagate")
	o.env.mu.Lock()
	defer o.env.mu.Unlock()
	return PropagationReport{Targets: s.targets, Failures: s.failures}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recordingPublisher) Publish(ev *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingPublisher) Types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type recordingSink struct {
	mu    sync.Mutex
	nodes map[string][]string
}

func (r *recordingSink) AddStragglers(key string, nodes []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes == nil {
		r.nodes = make(map[string][]string)
	}
	r.nodes[key] = append(r.nodes[key], nodes...)
}

func (r *recordingSink) get(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.nodes[key]...)
}

type harness struct {
	env    *fakeEnv
	store  *procstore.MemStore
	locks  *lock.Manager
	events *recordingPublisher
	sink   *recordingSink
	exec   *Executor
}

func testConfig() Config {
	return Config{
		Workers:         4,
		PhaseTimeout:    5 * time.Second,
		MaxPhaseRetries: 3,
		RetryBackoff:    time.Millisecond,
		MaxRetryBackoff: 5 * time.Millisecond,
		ConflictPolicy:  ConflictQueue,
		ResultRetention: time.Minute,
	}
}

func newHarness(t *testing.T, cfg Config, store *procstore.MemStore, env *fakeEnv) *harness {
	t.Helper()
	if store == nil {
		store = procstore.NewMemStore()
	}
	if env == nil {
		env = newFakeEnv()
	}

	cat := NewCatalogue()
	cat.Register(fakeType, env.factory)

	h := &harness{
		env:    env,
		store:  store,
		locks:  lock.NewManager(),
		events: &recordingPublisher{},
		sink:   &recordingSink{},
	}
	exec, err := NewExecutor(cfg, Deps{
		Store:      store,
		Locks:      h.locks,
		Catalogue:  cat,
		Events:     h.events,
		Stragglers: h.sink,
	})
	require.NoError(t, err)
	h.exec = exec
	t.Cleanup(exec.Stop)
	return h
}

func (h *harness) op(name, key string) *fakeOp {
	return &fakeOp{env: h.env, Name: name, Key: key}
}

func (h *harness) submit(t *testing.T, name, key string) ID {
	t.Helper()
	id, err := h.exec.Submit(h.op(name, key))
	require.NoError(t, err)
	return id
}

func (h *harness) await(t *testing.T, id ID) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := h.exec.AwaitResult(ctx, id)
	require.NoError(t, err)
	return out
}

var errBoom = errors.New("boom")
