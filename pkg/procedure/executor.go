package procedure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/lock"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/procstore"
	"github.com/gammazero/deque"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

var (
	// ErrResourceBusy is returned by Submit under ConflictReject when another
	// procedure holds the resource key
	ErrResourceBusy = errors.New("resource busy")

	// ErrShuttingDown is returned once Stop has been called
	ErrShuttingDown = errors.New("executor shutting down")

	// ErrNotFound is returned for unknown procedure ids and for terminal
	// procedures whose result retention has expired
	ErrNotFound = errors.New("procedure not found")
)

// ConflictPolicy decides what Submit does when the resource key is held
type ConflictPolicy string

const (
	// ConflictQueue admits the procedure and runs it after the current
	// holder, in submission order
	ConflictQueue ConflictPolicy = "queue"
	// ConflictReject fails the submission with ErrResourceBusy
	ConflictReject ConflictPolicy = "reject"
)

// Config tunes the executor
type Config struct {
	Workers          int
	PhaseTimeout     time.Duration
	MaxPhaseRetries  int
	RetryBackoff     time.Duration
	MaxRetryBackoff  time.Duration
	ConflictPolicy   ConflictPolicy
	CompactInterval  time.Duration
	CompactThreshold int
	ResultRetention  time.Duration
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		PhaseTimeout:     10 * time.Second,
		MaxPhaseRetries:  3,
		RetryBackoff:     200 * time.Millisecond,
		MaxRetryBackoff:  2 * time.Second,
		ConflictPolicy:   ConflictQueue,
		CompactInterval:  time.Minute,
		CompactThreshold: 1024,
		ResultRetention:  10 * time.Minute,
	}
}

// Store is the durable procedure log the executor writes through
type Store interface {
	Append(rec procstore.Record) error
	LoadAll() ([]procstore.Record, error)
	Compact() error
}

// IDAllocator hands out procedure ids
type IDAllocator interface {
	NextID() (uint64, error)
}

// EventPublisher receives procedure lifecycle events
type EventPublisher interface {
	Publish(event *events.Event)
}

// StragglerSink receives the nodes a procedure failed to propagate to
type StragglerSink interface {
	AddStragglers(resourceKey string, nodeIDs []string)
}

// Deps are the collaborators of an Executor. Store, Locks and Catalogue are
// required. IDs defaults to Store when it can allocate ids.
type Deps struct {
	Store      Store
	IDs        IDAllocator
	Locks      *lock.Manager
	Catalogue  *Catalogue
	Logger     *zerolog.Logger
	Events     EventPublisher
	Stragglers StragglerSink
}

// proc is the runtime form of a procedure. Outside Submit and recovery it
// is owned by exactly one of: the ready queue, a worker, a retry timer, or
// the lock wait queue.
type proc struct {
	state     State
	durable   State
	snapshot  atomic.Pointer[State]
	op        Operation
	transient *Transient
	backoff   *backoff.ExponentialBackOff
	attempts  int
	// revalidate is set for procedures recovered at Prepare or Commit;
	// Validate runs again to rebuild transient state before resuming
	revalidate bool
	waiting    bool // guarded by Executor.mu
	done       chan struct{}
	logger     zerolog.Logger
}

// Executor runs procedures. Each procedure advances one phase per worker
// turn and its state is persisted after every phase, before the next one
// runs. Procedures sharing a resource key run one at a time.
type Executor struct {
	cfg        Config
	store      Store
	ids        IDAllocator
	locks      *lock.Manager
	catalogue  *Catalogue
	events     EventPublisher
	stragglers StragglerSink
	logger     zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	ready   deque.Deque[*proc]
	procs   map[ID]*proc
	results *cache.Cache
	// expired results are swept from compactionLoop, so the cache runs no
	// janitor goroutine of its own
	sweepEvery time.Duration
	started    bool
	stopping   bool
	stopCh     chan struct{}
	wg         sync.WaitGroup

	compactCh chan struct{}
	appends   atomic.Int64
}

// NewExecutor creates an executor. Call RecoverOnStartup, then Start.
func NewExecutor(cfg Config, deps Deps) (*Executor, error) {
	if deps.Store == nil || deps.Locks == nil || deps.Catalogue == nil {
		return nil, errors.New("executor requires a store, a lock manager and a catalogue")
	}
	ids := deps.IDs
	if ids == nil {
		alloc, ok := deps.Store.(IDAllocator)
		if !ok {
			return nil, errors.New("executor requires an id allocator")
		}
		ids = alloc
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = DefaultConfig().PhaseTimeout
	}
	if cfg.ConflictPolicy == "" {
		cfg.ConflictPolicy = ConflictQueue
	}

	logger := log.WithComponent("executor")
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	retention := cfg.ResultRetention
	if retention <= 0 {
		retention = DefaultConfig().ResultRetention
	}

	e := &Executor{
		cfg:        cfg,
		store:      deps.Store,
		ids:        ids,
		locks:      deps.Locks,
		catalogue:  deps.Catalogue,
		events:     deps.Events,
		stragglers: deps.Stragglers,
		logger:     logger,
		procs:      make(map[ID]*proc),
		results:    cache.New(retention, 0),
		sweepEvery: retention,
		stopCh:     make(chan struct{}),
		compactCh:  make(chan struct{}, 1),
	}
	e.cond = sync.NewCond(&e.mu)
	return e, nil
}

func (e *Executor) newProc(state State, op Operation) *proc {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBackoff
	b.MaxInterval = e.cfg.MaxRetryBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	p := &proc{
		state:     state,
		durable:   state,
		op:        op,
		transient: &Transient{},
		backoff:   b,
		done:      make(chan struct{}),
		logger: e.logger.With().
			Str("procedure_id", state.ID.String()).
			Str("type", string(state.Type)).
			Str("resource", state.ResourceKey).
			Logger(),
	}
	snap := state
	p.snapshot.Store(&snap)
	return p
}

func (p *proc) nextBackoff(max time.Duration) time.Duration {
	d := p.backoff.NextBackOff()
	if max > 0 && d > max {
		d = max
	}
	return d
}

// Start launches the worker pool and the compaction loop
func (e *Executor) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.stopping {
		return
	}
	e.started = true

	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.wg.Add(1)
	go e.compactionLoop()

	e.logger.Info().Int("workers", e.cfg.Workers).Msg("Executor started")
}

// Stop stops accepting submissions, lets running phases finish, and
// releases all locks. Unfinished procedures stay durable and resume on the
// next RecoverOnStartup. Pending AwaitResult calls return ErrShuttingDown.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	close(e.stopCh)
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()
	e.locks.Reset()
	metrics.LockWaiters.Set(0)
	e.logger.Info().Msg("Executor stopped")
}

// Submit records a new procedure and schedules it. The procedure is durable
// when Submit returns.
func (e *Executor) Submit(op Operation) (ID, error) {
	t := op.Type()
	if !e.catalogue.Has(t) {
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	key := op.ResourceKey()
	if key == "" {
		return 0, fmt.Errorf("%s procedure has an empty resource key", t)
	}
	payload, err := op.Payload()
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s payload: %w", t, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopping {
		return 0, ErrShuttingDown
	}
	if e.cfg.ConflictPolicy == ConflictReject {
		if holder := e.locks.Owner(key); holder != 0 {
			return 0, fmt.Errorf("%w: %s held by procedure %d", ErrResourceBusy, key, holder)
		}
	}

	raw, err := e.ids.NextID()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	p := e.newProc(State{
		ID:          ID(raw),
		Type:        t,
		ResourceKey: key,
		Direction:   Forward,
		PhaseIndex:  NotStarted,
		Payload:     payload,
		Outcome:     Outcome{State: Pending},
		CreatedAt:   now,
		UpdatedAt:   now,
	}, op)

	if err := e.persist(p); err != nil {
		return 0, fmt.Errorf("failed to record procedure: %w", err)
	}

	e.register(p)
	e.admit(p)

	metrics.ProceduresSubmitted.WithLabelValues(string(t)).Inc()
	e.publish(events.EventProcedureSubmitted, p, "procedure submitted")
	p.logger.Info().Msg("Procedure submitted")

	return p.state.ID, nil
}

// SubmitPayload builds an operation from the catalogue and submits it
func (e *Executor) SubmitPayload(t Type, payload []byte) (ID, error) {
	op, err := e.catalogue.Build(t, payload)
	if err != nil {
		return 0, err
	}
	return e.Submit(op)
}

// register adds p to the live set. e.mu must be held.
func (e *Executor) register(p *proc) {
	e.procs[p.state.ID] = p
	metrics.ProceduresActive.Inc()
}

// admit takes the resource lock for p or queues it. e.mu must be held.
func (e *Executor) admit(p *proc) {
	if e.locks.TryAcquire(p.state.ResourceKey, uint64(p.state.ID)) {
		p.waiting = false
		e.pushReady(p)
	} else {
		p.waiting = true
		p.logger.Debug().
			Uint64("holder", e.locks.Owner(p.state.ResourceKey)).
			Msg("Waiting for resource lock")
	}
	metrics.LockWaiters.Set(float64(e.locks.WaitingCount()))
}

// pushReady appends p to the ready queue. e.mu must be held.
func (e *Executor) pushReady(p *proc) {
	e.ready.PushBack(p)
	e.cond.Signal()
}

func (e *Executor) requeue(p *proc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopping {
		return
	}
	e.pushReady(p)
}

func (e *Executor) after(delay time.Duration, p *proc) {
	time.AfterFunc(delay, func() { e.requeue(p) })
}

func (e *Executor) next() *proc {
	e.mu.Lock()
	defer e.mu.Unlock()
	for e.ready.Len() == 0 && !e.stopping {
		e.cond.Wait()
	}
	if e.stopping {
		return nil
	}
	return e.ready.PopFront()
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		p := e.next()
		if p == nil {
			return
		}
		e.step(p)
	}
}

func (e *Executor) step(p *proc) {
	if p.state.Direction == RollingBack {
		e.stepRollback(p)
		return
	}
	e.stepForward(p)
}

func (e *Executor) stepForward(p *proc) {
	idx := p.state.PhaseIndex
	if idx == NotStarted {
		idx = int(PhaseValidate)
	}

	if p.revalidate {
		e.revalidate(p, Phase(idx))
		return
	}

	if idx >= NumPhases {
		e.finish(p, Outcome{State: Succeeded}, NumPhases)
		return
	}

	phase := Phase(idx)
	if phase == PhasePropagate {
		e.propagate(p)
		return
	}

	res := e.runPhase(p, phase, Forward)
	switch {
	case res.IsOK():
		e.resetRetries(p)
		if phase == PhaseValidate && p.transient.SkipRemaining {
			p.logger.Info().Msg("Nothing to do, skipping remaining phases")
			e.finish(p, Outcome{State: Succeeded, Skipped: true}, NumPhases)
			return
		}
		e.advance(p, func(s *State) { s.PhaseIndex = idx + 1 })

	case e.shouldRetry(p, res):
		e.retryLater(p, phase, res)

	case phase == PhaseValidate:
		e.finish(p, Outcome{State: Failed, Reason: res.Err.Error()}, idx)

	default:
		e.resetRetries(p)
		p.logger.Warn().Err(res.Err).Str("phase", phase.String()).Msg("Phase failed, rolling back")
		e.advance(p, func(s *State) {
			s.Direction = RollingBack
			s.PhaseIndex = idx
			s.Outcome.Reason = fmt.Sprintf("%s: %v", phase, res.Err)
		})
	}
}

// revalidate re-runs Validate for a procedure recovered at Prepare or Commit
func (e *Executor) revalidate(p *proc, resumeAt Phase) {
	res := e.runPhase(p, PhaseValidate, Forward)
	switch {
	case res.IsOK():
		e.resetRetries(p)
		p.revalidate = false
		if !p.transient.SkipRemaining {
			e.requeue(p)
			return
		}
		p.transient.SkipRemaining = false
		if resumeAt == PhasePrepare {
			p.logger.Info().Msg("Nothing left to do after restart")
			e.finish(p, Outcome{State: Succeeded, Skipped: true}, NumPhases)
			return
		}
		// the commit may have been applied just before the restart
		p.logger.Info().Msg("Commit already applied, resuming at propagate")
		e.advance(p, func(s *State) { s.PhaseIndex = int(PhasePropagate) })

	case e.shouldRetry(p, res):
		e.retryLater(p, PhaseValidate, res)

	default:
		e.finish(p, Outcome{State: Failed, Reason: "revalidation failed: " + res.Err.Error()}, int(resumeAt))
	}
}

func (e *Executor) propagate(p *proc) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PhaseTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	report := p.op.Propagate(ctx, p.transient)
	timer.ObserveDurationVec(metrics.ProcedurePhaseDuration, string(p.state.Type), PhasePropagate.String(), string(Forward))

	outcome := Outcome{State: Succeeded, PropagationFailures: report.failureStrings()}
	if n := report.Failed(); n > 0 {
		nodes := make([]string, 0, n)
		for node := range report.Failures {
			nodes = append(nodes, node)
		}
		sort.Strings(nodes)

		p.logger.Warn().
			Strs("nodes", nodes).
			Int("targets", len(report.Targets)).
			Msg("Failed to propagate to some nodes, metadata will be synchronized later")
		if e.stragglers != nil {
			e.stragglers.AddStragglers(p.state.ResourceKey, nodes)
		}
	}
	e.finish(p, outcome, NumPhases)
}

func (e *Executor) stepRollback(p *proc) {
	idx := p.state.PhaseIndex
	if idx < 0 {
		e.finish(p, Outcome{State: RolledBack, Reason: p.state.Outcome.Reason}, NotStarted)
		return
	}

	phase := Phase(idx)
	res := e.runPhase(p, phase, RollingBack)
	switch {
	case res.IsOK():
		e.resetRetries(p)
		p.logger.Info().Str("phase", phase.String()).Msg("Rolled back phase")
		if idx == 0 {
			e.finish(p, Outcome{State: RolledBack, Reason: p.state.Outcome.Reason}, NotStarted)
			return
		}
		e.advance(p, func(s *State) { s.PhaseIndex = idx - 1 })

	case e.shouldRetry(p, res):
		e.retryLater(p, phase, res)

	default:
		p.logger.Error().
			Err(res.Err).
			Str("phase", phase.String()).
			Str("reason", p.state.Outcome.Reason).
			Msg("Rollback failed, operator intervention required")
		metrics.ProcedureEscalations.WithLabelValues(string(p.state.Type)).Inc()
		e.publish(events.EventProcedureEscalated, p, "rollback failed: "+res.Err.Error())

		e.finish(p, Outcome{
			State:         Failed,
			Reason:        p.state.Outcome.Reason,
			RollbackError: fmt.Sprintf("%s: %v", phase, res.Err),
			NeedsOperator: true,
		}, idx)
	}
}

func (e *Executor) runPhase(p *proc, phase Phase, dir Direction) Result {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PhaseTimeout)
	defer cancel()

	timer := metrics.NewTimer()
	var res Result
	if dir == Forward {
		switch phase {
		case PhaseValidate:
			res = p.op.Validate(ctx, p.transient)
		case PhasePrepare:
			res = p.op.Prepare(ctx, p.transient)
		case PhaseCommit:
			res = p.op.Commit(ctx, p.transient)
		}
	} else {
		res = rollback(ctx, p.op, phase, p.transient)
	}
	timer.ObserveDurationVec(metrics.ProcedurePhaseDuration, string(p.state.Type), phase.String(), string(dir))

	if !res.IsOK() && res.Err == nil {
		res.Err = fmt.Errorf("%s returned %s without an error", phase, res.Kind)
	}

	p.logger.Debug().
		Str("phase", phase.String()).
		Str("direction", string(dir)).
		Str("result", res.Kind.String()).
		Dur("took", timer.Duration()).
		Msg("Phase finished")
	return res
}

func rollback(ctx context.Context, op Operation, phase Phase, t *Transient) Result {
	switch phase {
	case PhaseCommit:
		return op.RollbackCommit(ctx, t)
	case PhasePrepare:
		if r, ok := op.(PrepareRollbacker); ok {
			return r.RollbackPrepare(ctx, t)
		}
	case PhaseValidate:
		if r, ok := op.(ValidateRollbacker); ok {
			return r.RollbackValidate(ctx, t)
		}
	}
	return OK()
}

func (e *Executor) shouldRetry(p *proc, res Result) bool {
	return res.Kind == ResultRecoverable && p.attempts < e.cfg.MaxPhaseRetries
}

func (e *Executor) resetRetries(p *proc) {
	p.attempts = 0
	p.backoff.Reset()
}

func (e *Executor) retryLater(p *proc, phase Phase, res Result) {
	p.attempts++
	delay := p.nextBackoff(e.cfg.MaxRetryBackoff)
	metrics.ProcedurePhaseRetries.WithLabelValues(string(p.state.Type), phase.String()).Inc()
	p.logger.Warn().
		Err(res.Err).
		Str("phase", phase.String()).
		Int("attempt", p.attempts).
		Dur("backoff", delay).
		Msg("Phase failed, retrying")
	e.after(delay, p)
}

// advance applies mutate, persists, and requeues p. If the state cannot be
// persisted p is reverted to its last durable state and retried later.
func (e *Executor) advance(p *proc, mutate func(*State)) {
	mutate(&p.state)
	p.state.UpdatedAt = time.Now()
	if err := e.persist(p); err != nil {
		e.storeFailed(p, err)
		return
	}
	e.requeue(p)
}

func (e *Executor) finish(p *proc, outcome Outcome, phaseIndex int) {
	p.state.Outcome = outcome
	p.state.PhaseIndex = phaseIndex
	p.state.UpdatedAt = time.Now()
	if err := e.persist(p); err != nil {
		e.storeFailed(p, err)
		return
	}
	e.complete(p)
}

func (e *Executor) persist(p *proc) error {
	rec, err := p.state.record()
	if err == nil {
		err = e.store.Append(rec)
	}
	if err != nil {
		p.state = p.durable
		return err
	}

	p.durable = p.state
	snap := p.state
	p.snapshot.Store(&snap)

	if n := e.appends.Add(1); e.cfg.CompactThreshold > 0 && n >= int64(e.cfg.CompactThreshold) {
		select {
		case e.compactCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (e *Executor) storeFailed(p *proc, err error) {
	delay := p.nextBackoff(e.cfg.MaxRetryBackoff)
	p.logger.Error().
		Err(err).
		Int("phase_index", p.state.PhaseIndex).
		Dur("backoff", delay).
		Msg("Failed to persist procedure state, retrying from last durable state")
	e.after(delay, p)
}

// complete releases the procedure's lock, hands it to the next waiter and
// records the result
func (e *Executor) complete(p *proc) {
	st := p.state

	e.mu.Lock()
	if _, ok := e.procs[st.ID]; ok {
		delete(e.procs, st.ID)
		metrics.ProceduresActive.Dec()
	}
	e.results.Set(st.ID.String(), newStatus(st, false), cache.DefaultExpiration)

	owner, granted := e.locks.Release(st.ResourceKey, uint64(st.ID))
	for granted {
		next, ok := e.procs[ID(owner)]
		if ok {
			next.waiting = false
			if !e.stopping {
				e.pushReady(next)
			}
			break
		}
		owner, granted = e.locks.Release(st.ResourceKey, owner)
	}
	metrics.LockWaiters.Set(float64(e.locks.WaitingCount()))
	e.mu.Unlock()

	close(p.done)

	metrics.ProceduresCompleted.WithLabelValues(string(st.Type), string(st.Outcome.State)).Inc()

	ev := p.logger.Info()
	if st.Outcome.State != Succeeded {
		ev = p.logger.Warn()
	}
	ev.Str("outcome", string(st.Outcome.State)).
		Str("reason", st.Outcome.Reason).
		Bool("skipped", st.Outcome.Skipped).
		Msg("Procedure finished")

	switch st.Outcome.State {
	case Succeeded:
		e.publish(events.EventProcedureSucceeded, p, "procedure succeeded")
	case RolledBack:
		e.publish(events.EventProcedureRolledBack, p, st.Outcome.Reason)
	case Failed:
		e.publish(events.EventProcedureFailed, p, st.Outcome.Reason)
	}
}

func (e *Executor) publish(t events.EventType, p *proc, msg string) {
	if e.events == nil {
		return
	}
	e.events.Publish(&events.Event{
		Type:    t,
		Message: msg,
		Metadata: map[string]string{
			"procedure_id": p.state.ID.String(),
			"type":         string(p.state.Type),
			"resource_key": p.state.ResourceKey,
		},
	})
}

func (e *Executor) compactionLoop() {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.cfg.CompactInterval > 0 {
		ticker := time.NewTicker(e.cfg.CompactInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	sweep := time.NewTicker(e.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-sweep.C:
			e.results.DeleteExpired()
		case <-tick:
			e.compact()
		case <-e.compactCh:
			e.compact()
		case <-e.stopCh:
			return
		}
	}
}

func (e *Executor) compact() {
	n := e.appends.Swap(0)
	if n == 0 {
		return
	}
	if err := e.store.Compact(); err != nil {
		e.appends.Add(n)
		e.logger.Error().Err(err).Msg("Failed to compact procedure store")
		return
	}
	e.logger.Debug().Int64("appends", n).Msg("Compacted procedure store")
}

// AwaitResult blocks until procedure id reaches a terminal outcome
func (e *Executor) AwaitResult(ctx context.Context, id ID) (Outcome, error) {
	e.mu.Lock()
	p, ok := e.procs[id]
	if !ok {
		st, found := e.result(id)
		e.mu.Unlock()
		if !found {
			return Outcome{}, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return st.Outcome, nil
	}
	done := p.done
	e.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-e.stopCh:
		select {
		case <-done:
		default:
			return Outcome{}, ErrShuttingDown
		}
	}

	e.mu.Lock()
	st, found := e.result(id)
	e.mu.Unlock()
	if !found {
		return Outcome{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return st.Outcome, nil
}

func (e *Executor) result(id ID) (Status, bool) {
	v, ok := e.results.Get(id.String())
	if !ok {
		return Status{}, false
	}
	return v.(Status), true
}

// Status returns the last persisted state of a procedure
func (e *Executor) Status(id ID) (Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.procs[id]; ok {
		return newStatus(*p.snapshot.Load(), p.waiting), nil
	}
	if st, ok := e.result(id); ok {
		return st, nil
	}
	return Status{}, fmt.Errorf("%w: %d", ErrNotFound, id)
}

// ListActive returns the non-terminal procedures on resourceKey in id order.
// An empty key lists every active procedure.
func (e *Executor) ListActive(resourceKey string) []Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Status, 0, len(e.procs))
	for _, p := range e.procs {
		snap := p.snapshot.Load()
		if resourceKey == "" || snap.ResourceKey == resourceKey {
			out = append(out, newStatus(*snap, p.waiting))
		}
	}
	sortStatuses(out)
	return out
}

// List returns active procedures and retained terminal results in id order
func (e *Executor) List() []Status {
	out := e.ListActive("")

	for _, item := range e.results.Items() {
		out = append(out, item.Object.(Status))
	}
	sortStatuses(out)
	return out
}

func sortStatuses(s []Status) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}
