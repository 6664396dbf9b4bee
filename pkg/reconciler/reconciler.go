package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/fanout"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/pipe"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Cluster is the metadata the reconciler reads and the node updates it
// commits
type Cluster interface {
	IsLeader() bool
	ListNodes() ([]*types.Node, error)
	GetNode(id string) (*types.Node, error)
	UpdateNode(ctx context.Context, node *types.Node) error
	GetPipe(name string) (*types.Pipe, error)
	ListPipes() ([]*types.Pipe, error)
}

// EventPublisher receives node and resync events
type EventPublisher interface {
	Publish(event *events.Event)
}

// Config tunes the reconciliation loop
type Config struct {
	Interval         time.Duration
	HeartbeatTimeout time.Duration
	// ResyncPerSecond bounds straggler pushes so a returning node does not
	// trigger a burst
	ResyncPerSecond float64
}

// DefaultConfig returns the reconciler defaults
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		HeartbeatTimeout: 30 * time.Second,
		ResyncPerSecond:  20,
	}
}

// Reconciler marks silent nodes down and resends pipe metadata to nodes
// that missed a propagation
type Reconciler struct {
	cfg     Config
	cluster Cluster
	pusher  pipe.Pusher
	events  EventPublisher
	limiter *rate.Limiter
	logger  zerolog.Logger

	mu         sync.Mutex
	stragglers map[string]map[string]struct{} // resource key -> node ids
	cycle      sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewReconciler creates a new reconciler. events may be nil.
func NewReconciler(cfg Config, cluster Cluster, pusher pipe.Pusher, ev EventPublisher) *Reconciler {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.ResyncPerSecond <= 0 {
		cfg.ResyncPerSecond = def.ResyncPerSecond
	}
	return &Reconciler{
		cfg:        cfg,
		cluster:    cluster,
		pusher:     pusher,
		events:     ev,
		limiter:    rate.NewLimiter(rate.Limit(cfg.ResyncPerSecond), 1),
		logger:     log.WithComponent("reconciler"),
		stragglers: make(map[string]map[string]struct{}),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reconciler and waits for the current cycle to end
func (r *Reconciler) Stop() {
	r.once.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// AddStragglers records nodes that missed the latest metadata of
// resourceKey
func (r *Reconciler) AddStragglers(resourceKey string, nodeIDs []string) {
	if len(nodeIDs) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.stragglers[resourceKey]
	if !ok {
		set = make(map[string]struct{})
		r.stragglers[resourceKey] = set
	}
	for _, id := range nodeIDs {
		set[id] = struct{}{}
	}
	r.updatePendingLocked()
}

// ResyncNode schedules every pipe for a push to nodeID. Used when a node
// comes back after being marked down.
func (r *Reconciler) ResyncNode(nodeID string) error {
	pipes, err := r.cluster.ListPipes()
	if err != nil {
		return fmt.Errorf("failed to list pipes: %w", err)
	}
	for _, p := range pipes {
		r.AddStragglers(pipe.ResourceKey(p.Name), []string{nodeID})
	}
	return nil
}

// Pending returns the outstanding stragglers, node ids sorted
func (r *Reconciler) Pending() map[string][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string][]string, len(r.stragglers))
	for key, set := range r.stragglers {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out[key] = ids
	}
	return out
}

func (r *Reconciler) updatePendingLocked() {
	n := 0
	for _, set := range r.stragglers {
		n += len(set)
	}
	metrics.StragglersPending.Set(float64(n))
}

func (r *Reconciler) resolved(key, nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.stragglers[key]; ok {
		delete(set, nodeID)
		if len(set) == 0 {
			delete(r.stragglers, key)
		}
	}
	r.updatePendingLocked()
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error().Err(err).Msg("Reconciliation failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one reconciliation cycle. Only the raft leader acts.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	if !r.cluster.IsLeader() {
		return nil
	}

	r.cycle.Lock()
	defer r.cycle.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	return errors.Join(r.reconcileNodes(ctx), r.resyncStragglers(ctx))
}

// reconcileNodes marks nodes without a recent heartbeat as down
func (r *Reconciler) reconcileNodes(ctx context.Context) error {
	nodes, err := r.cluster.ListNodes()
	if err != nil {
		return fmt.Errorf("failed to list nodes: %w", err)
	}

	now := time.Now()
	var errs []error
	for _, node := range nodes {
		if node.Status == types.NodeStatusDown {
			continue
		}
		silence := now.Sub(node.LastHeartbeat)
		if silence <= r.cfg.HeartbeatTimeout {
			continue
		}

		r.logger.Warn().
			Str("node_id", node.ID).
			Dur("silence", silence).
			Msg("Node missed heartbeats, marking down")

		node.Status = types.NodeStatusDown
		if err := r.cluster.UpdateNode(ctx, node); err != nil {
			errs = append(errs, fmt.Errorf("failed to mark node %s down: %w", node.ID, err))
			continue
		}
		r.publish(events.EventNodeDown, fmt.Sprintf("node %s missed heartbeats", node.ID), map[string]string{
			"node_id": node.ID,
		})
	}
	return errors.Join(errs...)
}

// resyncStragglers pushes the committed metadata to each straggling node
// that is ready again
func (r *Reconciler) resyncStragglers(ctx context.Context) error {
	pending := r.Pending()
	if len(pending) == 0 {
		return nil
	}

	keys := make([]string, 0, len(pending))
	for key := range pending {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		name, ok := strings.CutPrefix(key, "pipe/")
		if !ok {
			r.logger.Warn().Str("resource", key).Msg("Dropping straggler for unknown resource")
			for _, id := range pending[key] {
				r.resolved(key, id)
			}
			continue
		}

		p, err := r.cluster.GetPipe(name)
		switch {
		case errors.Is(err, types.ErrNotFound):
			// stamped after the read: a pipe recreated since then is
			// committed later and wins on the agent
			p = pipe.Tombstone(name, time.Now())
		case err != nil:
			return fmt.Errorf("failed to read pipe %s: %w", name, err)
		}
		meta, err := fanout.PipeMeta(p)
		if err != nil {
			return err
		}

		for _, id := range pending[key] {
			node, err := r.cluster.GetNode(id)
			if errors.Is(err, types.ErrNotFound) {
				// node left the cluster
				r.resolved(key, id)
				continue
			}
			if err != nil || node.Status != types.NodeStatusReady {
				continue
			}

			if err := r.limiter.Wait(ctx); err != nil {
				return err
			}
			// agents ignore this copy if a newer procedure pushed since it
			// was read, so the node is resolved either way
			if failures := r.pusher.Push(ctx, []*types.Node{node}, meta); len(failures) > 0 {
				r.logger.Debug().Err(failures[id]).Str("node_id", id).Str("pipe", name).Msg("Resync failed, will retry")
				continue
			}

			r.resolved(key, id)
			metrics.StragglersResynced.Inc()
			r.logger.Info().Str("node_id", id).Str("pipe", name).Msg("Resynchronized pipe metadata")
			r.publish(events.EventPipeResynced, fmt.Sprintf("pipe %s resynchronized to %s", name, id), map[string]string{
				"node_id": id,
				"pipe":    name,
			})
		}
	}
	return nil
}

func (r *Reconciler) publish(t events.EventType, msg string, md map[string]string) {
	if r.events == nil {
		return
	}
	r.events.Publish(&events.Event{Type: t, Message: msg, Metadata: md})
}
