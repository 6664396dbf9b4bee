package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/fanout"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Config holds worker agent configuration
type Config struct {
	NodeID      string
	ManagerAddr string // admin API of any manager
	ListenAddr  string // gRPC agent service
	// AdvertiseAddr is the address managers push to. Defaults to the
	// listener address.
	AdvertiseAddr string
	DataDir       string
	JoinToken     string
	Labels        map[string]string

	HeartbeatInterval time.Duration
	// RegisterTimeout bounds the registration retries. Zero keeps the
	// back-off default of 15 minutes.
	RegisterTimeout time.Duration
}

// Worker is the agent running on a data node. It receives pipe metadata
// pushed by the managers and keeps it in a local store.
type Worker struct {
	cfg    Config
	store  *PipeStore
	client *client.Client
	logger zerolog.Logger

	grpcServer *grpc.Server
	health     *health.Server
	lis        net.Listener

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewWorker creates a worker agent and opens its local store
func NewWorker(cfg Config) (*Worker, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := OpenPipeStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	c, err := client.NewClient(cfg.ManagerAddr)
	if err != nil {
		store.Close()
		return nil, err
	}

	w := &Worker{
		cfg:        cfg,
		store:      store,
		client:     c,
		logger:     log.WithComponent("worker").With().Str("node_id", cfg.NodeID).Logger(),
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		stopCh:     make(chan struct{}),
	}
	fanout.RegisterAgentServer(w.grpcServer, w)
	healthpb.RegisterHealthServer(w.grpcServer, w.health)
	metrics.AgentPipes.Set(float64(store.Count()))
	return w, nil
}

// Store returns the local pipe store
func (w *Worker) Store() *PipeStore {
	return w.store
}

// Addr returns the address of the agent listener once started
func (w *Worker) Addr() string {
	if w.lis == nil {
		return ""
	}
	return w.lis.Addr().String()
}

// Start serves the agent service, registers with the cluster and begins
// heartbeating
func (w *Worker) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", w.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	w.lis = lis

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if err := w.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			w.logger.Error().Err(err).Msg("Agent server stopped")
		}
	}()
	w.health.SetServingStatus(fanout.ServiceName, healthpb.HealthCheckResponse_SERVING)
	w.logger.Info().Str("addr", lis.Addr().String()).Msg("Agent service listening")

	if err := w.register(ctx); err != nil {
		w.Stop()
		return err
	}

	w.wg.Add(1)
	go w.heartbeatLoop()
	return nil
}

// Stop stops the agent and closes the store
func (w *Worker) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		w.health.Shutdown()
		w.grpcServer.GracefulStop()
		w.wg.Wait()
		_ = w.client.Close()
		if err := w.store.Close(); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to close agent store")
		}
	})
}

func (w *Worker) advertiseAddr() string {
	if w.cfg.AdvertiseAddr != "" {
		return w.cfg.AdvertiseAddr
	}
	return w.Addr()
}

// register announces the node to the cluster, retrying with exponential
// back-off while no manager is reachable or leader is elected
func (w *Worker) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	node := &types.Node{
		ID:       w.cfg.NodeID,
		Role:     types.NodeRoleWorker,
		Address:  w.advertiseAddr(),
		Hostname: hostname,
		Labels:   w.cfg.Labels,
	}

	op := func() (*types.Node, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		registered, err := w.client.RegisterNode(reqCtx, node, w.cfg.JoinToken)
		if err == nil {
			return registered, nil
		}
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode != http.StatusServiceUnavailable {
			// bad token or bad request: retrying will not help
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.logger.Warn().Err(err).Dur("retry_in", next).Msg("Registration failed")
		}),
	}
	if w.cfg.RegisterTimeout > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(w.cfg.RegisterTimeout))
	}

	registered, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		return fmt.Errorf("failed to register with manager: %w", err)
	}
	w.logger.Info().
		Str("address", registered.Address).
		Str("status", string(registered.Status)).
		Msg("Registered with cluster")
	return nil
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.stopCh
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			if err := w.sendHeartbeat(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("Heartbeat failed")
			}
		case <-w.stopCh:
			return
		}
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := w.client.Heartbeat(reqCtx, w.cfg.NodeID)
	if errors.Is(err, types.ErrNotFound) {
		// the cluster lost our registration, e.g. after a restore
		w.logger.Info().Msg("Node unknown to the cluster, registering again")
		return w.register(ctx)
	}
	return err
}

// PushPipeMeta implements fanout.AgentServer
func (w *Worker) PushPipeMeta(ctx context.Context, meta *structpb.Struct) (*structpb.Struct, error) {
	p, err := fanout.PipeFromMeta(meta)
	if err != nil {
		metrics.AgentPushesReceived.WithLabelValues("invalid").Inc()
		return nil, status.Errorf(codes.InvalidArgument, "invalid pipe metadata: %v", err)
	}

	changed, err := w.store.Apply(p)
	if errors.Is(err, ErrStale) {
		metrics.AgentPushesReceived.WithLabelValues("stale").Inc()
		w.logger.Debug().Err(err).Str("pipe", p.Name).Msg("Ignoring stale pipe metadata")
		return structpb.NewStruct(map[string]interface{}{
			"name":    p.Name,
			"changed": false,
		})
	}
	if err != nil {
		metrics.AgentPushesReceived.WithLabelValues("error").Inc()
		w.logger.Error().Err(err).Str("pipe", p.Name).Msg("Failed to store pushed pipe")
		return nil, status.Errorf(codes.Internal, "failed to store pipe %s: %v", p.Name, err)
	}

	metrics.AgentPushesReceived.WithLabelValues("ok").Inc()
	metrics.AgentPipes.Set(float64(w.store.Count()))
	if changed {
		w.logger.Info().Str("pipe", p.Name).Str("status", string(p.Status)).Msg("Applied pipe metadata")
	}

	return structpb.NewStruct(map[string]interface{}{
		"name":    p.Name,
		"changed": changed,
	})
}
