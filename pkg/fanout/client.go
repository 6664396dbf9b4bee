package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Config tunes pushes to worker nodes
type Config struct {
	// NodeTimeout bounds the push to a single node
	NodeTimeout time.Duration
	// MaxConcurrency bounds the number of nodes pushed to at once
	MaxConcurrency int
}

// DefaultConfig returns the fanout defaults
func DefaultConfig() Config {
	return Config{
		NodeTimeout:    5 * time.Second,
		MaxConcurrency: 16,
	}
}

// Client pushes pipe metadata to worker agents. Connections are pooled by
// node address and reused across pushes. A pooled connection is shared by
// concurrent pushes and reconnects on its own after a failure, so only
// Close closes it.
type Client struct {
	cfg      Config
	dialOpts []grpc.DialOption
	logger   zerolog.Logger

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient creates a fanout client. Without dial options connections are
// made without transport security.
func NewClient(cfg Config, opts ...grpc.DialOption) *Client {
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = DefaultConfig().NodeTimeout
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = DefaultConfig().MaxConcurrency
	}
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &Client{
		cfg:      cfg,
		dialOpts: opts,
		logger:   log.WithComponent("fanout"),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// Push sends meta to every node concurrently and returns the nodes that did
// not acknowledge it, keyed by node id. Each node gets at most NodeTimeout;
// a slow node never delays the result beyond that.
func (c *Client) Push(ctx context.Context, nodes []*types.Node, meta *structpb.Struct) map[string]error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FanoutPushDuration)

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
	)

	g := new(errgroup.Group)
	g.SetLimit(c.cfg.MaxConcurrency)

	for _, node := range nodes {
		g.Go(func() error {
			if err := c.pushOne(ctx, node, meta); err != nil {
				metrics.FanoutNodeFailures.WithLabelValues(node.ID).Inc()
				c.logger.Debug().Err(err).Str("node_id", node.ID).Msg("Push failed")
				mu.Lock()
				failures[node.ID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return failures
}

func (c *Client) pushOne(ctx context.Context, node *types.Node, meta *structpb.Struct) error {
	if node.Address == "" {
		return errors.New("node has no agent address")
	}

	conn, err := c.conn(node.Address)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.NodeTimeout)
	defer cancel()

	if err := conn.Invoke(ctx, PushPipeMetaMethod, meta, new(structpb.Struct)); err != nil {
		return fmt.Errorf("push to %s: %w", node.Address, err)
	}
	return nil
}

func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

// Close closes every pooled connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(c.conns, addr)
	}
	return errors.Join(errs...)
}
