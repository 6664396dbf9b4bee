package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// DefaultApplyTimeout bounds a Write whose context carries no deadline
const DefaultApplyTimeout = 5 * time.Second

// Manager represents a burrow cluster manager node. It owns the raft group
// whose FSM holds the committed pipe and node metadata.
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string
	inMemory bool

	raft          *raft.Raft
	transport     raft.Transport
	fsm           *BurrowFSM
	store         storage.Store
	tokenManager  *TokenManager
	eventBroker   *events.Broker
	applyTimeout  time.Duration
	raftLogLevel  log.Level
	raftLogStores []*raftboltdb.BoltStore
	logger        zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// InMemory keeps the raft log, stable store and snapshots in memory and
	// uses an in-memory transport. The metadata store is still on disk.
	InMemory bool

	ApplyTimeout time.Duration
	RaftLogLevel log.Level
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %v", err)
	}

	eventBroker := events.NewBroker()
	eventBroker.Start()

	applyTimeout := cfg.ApplyTimeout
	if applyTimeout <= 0 {
		applyTimeout = DefaultApplyTimeout
	}
	raftLogLevel := cfg.RaftLogLevel
	if raftLogLevel == "" {
		raftLogLevel = log.WarnLevel
	}

	return &Manager{
		nodeID:       cfg.NodeID,
		bindAddr:     cfg.BindAddr,
		dataDir:      cfg.DataDir,
		inMemory:     cfg.InMemory,
		fsm:          NewBurrowFSM(store),
		store:        store,
		tokenManager: NewTokenManager(),
		eventBroker:  eventBroker,
		applyTimeout: applyTimeout,
		raftLogLevel: raftLogLevel,
		logger:       log.WithComponent("manager").With().Str("node_id", cfg.NodeID).Logger(),
	}, nil
}

func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)
	config.Logger = log.NewRaftLogger("raft", m.raftLogLevel)

	// LAN-tuned timeouts: followers start an election after 500ms without
	// a heartbeat, total failover stays within a few seconds.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	return config
}

// startRaft builds the raft instance without touching cluster membership
func (m *Manager) startRaft() (*raft.Config, error) {
	if m.raft != nil {
		return nil, fmt.Errorf("raft already started")
	}
	config := m.raftConfig()

	var (
		logStore      raft.LogStore
		stableStore   raft.StableStore
		snapshotStore raft.SnapshotStore
	)

	if m.inMemory {
		_, transport := raft.NewInmemTransport(raft.ServerAddress(m.nodeID))
		m.transport = transport
		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapshotStore = raft.NewInmemSnapshotStore()
	} else {
		addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve bind address: %v", err)
		}

		transport, err := raft.NewTCPTransportWithLogger(m.bindAddr, addr, 3, 10*time.Second, config.Logger.Named("transport"))
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %v", err)
		}
		m.transport = transport

		snapshotStore, err = raft.NewFileSnapshotStoreWithLogger(m.dataDir, 2, config.Logger.Named("snapshot"))
		if err != nil {
			return nil, fmt.Errorf("failed to create snapshot store: %v", err)
		}

		boltLog, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
		if err != nil {
			return nil, fmt.Errorf("failed to create log store: %v", err)
		}
		boltStable, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
		if err != nil {
			boltLog.Close()
			return nil, fmt.Errorf("failed to create stable store: %v", err)
		}
		m.raftLogStores = append(m.raftLogStores, boltLog, boltStable)
		logStore, stableStore = boltLog, boltStable
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshotStore, m.transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft: %v", err)
	}
	m.raft = r
	return config, nil
}

// Bootstrap initializes a new single-node Raft cluster
func (m *Manager) Bootstrap() error {
	config, err := m.startRaft()
	if err != nil {
		return err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: m.transport.LocalAddr(),
			},
		},
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("failed to bootstrap cluster: %v", err)
	}

	m.logger.Info().Str("addr", string(m.transport.LocalAddr())).Msg("Bootstrapped cluster")
	return nil
}

// Join starts raft and asks the manager at leaderAPIAddr to add this node as
// a voter
func (m *Manager) Join(ctx context.Context, leaderAPIAddr, token string) error {
	if _, err := m.startRaft(); err != nil {
		return err
	}

	m.logger.Info().Str("leader", leaderAPIAddr).Msg("Contacting leader to join cluster")

	c, err := client.NewClient(leaderAPIAddr)
	if err != nil {
		return fmt.Errorf("failed to connect to leader: %v", err)
	}
	defer c.Close()

	if err := c.JoinCluster(ctx, m.nodeID, string(m.transport.LocalAddr()), token); err != nil {
		return fmt.Errorf("failed to join cluster: %v", err)
	}

	m.logger.Info().Msg("Joined cluster")
	return nil
}

// WaitForLeader blocks until the raft group has a leader
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.LeaderAddr() != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for raft leader: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// AddVoter adds a new manager node to the Raft cluster
func (m *Manager) AddVoter(nodeID, address string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader, current leader: %s: %w", m.LeaderAddr(), types.ErrTransient)
	}

	m.logger.Info().Str("voter", nodeID).Str("addr", address).Msg("Adding voter")

	future := m.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to add voter: %v", err)
	}
	return nil
}

// RemoveServer removes a server from the Raft cluster
func (m *Manager) RemoveServer(nodeID string) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}

	if !m.IsLeader() {
		return fmt.Errorf("not the leader: %w", types.ErrTransient)
	}

	future := m.raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second)
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to remove server: %v", err)
	}

	return nil
}

// GetClusterServers returns information about all servers in the Raft cluster
func (m *Manager) GetClusterServers() ([]raft.Server, error) {
	if m.raft == nil {
		return nil, fmt.Errorf("raft not initialized")
	}

	future := m.raft.GetConfiguration()
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to get configuration: %v", err)
	}

	return future.Configuration().Servers, nil
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the raft address of the current leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// RaftAddr returns the address this node's raft transport listens on
func (m *Manager) RaftAddr() string {
	if m.transport == nil {
		return ""
	}
	return string(m.transport.LocalAddr())
}

// NodeID returns the id of this manager
func (m *Manager) NodeID() string {
	return m.nodeID
}

// GetRaftStats returns Raft statistics
func (m *Manager) GetRaftStats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = m.LeaderAddr()

	if servers, err := m.GetClusterServers(); err == nil {
		stats["peers"] = uint64(len(servers))
	}

	return stats
}

// GetEventBroker returns the event broker
func (m *Manager) GetEventBroker() *events.Broker {
	return m.eventBroker
}

// Tokens returns the join token manager
func (m *Manager) Tokens() *TokenManager {
	return m.tokenManager
}

// Write commits a command through the raft group and waits until it has been
// applied locally. Raft conditions that may clear on retry (no leader,
// leadership lost or in transfer, enqueue timeout) are wrapped with
// types.ErrTransient. Errors returned by the FSM are passed through as is.
func (m *Manager) Write(ctx context.Context, cmd types.Command) error {
	if m.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %v", err)
	}

	timeout := m.applyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	timer := metrics.NewTimer()
	future := m.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return classifyApplyError(cmd.Op, err)
	}
	timer.ObserveDurationVec(metrics.RaftApplyDuration, cmd.Op)

	if resp := future.Response(); resp != nil {
		if err, ok := resp.(error); ok && err != nil {
			return err
		}
	}

	return nil
}

func classifyApplyError(op string, err error) error {
	switch {
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrLeadershipTransferInProgress),
		errors.Is(err, raft.ErrEnqueueTimeout),
		errors.Is(err, raft.ErrAbortedByRestore):
		return fmt.Errorf("failed to apply %s: %v: %w", op, err, types.ErrTransient)
	default:
		return fmt.Errorf("failed to apply %s: %w", op, err)
	}
}

// Pipe reads. Pipes change only through procedures, which commit with Write.

// GetPipe reads a pipe from the local replica
func (m *Manager) GetPipe(name string) (*types.Pipe, error) {
	return m.store.GetPipe(name)
}

// ListPipes lists pipes from the local replica
func (m *Manager) ListPipes() ([]*types.Pipe, error) {
	return m.store.ListPipes()
}

// Node reads and writes

// CreateNode adds a node to the cluster
func (m *Manager) CreateNode(ctx context.Context, node *types.Node) error {
	cmd, err := types.NewCommand(types.OpCreateNode, node)
	if err != nil {
		return err
	}
	return m.Write(ctx, cmd)
}

// UpdateNode updates an existing node
func (m *Manager) UpdateNode(ctx context.Context, node *types.Node) error {
	cmd, err := types.NewCommand(types.OpUpdateNode, node)
	if err != nil {
		return err
	}
	return m.Write(ctx, cmd)
}

// DeleteNode removes a node from the cluster
func (m *Manager) DeleteNode(ctx context.Context, id string) error {
	cmd, err := types.NewCommand(types.OpDeleteNode, id)
	if err != nil {
		return err
	}
	return m.Write(ctx, cmd)
}

// GetNode reads a node from the local replica
func (m *Manager) GetNode(id string) (*types.Node, error) {
	return m.store.GetNode(id)
}

// ListNodes lists nodes from the local replica
func (m *Manager) ListNodes() ([]*types.Node, error) {
	return m.store.ListNodes()
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	if m.eventBroker != nil {
		m.eventBroker.Stop()
	}

	if m.raft != nil {
		future := m.raft.Shutdown()
		if err := future.Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %v", err)
		}
	}

	if closer, ok := m.transport.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	for _, s := range m.raftLogStores {
		if err := s.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close raft store")
		}
	}

	if m.store != nil {
		if err := m.store.Close(); err != nil {
			return fmt.Errorf("failed to close store: %v", err)
		}
	}

	return nil
}
