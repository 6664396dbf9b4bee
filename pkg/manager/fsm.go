package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
)

// ErrPipeExists is returned when create_pipe names a pipe that already exists
// with a different definition
var ErrPipeExists = errors.New("pipe already exists with a different definition")

// BurrowFSM implements the Raft Finite State Machine for the cluster metadata.
// It applies committed commands to the metadata store and handles snapshots.
// Apply must be deterministic: timestamps come from the log entry, never
// from the local clock.
type BurrowFSM struct {
	mu    sync.RWMutex
	store storage.Store
}

// NewBurrowFSM creates a new FSM instance
func NewBurrowFSM(store storage.Store) *BurrowFSM {
	return &BurrowFSM{
		store: store,
	}
}

// Apply applies a Raft log entry to the FSM
func (f *BurrowFSM) Apply(l *raft.Log) interface{} {
	var cmd types.Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	// Pipe operations
	case types.OpCreatePipe:
		var pipe types.Pipe
		if err := json.Unmarshal(cmd.Data, &pipe); err != nil {
			return err
		}
		return f.createPipe(&pipe, l.AppendedAt)

	case types.OpSetPipeStatus:
		var req types.SetPipeStatus
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return err
		}
		return f.setPipeStatus(req, l.AppendedAt)

	case types.OpDropPipe:
		var name string
		if err := json.Unmarshal(cmd.Data, &name); err != nil {
			return err
		}
		// dropping a missing pipe is a no-op so a replayed drop converges
		return f.store.DeletePipe(name)

	// Node operations
	case types.OpCreateNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		return f.store.CreateNode(&node)

	case types.OpUpdateNode:
		var node types.Node
		if err := json.Unmarshal(cmd.Data, &node); err != nil {
			return err
		}
		if _, err := f.store.GetNode(node.ID); err != nil {
			return err
		}
		return f.store.UpdateNode(&node)

	case types.OpDeleteNode:
		var nodeID string
		if err := json.Unmarshal(cmd.Data, &nodeID); err != nil {
			return err
		}
		return f.store.DeleteNode(nodeID)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

func (f *BurrowFSM) createPipe(pipe *types.Pipe, at time.Time) error {
	existing, err := f.store.GetPipe(pipe.Name)
	switch {
	case err == nil:
		if existing.SameDefinition(pipe) {
			return nil
		}
		return fmt.Errorf("pipe %s: %w", pipe.Name, ErrPipeExists)
	case !errors.Is(err, types.ErrNotFound):
		return err
	}

	if pipe.Status == "" {
		pipe.Status = types.PipeStatusStopped
	}
	if pipe.CreatedAt.IsZero() {
		pipe.CreatedAt = at
	}
	pipe.UpdatedAt = at
	return f.store.CreatePipe(pipe)
}

func (f *BurrowFSM) setPipeStatus(req types.SetPipeStatus, at time.Time) error {
	if req.Status != types.PipeStatusRunning && req.Status != types.PipeStatusStopped {
		return fmt.Errorf("invalid pipe status %q", req.Status)
	}
	pipe, err := f.store.GetPipe(req.Name)
	if err != nil {
		return err
	}
	pipe.Status = req.Status
	pipe.UpdatedAt = at
	return f.store.UpdatePipe(pipe)
}

// Snapshot creates a point-in-time snapshot of the FSM
func (f *BurrowFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	pipes, err := f.store.ListPipes()
	if err != nil {
		return nil, fmt.Errorf("failed to list pipes: %v", err)
	}

	nodes, err := f.store.ListNodes()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %v", err)
	}

	return &BurrowSnapshot{Pipes: pipes, Nodes: nodes}, nil
}

// Restore replaces the FSM state with a snapshot
func (f *BurrowFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot BurrowSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %v", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.clear(); err != nil {
		return fmt.Errorf("failed to clear state before restore: %v", err)
	}

	for _, pipe := range snapshot.Pipes {
		if err := f.store.CreatePipe(pipe); err != nil {
			return fmt.Errorf("failed to restore pipe: %v", err)
		}
	}

	for _, node := range snapshot.Nodes {
		if err := f.store.CreateNode(node); err != nil {
			return fmt.Errorf("failed to restore node: %v", err)
		}
	}

	return nil
}

func (f *BurrowFSM) clear() error {
	pipes, err := f.store.ListPipes()
	if err != nil {
		return err
	}
	for _, pipe := range pipes {
		if err := f.store.DeletePipe(pipe.Name); err != nil {
			return err
		}
	}

	nodes, err := f.store.ListNodes()
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if err := f.store.DeleteNode(node.ID); err != nil {
			return err
		}
	}
	return nil
}

// BurrowSnapshot represents a point-in-time snapshot of cluster metadata
type BurrowSnapshot struct {
	Pipes []*types.Pipe
	Nodes []*types.Node
}

// Persist writes the snapshot to the given SnapshotSink
func (s *BurrowSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *BurrowSnapshot) Release() {}
