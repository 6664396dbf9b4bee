package types

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by stores when a resource does not exist
	ErrNotFound = errors.New("not found")

	// ErrTransient marks infrastructure failures that may succeed on retry
	// (no raft leader, enqueue timeout, leadership change)
	ErrTransient = errors.New("transient failure")
)

// Node represents a manager or worker node in the cluster
type Node struct {
	ID            string            `json:"id"`
	Role          NodeRole          `json:"role"`
	Address       string            `json:"address"` // gRPC address of the node agent
	Hostname      string            `json:"hostname,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Status        NodeStatus        `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NodeRole defines the role of a node
type NodeRole string

const (
	NodeRoleManager NodeRole = "manager"
	NodeRoleWorker  NodeRole = "worker"
)

// NodeStatus represents the current state of a node
type NodeStatus string

const (
	NodeStatusReady    NodeStatus = "ready"
	NodeStatusDown     NodeStatus = "down"
	NodeStatusDraining NodeStatus = "draining"
	NodeStatusUnknown  NodeStatus = "unknown"
)

// Pipe is the cluster-wide definition of a data-movement pipeline.
// The committed copy lives in the raft-replicated metadata store; worker
// nodes receive pushed copies.
type Pipe struct {
	Name      string            `json:"name" yaml:"name"`
	Status    PipeStatus        `json:"status" yaml:"status,omitempty"`
	Extractor map[string]string `json:"extractor,omitempty" yaml:"extractor,omitempty"`
	Processor map[string]string `json:"processor,omitempty" yaml:"processor,omitempty"`
	Connector map[string]string `json:"connector,omitempty" yaml:"connector,omitempty"`
	CreatedAt time.Time         `json:"created_at" yaml:"-"`
	UpdatedAt time.Time         `json:"updated_at" yaml:"-"`
}

// PipeStatus is the desired run state of a pipe
type PipeStatus string

const (
	PipeStatusRunning PipeStatus = "running"
	PipeStatusStopped PipeStatus = "stopped"
	// PipeStatusDropped only appears in tombstones pushed to worker nodes
	PipeStatusDropped PipeStatus = "dropped"
)

// SameDefinition reports whether two pipes carry identical plugin attributes.
// Status and timestamps are ignored.
func (p *Pipe) SameDefinition(other *Pipe) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.Name == other.Name &&
		sameAttrs(p.Extractor, other.Extractor) &&
		sameAttrs(p.Processor, other.Processor) &&
		sameAttrs(p.Connector, other.Connector)
}

func sameAttrs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Raft command operations understood by the manager FSM
const (
	OpCreatePipe    = "create_pipe"
	OpSetPipeStatus = "set_pipe_status"
	OpDropPipe      = "drop_pipe"
	OpCreateNode    = "create_node"
	OpUpdateNode    = "update_node"
	OpDeleteNode    = "delete_node"
)

// SetPipeStatus is the payload of OpSetPipeStatus
type SetPipeStatus struct {
	Name   string     `json:"name"`
	Status PipeStatus `json:"status"`
}

// NewCommand encodes v as the data of a command with the given op
func NewCommand(op string, v interface{}) (Command, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Command{}, err
	}
	return Command{Op: op, Data: data}, nil
}
