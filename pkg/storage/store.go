package storage

import (
	"github.com/cuemby/burrow/pkg/types"
)

// Store defines the interface for committed cluster metadata.
// Only the manager FSM writes to it; everything else reads.
type Store interface {
	// Pipes
	CreatePipe(pipe *types.Pipe) error
	GetPipe(name string) (*types.Pipe, error)
	ListPipes() ([]*types.Pipe, error)
	UpdatePipe(pipe *types.Pipe) error
	DeletePipe(name string) error

	// Nodes
	CreateNode(node *types.Node) error
	GetNode(id string) (*types.Node, error)
	ListNodes() ([]*types.Node, error)
	UpdateNode(node *types.Node) error
	DeleteNode(id string) error

	// Utility
	Close() error
}
