package procedure

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrUnknownType is returned when no factory is registered for a type
	ErrUnknownType = errors.New("unknown procedure type")

	// ErrInvalidPayload is returned when a factory rejects a payload
	ErrInvalidPayload = errors.New("invalid procedure payload")
)

// Operation is the behaviour of one procedure type. The executor drives the
// phases; an operation only implements them.
//
// Commit and RollbackCommit must be idempotent: after a crash or a failed
// state write the executor may run them again.
type Operation interface {
	Type() Type
	// ResourceKey names the resource the procedure mutates. Procedures with
	// the same key never run concurrently.
	ResourceKey() string
	// Payload is the serialized request, enough to rebuild the operation
	// through its Factory after a restart.
	Payload() ([]byte, error)

	Validate(ctx context.Context, t *Transient) Result
	Prepare(ctx context.Context, t *Transient) Result
	Commit(ctx context.Context, t *Transient) Result
	RollbackCommit(ctx context.Context, t *Transient) Result
	Propagate(ctx context.Context, t *Transient) PropagationReport
}

// PrepareRollbacker is implemented by operations whose Prepare has an effect
// that must be undone
type PrepareRollbacker interface {
	RollbackPrepare(ctx context.Context, t *Transient) Result
}

// ValidateRollbacker is implemented by operations whose Validate has an
// effect that must be undone
type ValidateRollbacker interface {
	RollbackValidate(ctx context.Context, t *Transient) Result
}

// Factory rebuilds an operation from its payload
type Factory func(payload []byte) (Operation, error)

// Catalogue is the closed set of procedure types the executor accepts
type Catalogue struct {
	mu        sync.RWMutex
	factories map[Type]Factory
}

// NewCatalogue creates an empty catalogue
func NewCatalogue() *Catalogue {
	return &Catalogue{factories: make(map[Type]Factory)}
}

// Register adds a factory. Registering a type twice panics.
func (c *Catalogue) Register(t Type, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.factories[t]; dup {
		panic(fmt.Sprintf("procedure type %q registered twice", t))
	}
	c.factories[t] = f
}

// Build constructs an operation of type t from payload
func (c *Catalogue) Build(t Type, payload []byte) (Operation, error) {
	c.mu.RLock()
	f, ok := c.factories[t]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}

	op, err := f(payload)
	if err != nil {
		return nil, fmt.Errorf("%w for %s: %w", ErrInvalidPayload, t, err)
	}
	if op.Type() != t {
		return nil, fmt.Errorf("factory for %q built a %q operation", t, op.Type())
	}
	return op, nil
}

// Has reports whether t is registered
func (c *Catalogue) Has(t Type) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.factories[t]
	return ok
}

// Types lists the registered types in sorted order
func (c *Catalogue) Types() []Type {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Type, 0, len(c.factories))
	for t := range c.factories {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
