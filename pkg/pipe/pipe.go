package pipe

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/fanout"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/structpb"
)

// Procedure types for pipe operations
const (
	TypeCreate procedure.Type = "create_pipe"
	TypeStart  procedure.Type = "start_pipe"
	TypeStop   procedure.Type = "stop_pipe"
	TypeDrop   procedure.Type = "drop_pipe"
)

// ErrInvalidName is returned for pipe names that cannot be used as keys
var ErrInvalidName = errors.New("invalid pipe name")

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// Gateway commits metadata commands through consensus
type Gateway interface {
	Write(ctx context.Context, cmd types.Command) error
}

// Metadata reads committed pipes and nodes
type Metadata interface {
	GetPipe(name string) (*types.Pipe, error)
	ListNodes() ([]*types.Node, error)
}

// Pusher delivers pipe metadata to worker nodes
type Pusher interface {
	Push(ctx context.Context, nodes []*types.Node, meta *structpb.Struct) map[string]error
}

// Deps are the collaborators shared by every pipe operation
type Deps struct {
	Gateway  Gateway
	Metadata Metadata
	Fanout   Pusher
}

// RegisterAll adds the pipe operations to cat
func RegisterAll(cat *procedure.Catalogue, deps Deps) {
	cat.Register(TypeCreate, func(payload []byte) (procedure.Operation, error) {
		return decodeCreate(deps, payload)
	})
	cat.Register(TypeStart, func(payload []byte) (procedure.Operation, error) {
		return decodeStatus(deps, TypeStart, payload)
	})
	cat.Register(TypeStop, func(payload []byte) (procedure.Operation, error) {
		return decodeStatus(deps, TypeStop, payload)
	})
	cat.Register(TypeDrop, func(payload []byte) (procedure.Operation, error) {
		return decodeDrop(deps, payload)
	})
}

// ResourceKey is the lock key of a pipe
func ResourceKey(name string) string {
	return "pipe/" + name
}

// ValidateName checks that name is usable as a pipe name
func ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// NameRequest is the payload of start, stop and drop procedures
type NameRequest struct {
	Name string `json:"name"`
}

// lookup reads a pipe, mapping "not found" to (nil, nil)
func (d Deps) lookup(name string) (*types.Pipe, error) {
	p, err := d.Metadata.GetPipe(name)
	if errors.Is(err, types.ErrNotFound) {
		return nil, nil
	}
	return p, err
}

func (d Deps) write(ctx context.Context, op string, v interface{}) procedure.Result {
	cmd, err := types.NewCommand(op, v)
	if err != nil {
		return procedure.Fatal(err)
	}
	return procedure.FromError(d.Gateway.Write(ctx, cmd))
}

// Tombstone is the metadata pushed for a dropped pipe
func Tombstone(name string, droppedAt time.Time) *types.Pipe {
	return &types.Pipe{Name: name, Status: types.PipeStatusDropped, UpdatedAt: droppedAt}
}

// Targets returns the nodes that receive pushed pipe metadata: ready
// nodes with an agent address, ordered by id
func Targets(nodes []*types.Node) []*types.Node {
	out := make([]*types.Node, 0, len(nodes))
	for _, n := range nodes {
		if n.Status == types.NodeStatusReady && n.Address != "" {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// push sends p to every target node. Failures are reported, never returned.
func (d Deps) push(ctx context.Context, p *types.Pipe, logger zerolog.Logger) procedure.PropagationReport {
	nodes, err := d.Metadata.ListNodes()
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to list nodes, metadata will be synchronized later")
		return procedure.PropagationReport{}
	}
	targets := Targets(nodes)

	report := procedure.PropagationReport{Targets: make([]string, 0, len(targets))}
	for _, n := range targets {
		report.Targets = append(report.Targets, n.ID)
	}
	if len(targets) == 0 {
		return report
	}

	meta, err := fanout.PipeMeta(p)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode pipe metadata")
		report.Failures = make(map[string]error, len(targets))
		for _, n := range targets {
			report.Failures[n.ID] = err
		}
		return report
	}

	report.Failures = d.Fanout.Push(ctx, targets, meta)
	logger.Info().
		Int("targets", len(targets)).
		Int("failed", report.Failed()).
		Str("status", string(p.Status)).
		Msg("Pushed pipe metadata")
	return report
}

// pushCommitted pushes the committed copy of name, falling back to
// fallback when it cannot be read
func (d Deps) pushCommitted(ctx context.Context, name string, fallback *types.Pipe, logger zerolog.Logger) procedure.PropagationReport {
	p, err := d.lookup(name)
	if err != nil || p == nil {
		p = fallback
	}
	return d.push(ctx, p, logger)
}

func pipeLogger(t procedure.Type, name string) zerolog.Logger {
	return log.WithPipe(name).With().Str("component", "pipe").Str("type", string(t)).Logger()
}
