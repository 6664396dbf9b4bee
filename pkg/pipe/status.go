package pipe

import (
	"context"
	"encoding/json"

	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// SetStatus starts or stops an existing pipe. StartPipe and StopPipe are
// the same operation with opposite target states.
type SetStatus struct {
	deps   Deps
	typ    procedure.Type
	name   string
	target types.PipeStatus
	logger zerolog.Logger
}

// NewStartPipe builds a start_pipe operation
func NewStartPipe(deps Deps, name string) *SetStatus {
	return newSetStatus(deps, TypeStart, name)
}

// NewStopPipe builds a stop_pipe operation
func NewStopPipe(deps Deps, name string) *SetStatus {
	return newSetStatus(deps, TypeStop, name)
}

func newSetStatus(deps Deps, typ procedure.Type, name string) *SetStatus {
	target := types.PipeStatusRunning
	if typ == TypeStop {
		target = types.PipeStatusStopped
	}
	return &SetStatus{
		deps:   deps,
		typ:    typ,
		name:   name,
		target: target,
		logger: pipeLogger(typ, name),
	}
}

func decodeStatus(deps Deps, typ procedure.Type, payload []byte) (procedure.Operation, error) {
	var req NameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	return newSetStatus(deps, typ, req.Name), nil
}

func (o *SetStatus) Type() procedure.Type { return o.typ }
func (o *SetStatus) ResourceKey() string  { return ResourceKey(o.name) }

func (o *SetStatus) Payload() ([]byte, error) {
	return json.Marshal(NameRequest{Name: o.name})
}

// previous is the status the pipe returns to on rollback
func (o *SetStatus) previous() types.PipeStatus {
	if o.target == types.PipeStatusRunning {
		return types.PipeStatusStopped
	}
	return types.PipeStatusRunning
}

// Validate fails when the pipe does not exist and skips when it is already
// in the target state
func (o *SetStatus) Validate(ctx context.Context, t *procedure.Transient) procedure.Result {
	p, err := o.deps.lookup(o.name)
	if err != nil {
		return procedure.Fatal(err)
	}
	if p == nil {
		return procedure.Fatalf("pipe %s does not exist", o.name)
	}
	if p.Status == o.target {
		o.logger.Info().Str("status", string(p.Status)).Msg("Pipe already in requested state, skipping")
		t.SkipRemaining = true
	}
	return procedure.OK()
}

func (o *SetStatus) Prepare(ctx context.Context, t *procedure.Transient) procedure.Result {
	return procedure.OK()
}

func (o *SetStatus) Commit(ctx context.Context, t *procedure.Transient) procedure.Result {
	return o.deps.write(ctx, types.OpSetPipeStatus, types.SetPipeStatus{Name: o.name, Status: o.target})
}

func (o *SetStatus) RollbackCommit(ctx context.Context, t *procedure.Transient) procedure.Result {
	o.logger.Info().Str("status", string(o.previous())).Msg("Restoring pipe status")
	return o.deps.write(ctx, types.OpSetPipeStatus, types.SetPipeStatus{Name: o.name, Status: o.previous()})
}

func (o *SetStatus) Propagate(ctx context.Context, t *procedure.Transient) procedure.PropagationReport {
	fallback := &types.Pipe{Name: o.name, Status: o.target}
	return o.deps.pushCommitted(ctx, o.name, fallback, o.logger)
}
