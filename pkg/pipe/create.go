package pipe

import (
	"context"
	"encoding/json"

	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// CreatePipe commits a new pipe definition in the stopped state
type CreatePipe struct {
	deps   Deps
	spec   types.Pipe
	logger zerolog.Logger
}

// NewCreatePipe builds a create_pipe operation for spec
func NewCreatePipe(deps Deps, spec types.Pipe) *CreatePipe {
	spec.Status = types.PipeStatusStopped
	return &CreatePipe{
		deps:   deps,
		spec:   spec,
		logger: pipeLogger(TypeCreate, spec.Name),
	}
}

func decodeCreate(deps Deps, payload []byte) (procedure.Operation, error) {
	var spec types.Pipe
	if err := json.Unmarshal(payload, &spec); err != nil {
		return nil, err
	}
	if err := ValidateName(spec.Name); err != nil {
		return nil, err
	}
	return NewCreatePipe(deps, spec), nil
}

func (o *CreatePipe) Type() procedure.Type     { return TypeCreate }
func (o *CreatePipe) ResourceKey() string      { return ResourceKey(o.spec.Name) }
func (o *CreatePipe) Payload() ([]byte, error) { return json.Marshal(o.spec) }

// Validate skips when an identical pipe exists and fails when the name is
// taken by a different definition
func (o *CreatePipe) Validate(ctx context.Context, t *procedure.Transient) procedure.Result {
	if err := ValidateName(o.spec.Name); err != nil {
		return procedure.Fatal(err)
	}
	existing, err := o.deps.lookup(o.spec.Name)
	if err != nil {
		return procedure.Fatal(err)
	}
	if existing == nil {
		return procedure.OK()
	}
	if existing.SameDefinition(&o.spec) {
		o.logger.Info().Msg("Pipe already exists with the same definition")
		t.SkipRemaining = true
		return procedure.OK()
	}
	return procedure.Fatalf("pipe %s already exists with a different definition", o.spec.Name)
}

func (o *CreatePipe) Prepare(ctx context.Context, t *procedure.Transient) procedure.Result {
	return procedure.OK()
}

func (o *CreatePipe) Commit(ctx context.Context, t *procedure.Transient) procedure.Result {
	return o.deps.write(ctx, types.OpCreatePipe, &o.spec)
}

func (o *CreatePipe) RollbackCommit(ctx context.Context, t *procedure.Transient) procedure.Result {
	return o.deps.write(ctx, types.OpDropPipe, o.spec.Name)
}

func (o *CreatePipe) Propagate(ctx context.Context, t *procedure.Transient) procedure.PropagationReport {
	return o.deps.pushCommitted(ctx, o.spec.Name, &o.spec, o.logger)
}
