package pipe

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

const (
	snapshotKey  = "pipe.snapshot"
	droppedAtKey = "pipe.dropped_at"
)

// DropPipe removes a pipe. Prepare captures the committed definition so a
// failed drop can restore it.
type DropPipe struct {
	deps   Deps
	name   string
	logger zerolog.Logger
}

// NewDropPipe builds a drop_pipe operation
func NewDropPipe(deps Deps, name string) *DropPipe {
	return &DropPipe{
		deps:   deps,
		name:   name,
		logger: pipeLogger(TypeDrop, name),
	}
}

func decodeDrop(deps Deps, payload []byte) (procedure.Operation, error) {
	var req NameRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}
	return NewDropPipe(deps, req.Name), nil
}

func (o *DropPipe) Type() procedure.Type { return TypeDrop }
func (o *DropPipe) ResourceKey() string  { return ResourceKey(o.name) }

func (o *DropPipe) Payload() ([]byte, error) {
	return json.Marshal(NameRequest{Name: o.name})
}

// Validate skips when the pipe is already gone
func (o *DropPipe) Validate(ctx context.Context, t *procedure.Transient) procedure.Result {
	p, err := o.deps.lookup(o.name)
	if err != nil {
		return procedure.Fatal(err)
	}
	if p == nil {
		o.logger.Info().Msg("Pipe does not exist, nothing to drop")
		t.SkipRemaining = true
	}
	return procedure.OK()
}

func (o *DropPipe) Prepare(ctx context.Context, t *procedure.Transient) procedure.Result {
	p, err := o.deps.lookup(o.name)
	if err != nil {
		return procedure.Fatal(err)
	}
	if p == nil {
		return procedure.Fatalf("pipe %s disappeared before it could be dropped", o.name)
	}
	t.Put(snapshotKey, p)
	return procedure.OK()
}

// RollbackPrepare discards the captured definition
func (o *DropPipe) RollbackPrepare(ctx context.Context, t *procedure.Transient) procedure.Result {
	t.Put(snapshotKey, nil)
	return procedure.OK()
}

func (o *DropPipe) Commit(ctx context.Context, t *procedure.Transient) procedure.Result {
	res := o.deps.write(ctx, types.OpDropPipe, o.name)
	if res.IsOK() {
		t.Put(droppedAtKey, time.Now())
	}
	return res
}

// RollbackCommit recreates the pipe from the definition captured in
// Prepare. After a restart the capture is gone; if the pipe still exists
// there is nothing to undo, otherwise the rollback fails.
func (o *DropPipe) RollbackCommit(ctx context.Context, t *procedure.Transient) procedure.Result {
	current, err := o.deps.lookup(o.name)
	if err != nil {
		return procedure.Fatal(err)
	}
	if current != nil {
		return procedure.OK()
	}

	v, _ := t.Get(snapshotKey)
	snapshot, ok := v.(*types.Pipe)
	if !ok || snapshot == nil {
		return procedure.Fatalf("no captured definition of pipe %s to restore", o.name)
	}
	o.logger.Info().Msg("Restoring dropped pipe")
	return o.deps.write(ctx, types.OpCreatePipe, snapshot)
}

// Propagate pushes a tombstone stamped with the drop time. Agents ignore
// pushes older than what they hold, so the stamp must not predate the
// commit; after a restart the capture is gone and now is used instead.
func (o *DropPipe) Propagate(ctx context.Context, t *procedure.Transient) procedure.PropagationReport {
	droppedAt := time.Now()
	if v, ok := t.Get(droppedAtKey); ok {
		if at, ok := v.(time.Time); ok {
			droppedAt = at
		}
	}
	return o.deps.push(ctx, Tombstone(o.name, droppedAt), o.logger)
}
