package procedure

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/procstore"
)

// ID identifies a procedure. Ids are allocated monotonically and never reused.
type ID uint64

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Type names an entry of the operation catalogue
type Type string

// Phase is one step of the procedure template
type Phase int

const (
	PhaseValidate Phase = iota
	PhasePrepare
	PhaseCommit
	PhasePropagate
)

// NumPhases is the number of phases in the template. A forward procedure
// whose PhaseIndex equals NumPhases has run every phase.
const NumPhases = 4

// NotStarted is the PhaseIndex of a procedure that has not run any phase
const NotStarted = -1

func (p Phase) String() string {
	switch p {
	case PhaseValidate:
		return "validate"
	case PhasePrepare:
		return "prepare"
	case PhaseCommit:
		return "commit"
	case PhasePropagate:
		return "propagate"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Direction tells whether a procedure is executing phases or undoing them
type Direction string

const (
	Forward     Direction = "forward"
	RollingBack Direction = "rolling_back"
)

// OutcomeState is the summary of a procedure's result
type OutcomeState string

const (
	Pending    OutcomeState = "pending"
	Succeeded  OutcomeState = "succeeded"
	Failed     OutcomeState = "failed"
	RolledBack OutcomeState = "rolled_back"
)

// Outcome is the result of a procedure. Once State is not Pending it never
// changes again.
type Outcome struct {
	State OutcomeState `json:"state"`
	// Reason is the error that failed the procedure or triggered rollback
	Reason string `json:"reason,omitempty"`
	// RollbackError is set when a rollback action itself failed
	RollbackError string `json:"rollback_error,omitempty"`
	// NeedsOperator marks a procedure whose rollback failed; the system may
	// be left partially changed.
	NeedsOperator bool `json:"needs_operator,omitempty"`
	// Skipped is set when Validate found nothing to do
	Skipped bool `json:"skipped,omitempty"`
	// PropagationFailures maps node id to the push error for nodes that
	// did not receive the change. They do not affect State.
	PropagationFailures map[string]string `json:"propagation_failures,omitempty"`
}

// Terminal reports whether the outcome is final
func (o Outcome) Terminal() bool {
	return o.State != Pending && o.State != ""
}

// State is the persisted part of a procedure
type State struct {
	ID          ID              `json:"id"`
	Type        Type            `json:"type"`
	ResourceKey string          `json:"resource_key"`
	Direction   Direction       `json:"direction"`
	PhaseIndex  int             `json:"phase_index"`
	Payload     json.RawMessage `json:"payload"`
	Outcome     Outcome         `json:"outcome"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Phase returns the phase PhaseIndex points at, if any
func (s State) Phase() (Phase, bool) {
	if s.PhaseIndex < 0 || s.PhaseIndex >= NumPhases {
		return 0, false
	}
	return Phase(s.PhaseIndex), true
}

func (s State) record() (procstore.Record, error) {
	outcome, err := json.Marshal(s.Outcome)
	if err != nil {
		return procstore.Record{}, err
	}
	return procstore.Record{
		ProcedureID: uint64(s.ID),
		Type:        string(s.Type),
		ResourceKey: s.ResourceKey,
		Direction:   string(s.Direction),
		PhaseIndex:  s.PhaseIndex,
		Payload:     s.Payload,
		Terminal:    s.Outcome.Terminal(),
		Outcome:     outcome,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}, nil
}

func stateFromRecord(rec procstore.Record) (State, error) {
	s := State{
		ID:          ID(rec.ProcedureID),
		Type:        Type(rec.Type),
		ResourceKey: rec.ResourceKey,
		Direction:   Direction(rec.Direction),
		PhaseIndex:  rec.PhaseIndex,
		Payload:     rec.Payload,
		Outcome:     Outcome{State: Pending},
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
	if len(rec.Outcome) > 0 {
		if err := json.Unmarshal(rec.Outcome, &s.Outcome); err != nil {
			return State{}, fmt.Errorf("procedure %d: corrupt outcome: %w", rec.ProcedureID, err)
		}
	}
	switch s.Direction {
	case Forward, RollingBack:
	default:
		return State{}, fmt.Errorf("procedure %d: unknown direction %q", rec.ProcedureID, rec.Direction)
	}
	return s, nil
}

// Status is the externally visible view of a procedure
type Status struct {
	State
	Phase string `json:"phase,omitempty"`
	// Waiting is true while the procedure is queued behind another one
	// holding its resource key
	Waiting bool `json:"waiting"`
}

func newStatus(s State, waiting bool) Status {
	st := Status{State: s, Waiting: waiting}
	if p, ok := s.Phase(); ok {
		st.Phase = p.String()
	}
	return st
}

// Transient is per-procedure scratch state owned by the running process.
// It is never persisted; after a restart it is re-derived by running
// Validate again.
type Transient struct {
	// SkipRemaining, set by Validate, completes the procedure successfully
	// without running Prepare, Commit or Propagate.
	SkipRemaining bool

	values map[string]interface{}
}

// Put stores an operation-specific value
func (t *Transient) Put(key string, v interface{}) {
	if t.values == nil {
		t.values = make(map[string]interface{})
	}
	t.values[key] = v
}

// Get returns a value stored with Put
func (t *Transient) Get(key string) (interface{}, bool) {
	v, ok := t.values[key]
	return v, ok
}
