package procedure

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/types"
)

// ResultKind classifies the result of a phase or rollback action
type ResultKind int

const (
	ResultOK ResultKind = iota
	// ResultRecoverable is retried with back-off; it becomes fatal when
	// retries are exhausted.
	ResultRecoverable
	// ResultFatal fails the phase immediately
	ResultFatal
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultRecoverable:
		return "recoverable"
	case ResultFatal:
		return "fatal"
	default:
		return fmt.Sprintf("result(%d)", int(k))
	}
}

// Result is what a phase function returns
type Result struct {
	Kind ResultKind
	Err  error
}

// OK is a successful result
func OK() Result {
	return Result{Kind: ResultOK}
}

// Recoverable wraps an error that may clear on retry
func Recoverable(err error) Result {
	return Result{Kind: ResultRecoverable, Err: err}
}

// Fatal wraps an error that must not be retried
func Fatal(err error) Result {
	return Result{Kind: ResultFatal, Err: err}
}

// Fatalf is Fatal(fmt.Errorf(...))
func Fatalf(format string, args ...interface{}) Result {
	return Fatal(fmt.Errorf(format, args...))
}

// FromError maps an error to a result. Transient consensus failures and
// timeouts are recoverable; everything else is fatal.
func FromError(err error) Result {
	switch {
	case err == nil:
		return OK()
	case errors.Is(err, types.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return Recoverable(err)
	default:
		return Fatal(err)
	}
}

// IsOK reports whether the result is ResultOK
func (r Result) IsOK() bool {
	return r.Kind == ResultOK
}

func (r Result) String() string {
	if r.Err == nil {
		return r.Kind.String()
	}
	return r.Kind.String() + ": " + r.Err.Error()
}

// PropagationReport is the result of the Propagate phase. Per-node failures
// never fail the procedure.
type PropagationReport struct {
	Targets  []string
	Failures map[string]error
}

// Failed returns the number of nodes that did not receive the change
func (r PropagationReport) Failed() int {
	return len(r.Failures)
}

func (r PropagationReport) failureStrings() map[string]string {
	if len(r.Failures) == 0 {
		return nil
	}
	out := make(map[string]string, len(r.Failures))
	for node, err := range r.Failures {
		out[node] = err.Error()
	}
	return out
}
