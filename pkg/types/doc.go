/*
Package types defines the core data structures shared by burrow's packages.

The committed cluster metadata consists of two resource kinds:

  - Pipe: a data-movement pipeline definition (extractor, processor and
    connector attributes) plus its desired run status.
  - Node: a manager or worker node, its agent address and liveness.

Both are mutated only through raft commands (Command) applied by the manager
FSM, so every manager replica converges on the same metadata. Procedures in
pkg/procedure build these commands; pkg/manager applies them.

# Commands

A Command is an operation name plus a JSON payload:

	cmd, err := types.NewCommand(types.OpSetPipeStatus, types.SetPipeStatus{
		Name:   "orders-to-lake",
		Status: types.PipeStatusStopped,
	})

The set of operations is closed (OpCreatePipe, OpSetPipeStatus, OpDropPipe,
OpCreateNode, OpUpdateNode, OpDeleteNode); the FSM rejects anything else.

# Errors

ErrNotFound is returned by metadata lookups. ErrTransient wraps consensus
failures that are expected to clear on retry, such as a missing leader:

	if errors.Is(err, types.ErrTransient) {
		// retry with back-off
	}
*/
package types
