/*
Package storage provides BoltDB-backed persistence for burrow's committed
cluster metadata.

The store holds two buckets in <dataDir>/metadata.db:

	pipes   keyed by pipe name
	nodes   keyed by node id

Values are JSON-encoded types.Pipe and types.Node. The store is the state of
the raft FSM in pkg/manager: it is only written from FSM.Apply and
FSM.Restore, so every manager replica holds the same content once it has
applied the same log prefix. Reads (pipe lookups during a procedure's Validate
phase, node listings for propagation) go straight to the local store.

Missing keys are reported as types.ErrNotFound wrapped with the key:

	_, err := store.GetPipe("orders-to-lake")
	if errors.Is(err, types.ErrNotFound) {
		...
	}
*/
package storage
