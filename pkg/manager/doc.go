/*
Package manager implements the burrow manager node: a hashicorp/raft group
whose FSM holds the committed pipe and node metadata.

Every change to cluster metadata goes through Manager.Write, which commits a
types.Command to the raft log and waits until the local FSM applied it. This is
the consensus gateway procedures use in their Commit and rollback phases:

	cmd, _ := types.NewCommand(types.OpSetPipeStatus, types.SetPipeStatus{
		Name:   "orders-to-lake",
		Status: types.PipeStatusStopped,
	})
	if err := mgr.Write(ctx, cmd); err != nil {
		if errors.Is(err, types.ErrTransient) {
			// no leader, leadership changing, enqueue timeout: retry
		}
		...
	}

# Core Components

Manager:
  - Builds the raft instance (TCP transport, raft-boltdb log and stable
    stores, file snapshots) or an in-memory equivalent for tests
  - Bootstrap starts a single-node cluster, Join asks an existing leader
    to add this node as a voter
  - Classifies raft apply errors into transient and permanent

BurrowFSM:
  - Applies create_pipe, set_pipe_status, drop_pipe, create_node,
    update_node and delete_node to the metadata store
  - Deterministic: timestamps come from the log entry
  - create_pipe with an identical definition and drop_pipe of a missing
    pipe are no-ops, so replays converge
  - Snapshot/Restore as JSON

TokenManager:
  - Join tokens for managers and workers, expiring through go-cache

MetricsCollector:
  - Publishes node, pipe and raft gauges every 15 seconds and keeps the
    "raft" health component current

Raft logs are routed through pkg/log so they carry the same structure as the
rest of the process output.
*/
package manager
