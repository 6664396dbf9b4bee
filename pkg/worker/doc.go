/*
Package worker implements the burrow agent that runs on every data node.

The agent is the receiving end of pipe metadata propagation. Managers push
the committed definition of a pipe to every ready node after the Commit
phase of a procedure, and resend it later to nodes that missed it. The
agent stores what it receives in a local bbolt database (agent.db) so the
node keeps its pipe table across restarts and while no manager is
reachable.

# Lifecycle

	w, err := worker.NewWorker(worker.Config{
		NodeID:      "worker-1",
		ManagerAddr: "10.0.0.1:8080",
		ListenAddr:  "0.0.0.0:7070",
		DataDir:     "/var/lib/burrow-agent",
		JoinToken:   token,
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		return err
	}
	defer w.Stop()

Start serves the gRPC agent service and the standard gRPC health service,
then registers the node through the manager admin API. Registration is
retried with exponential back-off while the cluster has no leader; a
rejected token fails immediately. Once registered the agent heartbeats
every HeartbeatInterval. A manager that no longer knows the node answers
404, and the agent registers again.

# Pushes

A push carries the pipe as a protobuf Struct. A pipe with status dropped
is a tombstone and deletes the local copy. Pushes are idempotent: applying
the same definition twice changes nothing.

Pushes for one pipe may arrive out of order, for example a resync that read
the pipe before a newer procedure committed. The copy with the latest
UpdatedAt wins: an older push is acknowledged and ignored, and the drop time
of a deleted pipe is kept so an older copy cannot bring it back.
*/
package worker
