/*
Package reconciler keeps worker nodes converged on the committed pipe
metadata.

The reconciler runs on every manager but only acts on the raft leader. Each
cycle does two things:

  - Node liveness: a node whose last heartbeat is older than
    HeartbeatTimeout is marked down through consensus and a node.down
    event is published. Down nodes are never propagation targets.

  - Straggler resync: procedures report the nodes that missed a Propagate
    push through AddStragglers. The reconciler pushes the currently
    committed pipe (or a tombstone if the pipe is gone) to each of those
    nodes once it is ready again. Pushes are paced by a token bucket so a
    node returning with many missed updates does not cause a burst.

When a node comes back after being down, ResyncNode queues every pipe for
it.

	┌──────────────┐  AddStragglers   ┌──────────────┐  Push   ┌─────────┐
	│  procedure   │ ───────────────▶ │  reconciler  │ ──────▶ │  agent  │
	│  executor    │                  │  (leader)    │         │         │
	└──────────────┘                  └──────┬───────┘         └─────────┘
	                                         │ UpdateNode(down)
	                                         ▼
	                                      raft log
*/
package reconciler
