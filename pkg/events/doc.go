// Package events is an in-process publish/subscribe broker for procedure
// lifecycle and cluster events.
//
// The executor publishes procedure.submitted, procedure.recovered and one
// terminal event per procedure (succeeded, failed, rolled_back), plus
// procedure.escalated when a rollback itself fails. The admin API publishes
// node.joined and node.ready, the reconciler node.down and pipe.resynced.
// Publish never blocks the caller; slow subscribers miss events rather than
// stalling the executor.
package events
