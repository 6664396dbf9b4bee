// Package lock provides per-resource exclusive locks for procedures.
//
// A procedure owns the lock on its resource key from the moment it is
// admitted until it reaches a terminal outcome. Locks are reentrant for the
// same owner and fair: contested owners wait in FIFO order and Release hands
// the key directly to the next one, so a later submission can never overtake
// an earlier one on the same key. Nothing here blocks; the executor keeps
// waiting procedures off its ready queue until they are granted.
//
// Locks live in memory only. After a restart the executor re-acquires them
// for recovered procedures in id order.
package lock
