/*
Package procstore is the durable log of procedure state.

The executor appends a Record after every phase transition, before it runs
the next phase. On restart it calls LoadAll, which reduces the log to the
latest record of every procedure that has not yet reached a terminal outcome,
ordered by procedure id, and resumes each one from there.

BoltStore keeps the log in <dataDir>/procedures.db:

	records   big-endian sequence number -> JSON Record
	ids       NextSequence counter used by NextID

Each Append is a single bbolt read-write transaction and is therefore synced
to disk before it returns. Compact rewrites the records bucket keeping only
the latest record of still-active procedures; it does not change what
LoadAll returns.

MemStore has the same semantics in memory and can be told to fail appends,
which is how executor tests simulate an unavailable disk.
*/
package procstore
