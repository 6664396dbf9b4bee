/*
Package pipe implements the pipe procedures: create_pipe, start_pipe,
stop_pipe and drop_pipe.

Each operation follows the procedure template. Validate reads the
committed pipe from the local replica and decides whether there is work
to do; Commit writes one command through the consensus gateway; Propagate
pushes the resulting pipe (or a tombstone for drop_pipe) to every ready
node. Nodes that miss the push are left to the reconciler.

All pipe procedures lock the key "pipe/<name>", so operations on one pipe
run in submission order.
*/
package pipe
