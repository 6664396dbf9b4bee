/*
Package fanout pushes pipe metadata from the manager to worker agents.

Agents expose the burrow.agent.v1.PipeAgent gRPC service with a single
unary method, PushPipeMeta, carrying the pipe as a google.protobuf.Struct.
The service descriptor is declared by hand in this package, so no
generated code is needed on either side.

Client.Push contacts every node concurrently with a per-node timeout and
reports the nodes that failed. It never fails as a whole: partial delivery
is the normal case and the reconciler resends to the nodes that missed it.
*/
package fanout
