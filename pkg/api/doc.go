/*
Package api serves the HTTP admin surface of a burrow manager.

Every mutating request is turned into a procedure and handed to the
executor; the response carries the procedure id and the caller polls or
waits on /v1/procedures/{id}/wait for the outcome. Requests that change
state are only accepted by the raft leader. Followers answer 503 with the
leader address in the body.

# Routes

	POST   /v1/procedures               submit {type, payload}
	GET    /v1/procedures               ?resource=pipe/x&active=true
	GET    /v1/procedures/{id}
	GET    /v1/procedures/{id}/wait     ?timeout=30s (504 when exceeded)
	POST   /v1/pipes                    create_pipe
	POST   /v1/pipes/{name}/start       start_pipe
	POST   /v1/pipes/{name}/stop        stop_pipe
	DELETE /v1/pipes/{name}             drop_pipe
	GET    /v1/pipes, /v1/pipes/{name}
	GET    /v1/nodes
	POST   /v1/nodes/register           worker join token required
	POST   /v1/nodes/{id}/heartbeat
	GET    /v1/cluster
	POST   /v1/cluster/join             manager join token required
	POST   /v1/cluster/tokens
	GET    /health, /ready, /live, /leader, /metrics

Errors are JSON bodies of the form {"error": "...", "leader": "..."}.

# Read-only socket

ServeReadOnly serves the same routes behind the ReadOnly middleware, which
rejects anything but GET and HEAD with 403. Managers expose it on a local
unix socket for inspection tooling.
*/
package api
