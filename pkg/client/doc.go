/*
Package client is the Go client for the burrow manager admin API.

The admin API is JSON over HTTP under /v1. The CLI, worker agents and
joining managers all use this package:

	c, err := client.NewClient("127.0.0.1:8080")
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.StopPipe(ctx, "orders")
	if err != nil {
		return err
	}
	outcome, err := c.WaitProcedure(ctx, id, time.Minute)

Mutating calls must reach the raft leader. A follower answers with 503 and
the leader's address; the returned *APIError unwraps to types.ErrTransient
so callers can retry with errors.Is. A 404 unwraps to types.ErrNotFound.
*/
package client
