/*
Package procedure runs multi-phase administrative changes to cluster
metadata.

A procedure is an Operation driven through a fixed template of phases:

	Validate -> Prepare -> Commit -> Propagate

Validate checks preconditions and may decide there is nothing to do, in
which case the procedure succeeds without running the later phases. Commit
applies the change through the consensus layer. Propagate pushes it to
worker nodes on a best-effort basis; nodes that miss the push are handed to
a StragglerSink for later resynchronization.

When Prepare or Commit fail the procedure turns around and undoes the
phases it ran, newest first, including the failed one. If an undo action
fails the procedure ends Failed with NeedsOperator set.

The Executor persists the procedure's state to a Store after every phase,
before the next phase runs. After a restart RecoverOnStartup resumes each
unfinished procedure at the phase after the last persisted one. Procedures
sharing a resource key are serialized through a lock.Manager in submission
order.

Typical wiring:

	cat := procedure.NewCatalogue()
	pipe.RegisterAll(cat, pipeDeps)

	exec, err := procedure.NewExecutor(procedure.DefaultConfig(), procedure.Deps{
		Store:     store,
		Locks:     lock.NewManager(),
		Catalogue: cat,
	})
	if err != nil {
		return err
	}
	if _, err := exec.RecoverOnStartup(ctx); err != nil {
		return err
	}
	exec.Start()
	defer exec.Stop()

	id, err := exec.SubmitPayload("create_pipe", payload)
	outcome, err := exec.AwaitResult(ctx, id)
*/
package procedure
