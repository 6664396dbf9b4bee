/*
Package log provides structured logging for burrow using zerolog.

A single global zerolog.Logger is configured once with Init and shared by
every package. Packages derive child loggers that carry a fixed context
field so that lines from one procedure, pipe or node can be filtered:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	execLog := log.WithComponent("executor")
	execLog.Info().Uint64("procedure_id", 42).Str("phase", "commit").Msg("phase completed")

	pipeLog := log.WithPipe("orders-to-lake")
	pipeLog.Warn().Msg("metadata will be synchronized later")

# Raft logs

hashicorp/raft logs through hclog. NewRaftLogger returns an hclog.Logger whose
output is a zerolog child logger tagged with component=<name>, so raft lines
end up in the same stream as the rest of the process:

	raftCfg.Logger = log.NewRaftLogger("raft", log.InfoLevel)

# Levels

Debug for per-phase detail, Info for procedure lifecycle, Warn for propagation
stragglers and retries, Error for rollbacks that failed and store failures.
Fatal exits the process and is only used by the command line entry points.
*/
package log
