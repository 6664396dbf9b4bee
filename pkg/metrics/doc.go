/*
Package metrics provides Prometheus metrics and component health for burrow.

All metrics are package-level collectors registered with the default
Prometheus registry at init and exposed by Handler on /metrics. They fall
into a few groups:

	burrow_nodes_total, burrow_pipes_total        cluster metadata (gauges)
	burrow_raft_*                                 consensus group state
	burrow_procedures_*, burrow_procedure_*       executor activity
	burrow_procstore_*                            durable procedure log
	burrow_fanout_*                               pushes to worker nodes
	burrow_reconciliation_*, burrow_stragglers_*  background repair
	burrow_api_*                                  admin HTTP surface

burrow_procedure_escalations_total counts procedures whose rollback failed.
Any increase needs an operator; alert on it.

Timer measures a single operation:

	timer := metrics.NewTimer()
	result := runPhase(ctx)
	timer.ObserveDurationVec(metrics.ProcedurePhaseDuration, typ, phase, dir)

# Health

Components report their state with RegisterComponent/UpdateComponent.
GetHealth is unhealthy when a critical component is unhealthy and degraded
when only a non-critical one is. GetReadiness waits until every critical
component (raft, procstore and api by default) is registered and healthy.
HealthHandler, ReadyHandler and LivenessHandler serve these as JSON.
*/
package metrics
