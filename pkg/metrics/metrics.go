package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_nodes_total",
			Help: "Total number of nodes by role and status",
		},
		[]string{"role", "status"},
	)

	PipesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_pipes_total",
			Help: "Total number of pipes by status",
		},
		[]string{"status"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	RaftApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_raft_apply_duration_seconds",
			Help:    "Time taken to commit a command through Raft",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Procedure metrics
	ProceduresSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_procedures_submitted_total",
			Help: "Total number of procedures submitted by type",
		},
		[]string{"type"},
	)

	ProceduresRecovered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_procedures_recovered_total",
			Help: "Total number of unfinished procedures resumed after a restart by type",
		},
		[]string{"type"},
	)

	ProceduresCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_procedures_completed_total",
			Help: "Total number of procedures reaching a terminal outcome by type and state",
		},
		[]string{"type", "state"},
	)

	ProceduresActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_procedures_active",
			Help: "Number of procedures that have not reached a terminal outcome",
		},
	)

	ProcedurePhaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_procedure_phase_duration_seconds",
			Help:    "Time taken to run one procedure phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type", "phase", "direction"},
	)

	ProcedurePhaseRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_procedure_phase_retries_total",
			Help: "Total number of recoverable phase failures that were retried",
		},
		[]string{"type", "phase"},
	)

	ProcedureEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_procedure_escalations_total",
			Help: "Procedures whose rollback failed and need operator attention",
		},
		[]string{"type"},
	)

	LockWaiters = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_lock_waiters",
			Help: "Number of procedures waiting for a resource lock",
		},
	)

	// Procedure store metrics
	ProcstoreAppends = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_procstore_appends_total",
			Help: "Total number of procedure records appended",
		},
	)

	ProcstoreCompactions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_procstore_compactions_total",
			Help: "Total number of procedure log compactions",
		},
	)

	ProcstoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_procstore_errors_total",
			Help: "Procedure store failures by operation",
		},
		[]string{"op"},
	)

	// Fanout metrics
	FanoutPushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_fanout_push_duration_seconds",
			Help:    "Time taken to push pipe metadata to all target nodes",
			Buckets: prometheus.DefBuckets,
		},
	)

	FanoutNodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_fanout_node_failures_total",
			Help: "Pushes that failed per node",
		},
		[]string{"node"},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_reconciliation_duration_seconds",
			Help:    "Time taken for one reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	StragglersPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_stragglers_pending",
			Help: "Nodes waiting for a pipe metadata resync",
		},
	)

	StragglersResynced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_stragglers_resynced_total",
			Help: "Total number of successful pipe metadata resyncs",
		},
	)

	// Worker agent metrics
	AgentPushesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_agent_pushes_received_total",
			Help: "Pipe metadata pushes received by the worker agent by status",
		},
		[]string{"status"},
	)

	AgentPipes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_agent_pipes",
			Help: "Pipe definitions held by the worker agent",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(PipesTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(RaftApplyDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ProceduresSubmitted)
	prometheus.MustRegister(ProceduresRecovered)
	prometheus.MustRegister(ProceduresCompleted)
	prometheus.MustRegister(ProceduresActive)
	prometheus.MustRegister(ProcedurePhaseDuration)
	prometheus.MustRegister(ProcedurePhaseRetries)
	prometheus.MustRegister(ProcedureEscalations)
	prometheus.MustRegister(LockWaiters)
	prometheus.MustRegister(ProcstoreAppends)
	prometheus.MustRegister(ProcstoreCompactions)
	prometheus.MustRegister(ProcstoreErrors)
	prometheus.MustRegister(FanoutPushDuration)
	prometheus.MustRegister(FanoutNodeFailures)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(StragglersPending)
	prometheus.MustRegister(StragglersResynced)
	prometheus.MustRegister(AgentPushesReceived)
	prometheus.MustRegister(AgentPipes)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in seconds on the observer
func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labelled histogram
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
