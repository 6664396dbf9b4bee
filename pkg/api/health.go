package api

import (
	"net/http"

	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/gorilla/mux"
)

// LeaderChecker reports raft leadership
type LeaderChecker interface {
	IsLeader() bool
	LeaderAddr() string
}

func registerHealthRoutes(r *mux.Router, lc LeaderChecker) {
	r.Handle("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	r.Handle("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	r.Handle("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/leader", leaderHandler(lc)).Methods(http.MethodGet)
}

// leaderHandler answers 200 on the leader and 503 elsewhere, so a load
// balancer can route mutating traffic to the leader only
func leaderHandler(lc LeaderChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]interface{}{
			"leader":    lc.LeaderAddr(),
			"is_leader": lc.IsLeader(),
		}
		code := http.StatusOK
		if !lc.IsLeader() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, body)
	}
}
