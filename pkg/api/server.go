package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// MaxWait bounds how long a wait request is held open
const MaxWait = 5 * time.Minute

// NodeResyncer queues every pipe for a push to a node that (re)joined
type NodeResyncer interface {
	ResyncNode(nodeID string) error
}

// Server is the HTTP admin API of a manager
type Server struct {
	manager  *manager.Manager
	exec     *procedure.Executor
	resync   NodeResyncer
	router   *mux.Router
	logger   zerolog.Logger
	tokenTTL time.Duration

	servers []*http.Server
}

// NewServer creates the API server. resync may be nil.
func NewServer(mgr *manager.Manager, exec *procedure.Executor, resync NodeResyncer) *Server {
	s := &Server{
		manager:  mgr,
		exec:     exec,
		resync:   resync,
		router:   mux.NewRouter(),
		logger:   log.WithComponent("api"),
		tokenTTL: 24 * time.Hour,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(instrument)

	registerHealthRoutes(r, s.manager)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/procedures", s.submitProcedure).Methods(http.MethodPost)
	v1.HandleFunc("/procedures", s.listProcedures).Methods(http.MethodGet)
	v1.HandleFunc("/procedures/{id:[0-9]+}", s.getProcedure).Methods(http.MethodGet)
	v1.HandleFunc("/procedures/{id:[0-9]+}/wait", s.waitProcedure).Methods(http.MethodGet)

	v1.HandleFunc("/pipes", s.createPipe).Methods(http.MethodPost)
	v1.HandleFunc("/pipes", s.listPipes).Methods(http.MethodGet)
	v1.HandleFunc("/pipes/{name}", s.getPipe).Methods(http.MethodGet)
	v1.HandleFunc("/pipes/{name}", s.dropPipe).Methods(http.MethodDelete)
	v1.HandleFunc("/pipes/{name}/start", s.startPipe).Methods(http.MethodPost)
	v1.HandleFunc("/pipes/{name}/stop", s.stopPipe).Methods(http.MethodPost)

	v1.HandleFunc("/nodes", s.listNodes).Methods(http.MethodGet)
	v1.HandleFunc("/nodes/register", s.registerNode).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/{id}/heartbeat", s.heartbeat).Methods(http.MethodPost)

	v1.HandleFunc("/cluster", s.clusterInfo).Methods(http.MethodGet)
	v1.HandleFunc("/cluster/join", s.joinCluster).Methods(http.MethodPost)
	v1.HandleFunc("/cluster/tokens", s.createToken).Methods(http.MethodPost)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no route for %s %s", r.Method, r.URL.Path))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed on %s", r.Method, r.URL.Path))
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves the API until Shutdown
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis, s.router)
}

// ServeReadOnly serves the API on lis rejecting every mutating request.
// Used for the local unix socket.
func (s *Server) ServeReadOnly(lis net.Listener) error {
	return s.Serve(lis, ReadOnly(s.router))
}

// Serve serves h on lis until Shutdown
func (s *Server) Serve(lis net.Listener, h http.Handler) error {
	srv := &http.Server{
		Handler:      h,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: MaxWait + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.servers = append(s.servers, srv)

	metrics.RegisterComponent("api", true, "")
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("Admin API listening")

	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops every listener
func (s *Server) Shutdown(ctx context.Context) error {
	metrics.UpdateComponent("api", false, "shutting down")
	var errs []error
	for _, srv := range s.servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
