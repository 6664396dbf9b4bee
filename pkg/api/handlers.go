package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/pipe"
	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/gorilla/mux"
	"github.com/hashicorp/raft"
)

const defaultWait = 30 * time.Second

var errNotLeader = errors.New("not the raft leader")

// Procedures

func (s *Server) submitProcedure(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitProcedureRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, errors.New("type is required"))
		return
	}
	s.submit(w, procedure.Type(req.Type), req.Payload)
}

func (s *Server) submit(w http.ResponseWriter, t procedure.Type, payload []byte) {
	if !s.manager.IsLeader() {
		s.writeNotLeader(w)
		return
	}
	id, err := s.exec.SubmitPayload(t, payload)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.SubmitProcedureResponse{ID: uint64(id)})
}

func (s *Server) listProcedures(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	resource := q.Get("resource")
	active, _ := strconv.ParseBool(q.Get("active"))

	var list []procedure.Status
	if active {
		list = s.exec.ListActive(resource)
	} else {
		for _, st := range s.exec.List() {
			if resource == "" || st.ResourceKey == resource {
				list = append(list, st)
			}
		}
	}
	if list == nil {
		list = []procedure.Status{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getProcedure(w http.ResponseWriter, r *http.Request) {
	id, err := procedureID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.exec.Status(id)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) waitProcedure(w http.ResponseWriter, r *http.Request) {
	id, err := procedureID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	timeout := defaultWait
	if v := r.URL.Query().Get("timeout"); v != "" {
		timeout, err = time.ParseDuration(v)
		if err != nil || timeout <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid timeout %q", v))
			return
		}
	}
	if timeout > MaxWait {
		timeout = MaxWait
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	outcome, err := s.exec.AwaitResult(ctx, id)
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusGatewayTimeout, fmt.Errorf("procedure %d still running after %s", id, timeout))
		return
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func procedureID(r *http.Request) (procedure.ID, error) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid procedure id %q", raw)
	}
	return procedure.ID(id), nil
}

// Pipes

func (s *Server) createPipe(w http.ResponseWriter, r *http.Request) {
	var p types.Pipe
	if err := decode(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := json.Marshal(p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, pipe.TypeCreate, payload)
}

func (s *Server) startPipe(w http.ResponseWriter, r *http.Request) {
	s.pipeAction(w, r, pipe.TypeStart)
}

func (s *Server) stopPipe(w http.ResponseWriter, r *http.Request) {
	s.pipeAction(w, r, pipe.TypeStop)
}

func (s *Server) dropPipe(w http.ResponseWriter, r *http.Request) {
	s.pipeAction(w, r, pipe.TypeDrop)
}

func (s *Server) pipeAction(w http.ResponseWriter, r *http.Request, t procedure.Type) {
	payload, err := json.Marshal(pipe.NameRequest{Name: mux.Vars(r)["name"]})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.submit(w, t, payload)
}

func (s *Server) listPipes(w http.ResponseWriter, r *http.Request) {
	pipes, err := s.manager.ListPipes()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	sort.Slice(pipes, func(i, j int) bool { return pipes[i].Name < pipes[j].Name })
	writeJSON(w, http.StatusOK, pipes)
}

func (s *Server) getPipe(w http.ResponseWriter, r *http.Request) {
	p, err := s.manager.GetPipe(mux.Vars(r)["name"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Nodes

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.manager.ListNodes()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) registerNode(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterNodeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.manager.IsLeader() {
		s.writeNotLeader(w)
		return
	}

	role, err := s.manager.Tokens().ValidateToken(req.Token)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if role != types.NodeRoleWorker {
		writeError(w, http.StatusForbidden, fmt.Errorf("token is for %s nodes", role))
		return
	}

	node := req.Node
	if node.ID == "" || node.Address == "" {
		writeError(w, http.StatusBadRequest, errors.New("node id and address are required"))
		return
	}
	now := time.Now()
	node.Role = types.NodeRoleWorker
	node.Status = types.NodeStatusReady
	node.LastHeartbeat = now

	existing, err := s.manager.GetNode(node.ID)
	switch {
	case errors.Is(err, types.ErrNotFound):
		node.CreatedAt = now
		err = s.manager.CreateNode(r.Context(), &node)
	case err == nil:
		node.CreatedAt = existing.CreatedAt
		err = s.manager.UpdateNode(r.Context(), &node)
	}
	if err != nil {
		s.writeErr(w, err)
		return
	}

	s.logger.Info().Str("node_id", node.ID).Str("address", node.Address).Msg("Worker node registered")
	s.manager.GetEventBroker().Publish(&events.Event{
		Type:     events.EventNodeJoined,
		Message:  fmt.Sprintf("node %s registered", node.ID),
		Metadata: map[string]string{"node_id": node.ID},
	})
	s.resyncNode(node.ID)

	writeJSON(w, http.StatusOK, &node)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	if !s.manager.IsLeader() {
		s.writeNotLeader(w)
		return
	}
	node, err := s.manager.GetNode(mux.Vars(r)["id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}

	recovered := node.Status == types.NodeStatusDown
	node.LastHeartbeat = time.Now()
	if recovered {
		node.Status = types.NodeStatusReady
	}
	if err := s.manager.UpdateNode(r.Context(), node); err != nil {
		s.writeErr(w, err)
		return
	}

	if recovered {
		s.logger.Info().Str("node_id", node.ID).Msg("Node is back, resynchronizing pipes")
		s.manager.GetEventBroker().Publish(&events.Event{
			Type:     events.EventNodeReady,
			Message:  fmt.Sprintf("node %s is ready again", node.ID),
			Metadata: map[string]string{"node_id": node.ID},
		})
		s.resyncNode(node.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resyncNode(id string) {
	if s.resync == nil {
		return
	}
	if err := s.resync.ResyncNode(id); err != nil {
		s.logger.Warn().Err(err).Str("node_id", id).Msg("Failed to schedule node resync")
	}
}

// Cluster

func (s *Server) clusterInfo(w http.ResponseWriter, r *http.Request) {
	info := types.ClusterInfo{
		NodeID:   s.manager.NodeID(),
		Leader:   s.manager.LeaderAddr(),
		IsLeader: s.manager.IsLeader(),
		Servers:  []types.ClusterServer{},
	}
	stats := s.manager.GetRaftStats()
	info.LastIndex, _ = stats["last_log_index"].(uint64)
	info.AppliedIndex, _ = stats["applied_index"].(uint64)

	servers, err := s.manager.GetClusterServers()
	if err != nil {
		s.writeErr(w, err)
		return
	}
	for _, srv := range servers {
		info.Servers = append(info.Servers, types.ClusterServer{
			ID:      string(srv.ID),
			Address: string(srv.Address),
			Voter:   srv.Suffrage == raft.Voter,
			Leader:  string(srv.Address) == info.Leader,
		})
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) joinCluster(w http.ResponseWriter, r *http.Request) {
	var req types.JoinClusterRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.manager.IsLeader() {
		s.writeNotLeader(w)
		return
	}
	role, err := s.manager.Tokens().ValidateToken(req.Token)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if role != types.NodeRoleManager {
		writeError(w, http.StatusForbidden, fmt.Errorf("token is for %s nodes", role))
		return
	}
	if req.NodeID == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, errors.New("node_id and address are required"))
		return
	}

	if err := s.manager.AddVoter(req.NodeID, req.Address); err != nil {
		s.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createToken(w http.ResponseWriter, r *http.Request) {
	var req types.CreateTokenRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// tokens live on the manager that issued them
	if !s.manager.IsLeader() {
		s.writeNotLeader(w)
		return
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	jt, err := s.manager.Tokens().GenerateToken(req.Role, ttl)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.CreateTokenResponse{
		Token:     jt.Token,
		Role:      jt.Role,
		ExpiresAt: jt.ExpiresAt,
	})
}

// Responses

func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) writeNotLeader(w http.ResponseWriter) {
	writeJSONError(w, http.StatusServiceUnavailable, types.ErrorResponse{
		Error:  errNotLeader.Error(),
		Leader: s.manager.LeaderAddr(),
	})
}

// writeErr maps domain errors to status codes
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeError(w, code, err)
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound), errors.Is(err, procedure.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, procedure.ErrResourceBusy), errors.Is(err, manager.ErrPipeExists):
		return http.StatusConflict
	case errors.Is(err, procedure.ErrShuttingDown), errors.Is(err, types.ErrTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, procedure.ErrUnknownType), errors.Is(err, procedure.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, manager.ErrInvalidToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSONError(w, code, types.ErrorResponse{Error: err.Error()})
}

func writeJSONError(w http.ResponseWriter, code int, body types.ErrorResponse) {
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
