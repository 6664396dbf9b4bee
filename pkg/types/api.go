package types

import (
	"encoding/json"
	"time"
)

// Request and response bodies of the /v1 admin API

// SubmitProcedureRequest submits a procedure by type and payload
type SubmitProcedureRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// SubmitProcedureResponse carries the id of an accepted procedure
type SubmitProcedureResponse struct {
	ID uint64 `json:"id"`
}

// RegisterNodeRequest registers a worker agent with the cluster
type RegisterNodeRequest struct {
	Node  Node   `json:"node"`
	Token string `json:"token"`
}

// JoinClusterRequest asks the leader to add a manager as a raft voter
type JoinClusterRequest struct {
	NodeID  string `json:"node_id"`
	Address string `json:"address"` // raft address
	Token   string `json:"token"`
}

// CreateTokenRequest asks for a join token
type CreateTokenRequest struct {
	Role NodeRole      `json:"role"`
	TTL  time.Duration `json:"ttl,omitempty"`
}

// CreateTokenResponse carries a join token
type CreateTokenResponse struct {
	Token     string    `json:"token"`
	Role      NodeRole  `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ClusterServer is one member of the raft configuration
type ClusterServer struct {
	ID      string `json:"id"`
	Address string `json:"address"`
	Voter   bool   `json:"voter"`
	Leader  bool   `json:"leader"`
}

// ClusterInfo describes the raft group as seen by the answering manager
type ClusterInfo struct {
	NodeID       string          `json:"node_id"`
	Leader       string          `json:"leader"`
	IsLeader     bool            `json:"is_leader"`
	Servers      []ClusterServer `json:"servers"`
	LastIndex    uint64          `json:"last_index"`
	AppliedIndex uint64          `json:"applied_index"`
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error  string `json:"error"`
	Leader string `json:"leader,omitempty"`
}
