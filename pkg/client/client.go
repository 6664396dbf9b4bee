package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/procedure"
	"github.com/cuemby/burrow/pkg/types"
)

// DefaultTimeout bounds every request that does not carry its own deadline
const DefaultTimeout = 30 * time.Second

// APIError is a non-2xx answer from a manager
type APIError struct {
	StatusCode int
	Message    string
	// Leader is the raft address of the leader when the manager asked is a
	// follower
	Leader string
}

func (e *APIError) Error() string {
	if e.Leader != "" {
		return fmt.Sprintf("%s (leader is %s)", e.Message, e.Leader)
	}
	return e.Message
}

// Unwrap maps status codes to the shared sentinel errors
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return types.ErrNotFound
	case http.StatusServiceUnavailable:
		return types.ErrTransient
	default:
		return nil
	}
}

// Client talks to the admin API of a manager
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the manager at addr, given as host:port or
// as a URL
func NewClient(addr string) (*Client, error) {
	if addr == "" {
		return nil, errors.New("manager address is required")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid manager address: %w", err)
	}
	return &Client{
		base: strings.TrimRight(u.String(), "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}, nil
}

// Close releases idle connections
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e types.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err := json.Unmarshal(data, &e); err != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
			if e.Error == "" {
				e.Error = resp.Status
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: e.Error, Leader: e.Leader}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Procedures

// SubmitProcedure submits a procedure by type and payload and returns its id
func (c *Client) SubmitProcedure(ctx context.Context, typ string, payload json.RawMessage) (uint64, error) {
	var resp types.SubmitProcedureResponse
	err := c.do(ctx, http.MethodPost, "/v1/procedures", types.SubmitProcedureRequest{Type: typ, Payload: payload}, &resp)
	return resp.ID, err
}

// GetProcedure returns the status of a procedure
func (c *Client) GetProcedure(ctx context.Context, id uint64) (*procedure.Status, error) {
	var st procedure.Status
	if err := c.do(ctx, http.MethodGet, "/v1/procedures/"+strconv.FormatUint(id, 10), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListProcedures lists procedures, optionally restricted to one resource
// key and to active ones
func (c *Client) ListProcedures(ctx context.Context, resourceKey string, activeOnly bool) ([]procedure.Status, error) {
	q := url.Values{}
	if resourceKey != "" {
		q.Set("resource", resourceKey)
	}
	if activeOnly {
		q.Set("active", "true")
	}
	path := "/v1/procedures"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []procedure.Status
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// WaitProcedure blocks until the procedure finishes or timeout elapses on
// the server
func (c *Client) WaitProcedure(ctx context.Context, id uint64, timeout time.Duration) (*procedure.Outcome, error) {
	path := fmt.Sprintf("/v1/procedures/%d/wait?timeout=%s", id, timeout)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+DefaultTimeout)
		defer cancel()
	}
	// the server holds the request open for up to timeout
	hc := *c.http
	hc.Timeout = 0
	wc := &Client{base: c.base, http: &hc}

	var out procedure.Outcome
	if err := wc.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Pipes

// CreatePipe submits a create_pipe procedure
func (c *Client) CreatePipe(ctx context.Context, p *types.Pipe) (uint64, error) {
	var resp types.SubmitProcedureResponse
	err := c.do(ctx, http.MethodPost, "/v1/pipes", p, &resp)
	return resp.ID, err
}

// StartPipe submits a start_pipe procedure
func (c *Client) StartPipe(ctx context.Context, name string) (uint64, error) {
	return c.pipeAction(ctx, http.MethodPost, "/v1/pipes/"+url.PathEscape(name)+"/start")
}

// StopPipe submits a stop_pipe procedure
func (c *Client) StopPipe(ctx context.Context, name string) (uint64, error) {
	return c.pipeAction(ctx, http.MethodPost, "/v1/pipes/"+url.PathEscape(name)+"/stop")
}

// DropPipe submits a drop_pipe procedure
func (c *Client) DropPipe(ctx context.Context, name string) (uint64, error) {
	return c.pipeAction(ctx, http.MethodDelete, "/v1/pipes/"+url.PathEscape(name))
}

func (c *Client) pipeAction(ctx context.Context, method, path string) (uint64, error) {
	var resp types.SubmitProcedureResponse
	err := c.do(ctx, method, path, nil, &resp)
	return resp.ID, err
}

// ListPipes lists committed pipes
func (c *Client) ListPipes(ctx context.Context) ([]*types.Pipe, error) {
	var out []*types.Pipe
	err := c.do(ctx, http.MethodGet, "/v1/pipes", nil, &out)
	return out, err
}

// GetPipe returns a committed pipe
func (c *Client) GetPipe(ctx context.Context, name string) (*types.Pipe, error) {
	var p types.Pipe
	if err := c.do(ctx, http.MethodGet, "/v1/pipes/"+url.PathEscape(name), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Nodes and cluster

// ListNodes lists registered nodes
func (c *Client) ListNodes(ctx context.Context) ([]*types.Node, error) {
	var out []*types.Node
	err := c.do(ctx, http.MethodGet, "/v1/nodes", nil, &out)
	return out, err
}

// RegisterNode registers a worker agent using a join token
func (c *Client) RegisterNode(ctx context.Context, node *types.Node, token string) (*types.Node, error) {
	var out types.Node
	if err := c.do(ctx, http.MethodPost, "/v1/nodes/register", types.RegisterNodeRequest{Node: *node, Token: token}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat reports that a node is alive
func (c *Client) Heartbeat(ctx context.Context, nodeID string) error {
	return c.do(ctx, http.MethodPost, "/v1/nodes/"+url.PathEscape(nodeID)+"/heartbeat", nil, nil)
}

// JoinCluster asks the leader to add a manager as a raft voter
func (c *Client) JoinCluster(ctx context.Context, nodeID, raftAddr, token string) error {
	return c.do(ctx, http.MethodPost, "/v1/cluster/join", types.JoinClusterRequest{
		NodeID:  nodeID,
		Address: raftAddr,
		Token:   token,
	}, nil)
}

// ClusterInfo describes the raft group
func (c *Client) ClusterInfo(ctx context.Context) (*types.ClusterInfo, error) {
	var out types.ClusterInfo
	if err := c.do(ctx, http.MethodGet, "/v1/cluster", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateJoinToken creates a join token for role
func (c *Client) CreateJoinToken(ctx context.Context, role types.NodeRole, ttl time.Duration) (*types.CreateTokenResponse, error) {
	var out types.CreateTokenResponse
	if err := c.do(ctx, http.MethodPost, "/v1/cluster/tokens", types.CreateTokenRequest{Role: role, TTL: ttl}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
