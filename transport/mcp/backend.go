package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/wricardo/mcp-training/statesocket/session"
)

// Backend is what the MCP tools operate on.
type Backend interface {
	State(ctx context.Context) (StateResponse, error)
	SetState(ctx context.Context, state json.RawMessage, broadcast bool) (StateResponse, error)
	Broadcast(ctx context.Context) (session.BroadcastSummary, error)
	Sync(ctx context.Context) error
	Backup(ctx context.Context) error
	Connections(ctx context.Context) ([]session.ConnectionInfo, error)
}

// StateResponse pairs the state with its version. It is also the body of
// GET /api/state.
type StateResponse struct {
	State   json.RawMessage `json:"state"`
	Version int64           `json:"version"`
}

// ConnectionsResponse is the body of GET /api/connections.
type ConnectionsResponse struct {
	Connections []session.ConnectionInfo `json:"connections"`
	Count       int                      `json:"count"`
}

// AdminBackend runs the tools against an in-process manager.
type AdminBackend struct {
	Admin session.Admin
}

func (b AdminBackend) State(ctx context.Context) (StateResponse, error) {
	return StateResponse{State: b.Admin.StateJSON(), Version: b.Admin.Version()}, nil
}

func (b AdminBackend) SetState(ctx context.Context, state json.RawMessage, broadcast bool) (StateResponse, error) {
	if err := b.Admin.ReplaceStateJSON(ctx, state, broadcast); err != nil {
		return StateResponse{}, err
	}
	return b.State(ctx)
}

func (b AdminBackend) Broadcast(ctx context.Context) (session.BroadcastSummary, error) {
	return b.Admin.BroadcastState(ctx), nil
}

func (b AdminBackend) Sync(ctx context.Context) error {
	return b.Admin.Sync(ctx)
}

func (b AdminBackend) Backup(ctx context.Context) error {
	return b.Admin.CreateBackup(ctx)
}

func (b AdminBackend) Connections(ctx context.Context) ([]session.ConnectionInfo, error) {
	return b.Admin.Connections(), nil
}

// HTTPBackend proxies the tools to a running statesocket REST API.
type HTTPBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPBackend creates a backend calling the REST API at baseURL.
func NewHTTPBackend(baseURL string) *HTTPBackend {
	return &HTTPBackend{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Ping reports whether the REST API answers its health check.
func (b *HTTPBackend) Ping(ctx context.Context) error {
	return b.apiCall(ctx, http.MethodGet, "/healthz", nil, nil)
}

func (b *HTTPBackend) State(ctx context.Context) (StateResponse, error) {
	var resp StateResponse
	err := b.apiCall(ctx, http.MethodGet, "/api/state", nil, &resp)
	return resp, err
}

func (b *HTTPBackend) SetState(ctx context.Context, state json.RawMessage, broadcast bool) (StateResponse, error) {
	path := "/api/state?" + url.Values{"broadcast": {fmt.Sprint(broadcast)}}.Encode()
	var resp StateResponse
	err := b.apiCall(ctx, http.MethodPut, path, state, &resp)
	return resp, err
}

func (b *HTTPBackend) Broadcast(ctx context.Context) (session.BroadcastSummary, error) {
	var summary session.BroadcastSummary
	err := b.apiCall(ctx, http.MethodPost, "/api/broadcast", nil, &summary)
	return summary, err
}

func (b *HTTPBackend) Sync(ctx context.Context) error {
	return b.apiCall(ctx, http.MethodPost, "/api/sync", nil, nil)
}

func (b *HTTPBackend) Backup(ctx context.Context) error {
	return b.apiCall(ctx, http.MethodPost, "/api/backup", nil, nil)
}

func (b *HTTPBackend) Connections(ctx context.Context) ([]session.ConnectionInfo, error) {
	var resp ConnectionsResponse
	err := b.apiCall(ctx, http.MethodGet, "/api/connections", nil, &resp)
	return resp.Connections, err
}

func (b *HTTPBackend) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]string
		json.NewDecoder(resp.Body).Decode(&errResp)
		if msg, ok := errResp["error"]; ok {
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}
