// Package client provides a Go SDK for talking to one fabric node's control
// plane.
//
// Big idea:
//
// Instead of writing raw HTTP requests everywhere,
// we wrap them inside a clean Go API.
//
// So instead of:
//
//	http.NewRequest(...)
//	json.Marshal(...)
//
// Users can simply call:
//
//	client.Health(ctx)
//	client.SetState(ctx, "STANDBY")
//
// This is called a "client library" or "SDK".
//
// It hides:
//   - HTTP details
//   - JSON encoding/decoding
//   - Error handling
//
// And exposes a clean Go interface. Key reads/writes don't go through this
// client at all — those speak the text protocol directly, see TextClient.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client represents a connection to ONE fabric node's control plane.
//
// Important:
//
// This client talks to a single node.
// That node only reports its own view — topology, live peer connections,
// counters. There is no cluster-wide aggregation here, mirroring the
// fabric itself: every node's control plane only ever speaks for itself.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new Client.
//
// baseURL example:
//
//	"http://localhost:8080"
//
// timeout protects us from hanging forever.
// In distributed systems:
//
//	NEVER call network without timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health reports a node's identity and dyn_state.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	return out, c.getJSON(ctx, "/health", &out)
}

// Stats reports a node's counters and latency histogram.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	return out, c.getJSON(ctx, "/stats", &out)
}

// Nodes lists every peer in the node's statically configured topology.
func (c *Client) Nodes(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	return out, c.getJSON(ctx, "/cluster/nodes", &out)
}

// Join asks the node to dial a peer and register its connection.
func (c *Client) Join(ctx context.Context, peerID, addr string) error {
	return c.postJSON(ctx, "/cluster/join", map[string]string{"id": peerID, "addr": addr}, nil)
}

// Leave asks the node to tear down its connection to a peer.
func (c *Client) Leave(ctx context.Context, peerID string) error {
	return c.postJSON(ctx, "/cluster/leave", map[string]string{"id": peerID}, nil)
}

// SetState drives the node's dyn_state machine (NORMAL, STANDBY,
// WRITES_ONLY, RESUMING).
func (c *Client) SetState(ctx context.Context, state string) error {
	return c.postJSON(ctx, "/admin/state", map[string]string{"state": state}, nil)
}

// SetConsistency flips the node's default read or write consistency
// (target is "read" or "write", level is "LOCAL_ONE" or "LOCAL_QUORUM").
func (c *Client) SetConsistency(ctx context.Context, target, level string) error {
	return c.postJSON(ctx, "/admin/consistency", map[string]string{"target": target, "level": level}, nil)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	data, _ := json.Marshal(body)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ─── Errors ───────────────────────────────────────────────────────────────────

// APIError carries the HTTP status and the error message from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// checkStatus converts HTTP error responses
// into Go errors.
//
// If status is 2xx → success.
// Otherwise:
//
//  1. Read response body
//  2. Try parsing {"error": "..."} JSON
//  3. Return APIError
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
