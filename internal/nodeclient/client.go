// Package nodeclient is the Panel's HTTP client for the Node Agent API.
package nodeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/zZedix/smite"

	"github.com/cenkalti/backoff/v4"
)

const (
	applyTimeout  = 30 * time.Second
	statusTimeout = 10 * time.Second
	maxRetries    = 2
)

// ErrNodeUnreachable wraps transport-level failures so the orchestrator
// can distinguish them from node-side rejections.
type ErrNodeUnreachable struct {
	Node string
	Err  error
}

func (e *ErrNodeUnreachable) Error() string {
	return fmt.Sprintf("node %s unreachable: %v", e.Node, e.Err)
}

func (e *ErrNodeUnreachable) Unwrap() error { return e.Err }

// ErrNodeRejected is a non-2xx response from the agent.
type ErrNodeRejected struct {
	Node    string
	Status  int
	Message string
}

func (e *ErrNodeRejected) Error() string {
	return fmt.Sprintf("node %s rejected request (%d): %s", e.Node, e.Status, e.Message)
}

// Client talks to node agents. The zero value is not usable; use New.
type Client struct {
	http *http.Client
}

func New() *Client {
	return &Client{http: &http.Client{Timeout: applyTimeout}}
}

// ApplyTunnel dispatches a tunnel spec to a node.
func (c *Client) ApplyTunnel(ctx context.Context, node smite.Node, tunnelID string, core smite.Core, typ string, spec smite.Spec) error {
	return c.post(ctx, node, "/api/agent/tunnels/apply", map[string]any{
		"tunnel_id": tunnelID,
		"core":      core,
		"type":      typ,
		"spec":      spec,
	})
}

// RemoveTunnel asks a node to tear a tunnel down.
func (c *Client) RemoveTunnel(ctx context.Context, node smite.Node, tunnelID string) error {
	return c.post(ctx, node, "/api/agent/tunnels/remove", map[string]any{
		"tunnel_id": tunnelID,
	})
}

// ApplyMesh ships a WireGuard mesh config to a node.
func (c *Client) ApplyMesh(ctx context.Context, node smite.Node, meshID string, spec smite.Spec) error {
	return c.post(ctx, node, "/api/agent/mesh/apply", map[string]any{
		"mesh_id": meshID,
		"spec":    spec,
	})
}

// RemoveMesh asks a node to remove a mesh interface.
func (c *Client) RemoveMesh(ctx context.Context, node smite.Node, meshID string) error {
	return c.post(ctx, node, "/api/agent/mesh/remove", map[string]any{
		"mesh_id": meshID,
	})
}

// TunnelStatus fetches one tunnel's live state from a node.
func (c *Client) TunnelStatus(ctx context.Context, node smite.Node, tunnelID string) (map[string]any, error) {
	u := node.APIAddress() + "/api/agent/tunnels/status?tunnel_id=" + url.QueryEscape(tunnelID)
	return c.get(ctx, node, u)
}

// Probe checks agent liveness with the short status timeout.
func (c *Client) Probe(ctx context.Context, node smite.Node) error {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	_, err := c.get(ctx, node, node.APIAddress()+"/api/agent/status")
	return err
}

// post sends a JSON body, retrying transport failures with exponential
// backoff. Node-side rejections are not retried: the same spec would be
// rejected again.
func (c *Client) post(ctx context.Context, node smite.Node, path string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	u := node.APIAddress() + path

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return &ErrNodeUnreachable{Node: node.ID, Err: err}
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return backoff.Permanent(&ErrNodeRejected{
				Node:    node.ID,
				Status:  resp.StatusCode,
				Message: readErrorMessage(resp.Body),
			})
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	return backoff.Retry(op, bo)
}

func (c *Client) get(ctx context.Context, node smite.Node, u string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &ErrNodeUnreachable{Node: node.ID, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, &ErrNodeRejected{Node: node.ID, Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode node response: %w", err)
	}
	return out, nil
}

// readErrorMessage extracts the error field from an agent error body,
// falling back to the raw text.
func readErrorMessage(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(bytes.TrimSpace(data))
}
