// Package registry is a thin, offline-tolerant client for the external
// Registry contract (spec §1/§6): an opaque key/value ABI for node
// registration, heartbeats, lookups, and slashing. The Registry itself is
// out of scope; this package only speaks its fixed RPC surface and degrades
// to local-only operation when it is unreachable.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sqlitefleet/engine/internal/model"
)

// Client is a bounded-timeout HTTP client for the Registry ABI. A zero-value
// BaseURL means no Registry is configured; every call then becomes a no-op
// that logs and returns nil, per spec.md's "operate offline" allowance.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New creates a Client. An empty baseURL puts the Client in offline mode.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{BaseURL: baseURL, HTTPClient: &http.Client{Timeout: timeout}}
}

func (c *Client) offline() bool { return c.BaseURL == "" }

// RegisterNode announces this Node to the Registry.
func (c *Client) RegisterNode(ctx context.Context, n model.Node) error {
	if c.offline() {
		log.Printf("[registry] offline: skipping registerNode for %s", n.NodeID)
		return nil
	}
	return c.post(ctx, "/registerNode", n)
}

// Heartbeat reports liveness and current load to the Registry.
func (c *Client) Heartbeat(ctx context.Context, nodeID string, databaseCount int, totalQueries int64) error {
	if c.offline() {
		return nil
	}
	return c.post(ctx, "/heartbeat", map[string]any{
		"node_id":        nodeID,
		"database_count": databaseCount,
		"total_queries":  totalQueries,
		"at":             time.Now().UTC(),
	})
}

// GetNode looks up a peer Node's registry record.
func (c *Client) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	if c.offline() {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/getNode?node_id="+nodeID, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("[registry] getNode(%s) failed, continuing offline: %v", nodeID, err)
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry getNode: unexpected status %d", resp.StatusCode)
	}
	var n model.Node
	if err := json.NewDecoder(resp.Body).Decode(&n); err != nil {
		return nil, err
	}
	return &n, nil
}

// Slash reports a Node for a failed audit challenge. Integration with the
// Registry's actual slashing ledger is a deployment concern; this call only
// notifies it.
func (c *Client) Slash(ctx context.Context, nodeID string, amount int64, reason string) error {
	if c.offline() {
		log.Printf("[registry] offline: would slash %s for %q", nodeID, reason)
		return nil
	}
	return c.post(ctx, "/slash", map[string]any{
		"node_id": nodeID,
		"amount":  amount,
		"reason":  reason,
	})
}

func (c *Client) post(ctx context.Context, path string, body any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		log.Printf("[registry] %s failed, continuing offline: %v", path, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("registry %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}
