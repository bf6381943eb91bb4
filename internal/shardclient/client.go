// Package shardclient posts shard snapshots to the orchestrator's global
// aggregation endpoint.
package shardclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/diarboledac/mqttdrill/internal/metrics"
)

const requestTimeout = 5 * time.Second

// payload is the body of POST /api/shard.
type payload struct {
	ShardID  string                   `json:"shard_id"`
	Snapshot metrics.Snapshot         `json:"snapshot"`
	Devices  []metrics.BreakdownEntry `json:"devices"`
}

// Client reports one shard's snapshots to the global aggregator. Send
// failures are logged and swallowed; a missing aggregator never affects the
// simulation.
type Client struct {
	endpoint string
	shardID  string
	http     *http.Client
}

// New creates a client for the given endpoint and shard id.
func New(endpoint, shardID string) *Client {
	return &Client{
		endpoint: endpoint,
		shardID:  shardID,
		http:     &http.Client{Timeout: requestTimeout},
	}
}

// Send posts the snapshot and device breakdown, bounded by the request
// timeout and the context.
func (c *Client) Send(ctx context.Context, snap metrics.Snapshot, devices []metrics.BreakdownEntry) {
	body, err := json.Marshal(payload{ShardID: c.shardID, Snapshot: snap, Devices: devices})
	if err != nil {
		slog.Warn("could not encode shard snapshot", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		slog.Warn("could not build aggregator request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("could not report metrics to aggregator", "endpoint", c.endpoint, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		slog.Warn("aggregator rejected shard snapshot", "status", resp.StatusCode)
	}
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}
