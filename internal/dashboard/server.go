// Package dashboard serves the live metrics view: the static HTML page,
// the JSON snapshot endpoint, and (on the orchestrator) the shard ingest
// endpoint.
package dashboard

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/diarboledac/mqttdrill/internal/metrics"
)

//go:embed dashboard.html
var dashboardHTML []byte

const deviceTableLimit = 50

// Ingester accepts shard reports. Implemented by metrics.GlobalCollector;
// nil on shard-local dashboards, which register no POST route, so the mux
// answers POST /api/shard with 405 Method Not Allowed.
type Ingester interface {
	Ingest(shardID string, snap metrics.Snapshot, devices []metrics.BreakdownEntry)
}

// Server exposes the dashboard over HTTP. The HTML is a frozen asset; all
// contracts live at /api/metrics.
type Server struct {
	provider metrics.Provider
	ingester Ingester

	server   *http.Server
	listener net.Listener
}

// New creates a dashboard server for the given metrics provider. ingester
// may be nil.
func New(provider metrics.Provider, ingester Ingester) *Server {
	s := &Server{provider: provider, ingester: ingester}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleIndex)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	if ingester != nil {
		mux.HandleFunc("POST /api/shard", s.handleShard)
	}
	s.server = &http.Server{Handler: mux}
	return s
}

// Start binds host:port and serves in the background.
func (s *Server) Start(host string, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("dashboard listen: %w", err)
	}
	s.listener = ln
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("dashboard server stopped", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down, releasing the listening socket.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(dashboardHTML)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Metrics metrics.Snapshot         `json:"metrics"`
		Devices []metrics.BreakdownEntry `json:"devices"`
	}{
		Metrics: s.provider.Summary(),
		Devices: s.provider.DeviceBreakdown(deviceTableLimit),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Warn("could not encode metrics response", "error", err)
	}
}

func (s *Server) handleShard(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ShardID  string                   `json:"shard_id"`
		Snapshot metrics.Snapshot         `json:"snapshot"`
		Devices  []metrics.BreakdownEntry `json:"devices"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid shard payload", http.StatusBadRequest)
		return
	}
	s.ingester.Ingest(payload.ShardID, payload.Snapshot, payload.Devices)
	w.WriteHeader(http.StatusNoContent)
}
