package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	agenterrors "github.com/kubeadapt/pve-agent/internal/errors"
	"github.com/kubeadapt/pve-agent/internal/observability"
	"github.com/kubeadapt/pve-agent/pkg/model"
)

// ReadinessChecker reports whether the agent is ready to serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// SnapshotProvider returns the latest cluster snapshot.
type SnapshotProvider interface {
	LatestSnapshot() *model.Snapshot
}

// StatusReporter exposes the poll loop's health counters.
type StatusReporter interface {
	LastUpdateSuccess() bool
	ConsecutiveFailures() int
	PollState() string
}

// Refresher triggers an out-of-cycle poll.
type Refresher interface {
	RequestRefresh(ctx context.Context) error
}

// Poller is everything the server needs from the poll loop.
type Poller interface {
	ReadinessChecker
	SnapshotProvider
	StatusReporter
	Refresher
}

// HostStats describes the hosts the agent knows about.
type HostStats interface {
	ItemCounts() map[string]int
	Known() []model.Node
}

// Status is the body of GET /status.
type Status struct {
	State               string    `json:"state"`
	Ready               bool      `json:"ready"`
	Stale               bool      `json:"stale"`
	LastUpdateSuccess   bool      `json:"last_update_success"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	SnapshotID          string    `json:"snapshot_id,omitempty"`
	CapturedAt          time.Time `json:"captured_at,omitzero"`
	UptimeSeconds       int64     `json:"uptime_seconds"`
	ActiveErrors        []string  `json:"active_errors"`
}

// Server exposes health, readiness, status, metrics, and debug endpoints.
type Server struct {
	httpServer *http.Server
	metrics    *observability.Metrics
	poller     Poller
	hosts      HostStats
	errors     *agenterrors.ErrorCollector
	startedAt  time.Time
	listener   net.Listener
}

// NewServer creates a new health server on the given port.
// Pass port=0 to let the OS pick a free port (useful for tests).
// When enableDebug is true, pprof and debug endpoints are registered.
func NewServer(port int, metrics *observability.Metrics, poller Poller, hosts HostStats, errCollector *agenterrors.ErrorCollector, enableDebug bool) *Server {
	s := &Server{
		metrics:   metrics,
		poller:    poller,
		hosts:     hosts,
		errors:    errCollector,
		startedAt: time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	if enableDebug {
		// pprof handlers, only enabled when PVE_DEBUG_ENDPOINTS=true
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		// debug endpoints
		mux.HandleFunc("GET /debug/snapshot", s.handleDebugSnapshot)
		mux.HandleFunc("GET /debug/hosts", s.handleDebugHosts)
		mux.HandleFunc("GET /debug/errors", s.handleDebugErrors)
		mux.HandleFunc("POST /debug/refresh", s.handleDebugRefresh)
	}

	s.httpServer = &http.Server{
		Addr:           fmt.Sprintf(":%d", port),
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   2 * time.Minute,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start begins listening and serving HTTP in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("health server listen: %w", err)
	}
	s.listener = ln
	// Update Addr to the actual address (important when port=0).
	s.httpServer.Addr = ln.Addr().String()

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("health server stopped unexpectedly", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address. It is only meaningful after Start.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	ready := s.poller.IsReady()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]bool{"ready": ready})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() Status {
	st := Status{
		State:               s.poller.PollState(),
		Ready:               s.poller.IsReady(),
		LastUpdateSuccess:   s.poller.LastUpdateSuccess(),
		ConsecutiveFailures: s.poller.ConsecutiveFailures(),
		UptimeSeconds:       int64(time.Since(s.startedAt).Seconds()),
		ActiveErrors:        []string{},
	}
	if snap := s.poller.LatestSnapshot(); snap != nil {
		st.SnapshotID = snap.SnapshotID
		st.CapturedAt = snap.CapturedAt
		st.Stale = st.ConsecutiveFailures > 0
	}
	if s.errors != nil {
		st.ActiveErrors = s.errors.GetActiveErrorCodes()
	}
	return st
}

// handleDebugSnapshot writes the current snapshot, zstd-compressed when the
// client accepts it.
func (s *Server) handleDebugSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.poller.LatestSnapshot()
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if !acceptsZstd(r.Header.Get("Accept-Encoding")) {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Encoding", "zstd")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(enc).Encode(snap); err != nil {
		slog.Debug("debug snapshot write failed", "error", err)
	}
	if err := enc.Close(); err != nil {
		slog.Debug("debug snapshot flush failed", "error", err)
	}
}

func (s *Server) handleDebugHosts(w http.ResponseWriter, _ *http.Request) {
	type host struct {
		NodeID    string `json:"node_id"`
		Available bool   `json:"available"`
	}
	known := s.hosts.Known()
	hosts := make([]host, 0, len(known))
	for _, n := range known {
		hosts = append(hosts, host{NodeID: n.NodeID, Available: n.Available})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"counts": s.hosts.ItemCounts(),
		"hosts":  hosts,
	})
}

func (s *Server) handleDebugErrors(w http.ResponseWriter, _ *http.Request) {
	active := []agenterrors.ActiveError{}
	if s.errors != nil {
		active = s.errors.GetActiveErrors()
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleDebugRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.poller.RequestRefresh(r.Context()); err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func acceptsZstd(header string) bool {
	for _, part := range strings.Split(header, ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(enc, "zstd") {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
