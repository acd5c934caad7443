// Package gateway implements the loopback-only development gateway: token
// auth, host status, worker log streaming, and query/action/console access
// to the peers. It is enabled by default in dev mode and off in packaged
// builds.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/khayzz13/keystone/host/history"
	"github.com/khayzz13/keystone/host/netpolicy"
	"github.com/khayzz13/keystone/host/plugins"
	"github.com/khayzz13/keystone/host/processes"
)

const (
	// recentHistoryLimit caps the history rows embedded in a status
	// snapshot.
	recentHistoryLimit = 50
	// defaultQueryTimeout applies when a query request names no timeout.
	defaultQueryTimeout = 10 * time.Second
)

// Fleet defines the methods the gateway needs from the process fleet. This
// helps in decoupling and testing.
type Fleet interface {
	Snapshot() []processes.PeerInfo
	Get(name string) (*processes.Peer, bool)
	Primary() (*processes.Peer, bool)
	BroadcastAction(action string)
}

// Config wires the gateway to the rest of the host. Registry, History and
// Policy may be nil; the status endpoint omits the matching sections.
type Config struct {
	Logger    *slog.Logger
	AppName   string
	Port      int // 0 picks a free port
	Secret    []byte
	Fleet     Fleet
	Registry  *plugins.Registry
	History   *history.Store
	Policy    *netpolicy.Policy
	AllowEval bool
}

// Server is the dev gateway HTTP server. It only ever listens on loopback.
type Server struct {
	logger    *slog.Logger
	appName   string
	port      int
	secret    []byte
	fleet     Fleet
	registry  *plugins.Registry
	history   *history.Store
	policy    *netpolicy.Policy
	allowEval bool

	httpSrv *http.Server
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:    logger.With("component", "gateway"),
		appName:   cfg.AppName,
		port:      cfg.Port,
		secret:    cfg.Secret,
		fleet:     cfg.Fleet,
		registry:  cfg.Registry,
		history:   cfg.History,
		policy:    cfg.Policy,
		allowEval: cfg.AllowEval,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/access_token", s.logRequests(s.handleAccessToken))
	mux.HandleFunc("/api/status", s.logRequests(s.requireAuth(s.handleStatus)))
	mux.HandleFunc("/api/workers/", s.logRequests(s.requireAuth(s.handleWorkerLogs)))
	mux.HandleFunc("/api/action", s.logRequests(s.requireAuth(s.handleAction)))
	mux.HandleFunc("/api/query", s.logRequests(s.requireAuth(s.handleQuery)))
	mux.HandleFunc("/api/console", s.logRequests(s.requireAuth(s.handleConsole)))
	s.httpSrv = &http.Server{Handler: mux}

	return s
}

// Start binds the loopback listener and serves in the background. It returns
// the bound port.
func (s *Server) Start() (int, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return 0, fmt.Errorf("bind gateway listener: %w", err)
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Gateway server failed", "error", err)
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	s.logger.Info("Gateway listening", "port", port)
	return port, nil
}

// Shutdown stops the server, waiting for in-flight requests up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// StatusResponse is the host snapshot served by /api/status.
type StatusResponse struct {
	Name    string               `json:"name"`
	Peers   []processes.PeerInfo `json:"peers"`
	Plugins []plugins.EntryInfo  `json:"plugins,omitempty"`
	Network *netpolicy.Snapshot  `json:"network,omitempty"`
	History []history.Event      `json:"history,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatusResponse{
		Name:  s.appName,
		Peers: s.fleet.Snapshot(),
	}
	if s.registry != nil {
		resp.Plugins = s.registry.Snapshot()
	}
	if s.policy != nil {
		state := s.policy.State()
		resp.Network = &state
	}
	if s.history != nil {
		events, err := s.history.GetRecentEvents(recentHistoryLimit)
		if err != nil {
			s.logger.Error("Failed to load recent history", "error", err)
		} else {
			resp.History = events
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Action string `json:"action"`
	}
	if err := decodeJSONBody(r, &req); err != nil || req.Action == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	s.fleet.BroadcastAction(req.Action)
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Target    string          `json:"target"`
		Service   string          `json:"service"`
		Args      json.RawMessage `json:"args"`
		TimeoutMs int             `json:"timeoutMs"`
	}
	if err := decodeJSONBody(r, &req); err != nil || req.Service == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var peer *processes.Peer
	var ok bool
	if req.Target == "" || req.Target == processes.PrimaryName {
		peer, ok = s.fleet.Primary()
	} else {
		peer, ok = s.fleet.Get(req.Target)
	}
	if !ok {
		http.Error(w, "Worker not found", http.StatusNotFound)
		return
	}

	timeout := defaultQueryTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	result, err := peer.QueryWait(ctx, req.Service, req.Args)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Query timed out", http.StatusGatewayTimeout)
	case errors.Is(err, processes.ErrPeerDetached):
		http.Error(w, "Worker is not attached", http.StatusBadGateway)
	case err != nil:
		// A service-level error reply is a legitimate outcome, not a
		// transport failure.
		s.writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
	default:
		s.writeJSON(w, http.StatusOK, map[string]json.RawMessage{"result": result})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to write response", "error", err)
	}
}

// decodeJSONBody reads a bounded JSON request body.
func decodeJSONBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
