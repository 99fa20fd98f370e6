package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/wricardo/mcp-training/statesocket/log"
	"github.com/wricardo/mcp-training/statesocket/metrics"
	"github.com/wricardo/mcp-training/statesocket/session"
	"github.com/wricardo/mcp-training/statesocket/transport/mcp"
)

// maxStateBytes bounds the body of PUT /api/state.
const maxStateBytes = 1 << 20

// Options wires the optional surfaces mounted next to the REST API.
type Options struct {
	// WebSocket serves /ws.
	WebSocket http.Handler
	// MCP serves POST /mcp.
	MCP http.Handler
	// Version is reported by /healthz.
	Version string
}

// Server represents the REST API server
type Server struct {
	admin   session.Admin
	opts    Options
	router  *mux.Router
	logger  zerolog.Logger
	started time.Time
}

// NewServer creates a new API server
func NewServer(admin session.Admin, opts Options) *Server {
	s := &Server{
		admin:   admin,
		opts:    opts,
		router:  mux.NewRouter(),
		logger:  log.WithComponent("api"),
		started: time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.instrument)

	api := s.router.PathPrefix("/api").Subrouter()

	// State
	api.HandleFunc("/state", s.handleGetState).Methods("GET")
	api.HandleFunc("/state", s.handlePutState).Methods("PUT")
	api.HandleFunc("/version", s.handleGetVersion).Methods("GET")

	// Operations
	api.HandleFunc("/broadcast", s.handleBroadcast).Methods("POST")
	api.HandleFunc("/sync", s.handleSync).Methods("POST")
	api.HandleFunc("/backup", s.handleBackup).Methods("POST")

	// Connections
	api.HandleFunc("/connections", s.handleListConnections).Methods("GET")

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")

	if s.opts.WebSocket != nil {
		s.router.Handle("/ws", s.opts.WebSocket)
	}
	if s.opts.MCP != nil {
		s.router.Handle("/mcp", s.opts.MCP)
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Unwrap lets http.ResponseController reach the hijacker used by /ws.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument records request counts and latencies per route.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}

		// WebSocket upgrades need the raw writer.
		if route == "/ws" {
			next.ServeHTTP(w, r)
			metrics.APIRequestsTotal.WithLabelValues(route, r.Method, "101").Inc()
			return
		}

		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		timer.ObserveDurationVec(metrics.APIRequestDuration, route, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", rec.status).
			Dur("duration", timer.Duration()).
			Msg("request served")
	})
}

// Response helpers
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps manager errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrDisposed):
		return http.StatusServiceUnavailable
	case session.IsKind(err, session.KindPersistence):
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// State Handlers

func (s *Server) stateResponse() mcp.StateResponse {
	return mcp.StateResponse{
		State:   s.admin.StateJSON(),
		Version: s.admin.Version(),
	}
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) handlePutState(w http.ResponseWriter, r *http.Request) {
	broadcast := true
	if v := r.URL.Query().Get("broadcast"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "broadcast must be a boolean")
			return
		}
		broadcast = b
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxStateBytes))
	if err != nil {
		respondError(w, http.StatusRequestEntityTooLarge, "state body too large")
		return
	}
	if !json.Valid(body) {
		respondError(w, http.StatusBadRequest, "state must be valid JSON")
		return
	}

	if err := s.admin.ReplaceStateJSON(r.Context(), body, broadcast); err != nil {
		respondError(w, errorStatus(err), err.Error())
		return
	}

	s.logger.Info().
		Int64("version", s.admin.Version()).
		Bool("broadcast", broadcast).
		Msg("state replaced through API")
	respondJSON(w, http.StatusOK, s.stateResponse())
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]int64{"version": s.admin.Version()})
}

// Operation Handlers

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.admin.BroadcastState(r.Context()))
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.Sync(r.Context()); err != nil {
		respondError(w, errorStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "synced",
		"version": s.admin.Version(),
	})
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.CreateBackup(r.Context()); err != nil {
		respondError(w, errorStatus(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "backed_up"})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns := s.admin.Connections()
	respondJSON(w, http.StatusOK, mcp.ConnectionsResponse{
		Connections: conns,
		Count:       len(conns),
	})
}

// Health check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"version":     s.opts.Version,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"connections": len(s.admin.Connections()),
	})
}
