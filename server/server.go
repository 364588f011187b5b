// Package server exposes the agent over HTTP: a JWT-protected command
// endpoint, task status and log queries, and an SSE stream of task notices.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/marionette-agent/marionette/command"
	"github.com/marionette-agent/marionette/comms"
	"github.com/marionette-agent/marionette/config"
	"github.com/marionette-agent/marionette/session"
)

// Server is the HTTP front end.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	router  *command.Router
	manager *session.Manager
	bus     comms.Bus
	version string
}

// New creates a Server.
func New(cfg config.Config, version string, router *command.Router, manager *session.Manager, bus comms.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		logger:  logger,
		router:  router,
		manager: manager,
		bus:     bus,
		version: version,
	}
}

// Start registers routes and begins listening. It blocks until the listener
// fails or Stop is called.
func (s *Server) Start() error {
	s.registerRoutes()

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9091"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	// Public routes.
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// SSE — auth via query token because EventSource can't set headers.
	s.mux.HandleFunc("GET /events", s.handleSSE)

	// Protected API.
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)
	apiMux.HandleFunc("POST /api/command", s.handleCommand)
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/logs", s.handleLogs)
	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// commandRequest is the body accepted by POST /api/command.
type commandRequest struct {
	Input string `json:"input"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user := subjectFromContext(r.Context())

	reply, err := s.router.Handle(r.Context(), user, req.Input)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reply": reply})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	user := subjectFromContext(r.Context())
	t, err := s.manager.Status(user)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	user := subjectFromContext(r.Context())
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	steps, err := s.manager.RecentLogs(user, limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

// handleSSE streams the authenticated user's task notices.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	subject, err := s.verifyToken(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan *comms.Notice, 32)
	unsub := s.bus.Subscribe(subject, func(_ context.Context, n *comms.Notice) error {
		select {
		case events <- n:
		default: // drop rather than block the publisher
		}
		return nil
	})
	defer unsub()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case n := <-events:
			data, err := json.Marshal(n)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Type, data)
			flusher.Flush()
		}
	}
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
