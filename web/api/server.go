// Package api serves the control and status HTTP surface over the project registry
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/issues"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/registry"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/runner"
)

// maxConfigBody caps the size of a PUT config request
const maxConfigBody = 1 << 20

// Server is the HTTP API server
type Server struct {
	registry *registry.Registry
	addr     string
	mux      *http.ServeMux
	sseHub   *SSEHub
	log      *slog.Logger
	upgrader websocket.Upgrader

	// NewFetcher builds the issue fetcher for a tracker repository
	NewFetcher func(repo string) *issues.Fetcher
}

// NewServer creates a new API server
func NewServer(reg *registry.Registry, addr string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry:   reg,
		addr:       addr,
		mux:        http.NewServeMux(),
		sseHub:     NewSSEHub(),
		log:        logger.With("component", "api"),
		NewFetcher: issues.NewFetcher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the API binds to localhost by default; browsers on other origins may tail logs
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.globalStatusHandler())
	s.mux.HandleFunc("GET /api/events", s.sseHandler())

	s.mux.HandleFunc("GET /api/projects/{id}/status", s.statusHandler())
	s.mux.HandleFunc("GET /api/projects/{id}/logs", s.logsHandler())
	s.mux.HandleFunc("GET /api/projects/{id}/logs/ws", s.logsWebSocketHandler())
	s.mux.HandleFunc("GET /api/projects/{id}/agents", s.listAgentsHandler())
	s.mux.HandleFunc("GET /api/projects/{id}/agents/{name}", s.getAgentHandler())
	s.mux.HandleFunc("GET /api/projects/{id}/config", s.getConfigHandler())
	s.mux.HandleFunc("PUT /api/projects/{id}/config", s.putConfigHandler())
	s.mux.HandleFunc("GET /api/projects/{id}/issues", s.issuesHandler())
	s.mux.HandleFunc("GET /api/projects/{id}/prs", s.pullRequestsHandler())
	s.mux.HandleFunc("POST /api/projects/{id}/{action}", s.actionHandler())
}

// Handler returns the routed handler, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.sseHub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

// PublishRunnerEvent forwards a runner state change to SSE clients. It is meant to be
// passed as the registry's OnEvent hook.
func (s *Server) PublishRunnerEvent(ev runner.Event) {
	s.Broadcast(SSEEvent{Type: ev.Type, Data: ev})
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}
