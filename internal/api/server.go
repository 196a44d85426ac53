// Package api implements the counselor HTTP API.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/careerdesk/counselor/internal/apperr"
	"github.com/careerdesk/counselor/internal/buildinfo"
	"github.com/careerdesk/counselor/internal/connwatch"
	"github.com/careerdesk/counselor/internal/engine"
	"github.com/careerdesk/counselor/internal/events"
	"github.com/careerdesk/counselor/internal/metrics"
	"github.com/careerdesk/counselor/internal/orchestrator"
	"github.com/careerdesk/counselor/internal/store"
)

// maxWait caps the ?wait= duration of a result request.
const maxWait = 2 * time.Minute

// defaultUsageWindow is the usage report window without ?since=.
const defaultUsageWindow = 30 * 24 * time.Hour

// Orchestrator is the conversation surface the API exposes.
type Orchestrator interface {
	SubmitPrompt(ctx context.Context, userID, threadID, prompt string) (orchestrator.Ticket, error)
	ListExchanges(ctx context.Context, userID, threadID string) ([]engine.Message, error)
	Result(ctx context.Context, token string) (*store.RunRecord, error)
	AwaitResult(ctx context.Context, token string) (*store.RunRecord, error)

	CreateUser(ctx context.Context, userID string) (*store.User, error)
	FindUser(ctx context.Context, userID string) (*store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	DeleteUser(ctx context.Context, userID string) error
	CreateThread(ctx context.Context, userID string) (*store.Thread, error)
	ListThreads(ctx context.Context, userID string) ([]string, error)
	DeleteThread(ctx context.Context, userID, threadID string) error
	ListUserExchanges(ctx context.Context, userID string) ([]store.Exchange, error)
	UserUsage(ctx context.Context, userID string, since time.Time) (*orchestrator.UsageReport, error)
	ThreadHistory(ctx context.Context, userID, threadID string) ([]store.Exchange, error)
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	orch     Orchestrator
	starters []string
	bus      *events.Bus
	metrics  *metrics.Metrics
	watch    *connwatch.Manager
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// NewServer creates a new API server.
func NewServer(address string, port int, orch Orchestrator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		orch:    orch,
		logger:  logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// SetStarters configures the questions offered to new threads.
func (s *Server) SetStarters(questions []string) {
	s.starters = questions
}

// SetEvents enables the WebSocket event stream.
func (s *Server) SetEvents(bus *events.Bus) {
	s.bus = bus
}

// SetMetrics enables request instrumentation and the /metrics endpoint.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// SetWatch reports upstream reachability on /health.
func (s *Server) SetWatch(m *connwatch.Manager) {
	s.watch = m
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Users and threads
	mux.HandleFunc("POST /v1/users", s.handleUserCreate)
	mux.HandleFunc("GET /v1/users", s.handleUserList)
	mux.HandleFunc("GET /v1/users/{userID}", s.handleUserGet)
	mux.HandleFunc("DELETE /v1/users/{userID}", s.handleUserDelete)
	mux.HandleFunc("POST /v1/users/{userID}/threads", s.handleThreadCreate)
	mux.HandleFunc("GET /v1/users/{userID}/threads", s.handleThreadList)
	mux.HandleFunc("DELETE /v1/users/{userID}/threads/{threadID}", s.handleThreadDelete)
	mux.HandleFunc("GET /v1/users/{userID}/exchanges", s.handleUserExchanges)
	mux.HandleFunc("GET /v1/users/{userID}/usage", s.handleUserUsage)

	// Conversation
	mux.HandleFunc("POST /v1/users/{userID}/threads/{threadID}/prompts", s.handlePromptSubmit)
	mux.HandleFunc("GET /v1/users/{userID}/threads/{threadID}/messages", s.handleThreadMessages)
	mux.HandleFunc("GET /v1/users/{userID}/threads/{threadID}/history", s.handleThreadHistory)
	mux.HandleFunc("GET /v1/runs/{token}", s.handleRunGet)
	mux.HandleFunc("GET /v1/starters", s.handleStarters)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Ops
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      maxWait + 30*time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// statusRecorder captures the response code for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.code == 0 {
		r.code = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.code == 0 {
			rec.code = http.StatusOK
		}
		elapsed := time.Since(start)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequest(r.Method, route, rec.code, elapsed)

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.code,
			"duration", elapsed,
		)
	})
}

// errorResponse writes the error envelope with an explicit code.
func (s *Server) errorResponse(w http.ResponseWriter, code int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}

// writeError maps err onto the error envelope by its kind.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	s.errorResponse(w, code, apperr.Type(err), err.Error())
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, buildinfo.RuntimeInfo())
}

// handleHealth always answers 200 while the process serves requests.
// An unreachable upstream marks the status degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respond(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	status := "healthy"
	if !s.watch.Healthy() {
		status = "degraded"
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status":   status,
		"services": s.watch.Status(),
	})
}

func (s *Server) handleStarters(w http.ResponseWriter, r *http.Request) {
	starters := s.starters
	if starters == nil {
		starters = []string{}
	}
	s.respond(w, http.StatusOK, map[string]any{"questions": starters})
}
