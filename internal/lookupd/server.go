// Package lookupd implements the lookup service endpoint: the /ws
// registration channel nodes connect to, the /events subscription stream,
// and the read-only HTTP views over the registry.
package lookupd

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oca159/gaffer/internal/metrics"
	"github.com/oca159/gaffer/internal/protocol"
	"github.com/oca159/gaffer/internal/registry"
)

// DefaultIdleCutoff closes a registration channel that has been silent for
// this long — twice the default node ping interval.
const DefaultIdleCutoff = 30 * time.Second

// Config holds the dependencies and tunables for a Server.
type Config struct {
	Registry *registry.Registry
	Logger   *zap.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics

	// PromHandler, when set, is mounted at /metrics.
	PromHandler http.Handler

	// IdleCutoff is how long a node connection may stay silent before it is
	// closed and its registrations removed. Zero means DefaultIdleCutoff.
	IdleCutoff time.Duration
}

// Server is the lookup service's HTTP surface. Create with New, start the
// hub with Run, and serve Router through an http.Server.
type Server struct {
	reg        *registry.Registry
	hub        *Hub
	m          *metrics.Metrics
	prom       http.Handler
	logger     *zap.Logger
	idleCutoff time.Duration
}

// New wires a Server to the registry: every registry change event is
// forwarded to the event hub (and to the gauges when metrics are enabled).
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cutoff := cfg.IdleCutoff
	if cutoff <= 0 {
		cutoff = DefaultIdleCutoff
	}

	s := &Server{
		reg:        cfg.Registry,
		hub:        NewHub(),
		m:          cfg.Metrics,
		prom:       cfg.PromHandler,
		logger:     logger.Named("lookupd"),
		idleCutoff: cutoff,
	}

	s.reg.BindAll(func(event string, payload any) {
		s.m.Observe(event, payload)
		s.hub.Broadcast(protocol.EventFrame{Event: event, Payload: payload})
	})
	return s
}

// Run starts the event hub loop and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// Router builds the chi router for the service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleNode)
	r.Get("/events", s.handleEvents)
	r.Get("/sessions", s.handleSessions)
	r.Get("/jobs", s.handleJobs)
	r.Get("/nodes", s.handleNodes)
	r.Get("/ping", s.handlePing)

	if s.prom != nil {
		r.Handle("/metrics", s.prom)
	}
	return r
}

// handleNode upgrades the registration channel and serves it until the node
// disconnects. The handler blocks for the lifetime of the connection.
func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		s.logger.Warn("registration upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	conn := &nodeConn{
		id:         connID,
		ws:         ws,
		reg:        s.reg,
		metrics:    s.m,
		logger:     s.logger.With(zap.String("conn_id", connID), zap.String("remote_addr", r.RemoteAddr)),
		idleCutoff: s.idleCutoff,
	}
	conn.serve()
}

// handleEvents upgrades an event subscription and streams registry change
// events until the subscriber disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	client, err := NewEventClient(s.hub, w, r, s.logger)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{"data": s.reg.Sessions()})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{"data": s.reg.Jobs()})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope{"data": s.reg.Nodes()})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// envelope is the response wrapper for the read views: {"data": <payload>}.
type envelope map[string]any

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// requestLogger logs every request with method, path, status and latency.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("latency", time.Since(start)),
			)
		})
	}
}
