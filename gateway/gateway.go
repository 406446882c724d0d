// Package gateway provides the HTTP edge: it maps the currency routes onto
// the correlator's Query operation and serves health and metrics.
package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/ratebridge/component"
	"github.com/c360/ratebridge/errors"
	"github.com/c360/ratebridge/message"
)

// responsePrefix frames every successful reply body. Preserved byte-for-byte
// for wire compatibility with existing front-ends.
const responsePrefix = "По заданным параметрам успешно получен ответ : "

// Querier is the edge's view of the correlator
type Querier interface {
	Query(ctx context.Context, kind message.Kind, argument string) ([]byte, error)
}

// Config holds the HTTP edge settings
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	EnableCORS     bool
	CORSOrigins    []string
}

// Server is the HTTP edge component
type Server struct {
	name    string
	config  Config
	querier Querier
	logger  *slog.Logger

	// Optional handlers mounted alongside the currency routes
	metricsHandler http.Handler
	healthSources  []component.Discoverable

	server  *http.Server
	running atomic.Bool

	mu           sync.RWMutex
	startTime    time.Time
	lastActivity time.Time

	requestsTotal   atomic.Uint64
	requestsSuccess atomic.Uint64
	requestsFailed  atomic.Uint64
}

// New creates the HTTP edge server
func New(cfg Config, querier Querier, deps component.Dependencies) (*Server, error) {
	if querier == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Server", "New", "querier is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	s := &Server{
		name:    "http-edge",
		config:  cfg,
		querier: querier,
		logger:  deps.GetLoggerWithComponent("http-edge"),
	}
	if deps.MetricsRegistry != nil {
		s.metricsHandler = deps.MetricsRegistry.Handler()
	}
	return s, nil
}

// WithHealthSources registers components reported on /health
func (s *Server) WithHealthSources(sources ...component.Discoverable) *Server {
	s.healthSources = append(s.healthSources, sources...)
	return s
}

// Initialize builds the route table
func (s *Server) Initialize() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /currencies/all", s.handleQuery(message.KindAll, func(*http.Request) string { return "" }))
	mux.HandleFunc("GET /currencies/single/{code}", s.handleQuery(message.KindSingle, func(r *http.Request) string {
		return r.PathValue("code")
	}))
	mux.HandleFunc("GET /currencies/filter/{list}", s.handleQuery(message.KindFilter, func(r *http.Request) string {
		return r.PathValue("list")
	}))
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Start begins serving
func (s *Server) Start(_ context.Context) error {
	if s.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Server", "Start", "start edge server")
	}
	if s.server == nil {
		return errors.WrapFatal(errors.ErrNotStarted, "Server", "Start", "server not initialized")
	}

	s.mu.Lock()
	s.startTime = time.Now()
	s.mu.Unlock()
	s.running.Store(true)

	go func() {
		s.logger.Info("edge listening", "addr", s.config.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("edge server failed", "error", err)
			s.running.Store(false)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(timeout time.Duration) error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Handler exposes the route table for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// handleQuery builds the handler for one query kind
func (s *Server) handleQuery(kind message.Kind, extract func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requestsTotal.Add(1)
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()

		if s.config.EnableCORS {
			s.applyCORS(w, r)
		}

		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()

		body, err := s.querier.Query(ctx, kind, extract(r))
		if err != nil {
			s.requestsFailed.Add(1)
			status := mapErrorToStatus(err)
			s.logger.Warn("query failed", "kind", kind, "status", status, "error", err)
			s.writeError(w, status, sanitizeError(err))
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, responsePrefix)
		w.Write(body)
		s.requestsSuccess.Add(1)
	}
}

// handleHealth reports the health of every registered component
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	type entry struct {
		Name   string                 `json:"name"`
		Health component.HealthStatus `json:"health"`
	}

	healthy := true
	entries := make([]entry, 0, len(s.healthSources)+1)
	entries = append(entries, entry{Name: s.name, Health: s.Health()})
	for _, src := range s.healthSources {
		h := src.Health()
		if !h.Healthy {
			healthy = false
		}
		entries = append(entries, entry{Name: src.Meta().Name, Health: h})
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"healthy":    healthy,
		"components": entries,
	})
}

// applyCORS applies CORS headers to the response
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := false
	for _, candidate := range s.config.CORSOrigins {
		if candidate == "*" || candidate == origin {
			allowed = true
			break
		}
	}
	if !allowed {
		return
	}

	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
	} else {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// mapErrorToStatus maps the domain taxonomy onto HTTP status codes:
// InvalidRequest 400, Overloaded 503, Timeout 504, Upstream 502, else 500.
func mapErrorToStatus(err error) int {
	switch {
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, errors.ErrOverloaded):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	case stderrors.Is(err, errors.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a safe message for external clients; internal
// details stay in the logs
func sanitizeError(err error) string {
	switch {
	case errors.IsInvalid(err):
		return "invalid request"
	case stderrors.Is(err, errors.ErrOverloaded):
		return "service overloaded"
	case stderrors.Is(err, errors.ErrTimeout):
		return "request timeout"
	case stderrors.Is(err, errors.ErrUpstream):
		return "upstream unavailable"
	default:
		return "internal server error"
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	data, _ := json.Marshal(map[string]any{
		"error":  msg,
		"status": statusCode,
	})
	w.Write(data)
}

// Meta returns component metadata
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        s.name,
		Type:        "gateway",
		Description: "HTTP edge for the currency query pipeline",
		Version:     "0.1.0",
	}
}

// InputPorts returns no bus ports; the edge is request-driven
func (s *Server) InputPorts() []component.Port {
	return []component.Port{}
}

// OutputPorts returns no bus ports
func (s *Server) OutputPorts() []component.Port {
	return []component.Port{}
}

// Health returns the current health status
func (s *Server) Health() component.HealthStatus {
	s.mu.RLock()
	startTime := s.startTime
	s.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    s.running.Load(),
		LastCheck:  time.Now(),
		ErrorCount: int(s.requestsFailed.Load()),
		Uptime:     time.Since(startTime),
	}
}

// DataFlow returns current data flow metrics
func (s *Server) DataFlow() component.FlowMetrics {
	s.mu.RLock()
	startTime := s.startTime
	lastActivity := s.lastActivity
	s.mu.RUnlock()

	total := s.requestsTotal.Load()
	failed := s.requestsFailed.Load()

	var errorRate float64
	if total > 0 {
		errorRate = float64(failed) / float64(total)
	}

	var perSecond float64
	if uptime := time.Since(startTime).Seconds(); uptime > 0 {
		perSecond = float64(total) / uptime
	}

	return component.FlowMetrics{
		MessagesPerSecond: perSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}
