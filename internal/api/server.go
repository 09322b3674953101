// Package api exposes the audit engine over HTTP: append and query,
// integrity checks, retention policy CRUD, exports, incidents, and the
// realtime websocket stream.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veritydir/chainlog/internal/analytics"
	"github.com/veritydir/chainlog/internal/audit"
	"github.com/veritydir/chainlog/internal/events"
	"github.com/veritydir/chainlog/internal/export"
	"github.com/veritydir/chainlog/internal/incident"
	"github.com/veritydir/chainlog/internal/logging"
	"github.com/veritydir/chainlog/internal/metrics"
	"github.com/veritydir/chainlog/internal/retention"
	"github.com/veritydir/chainlog/internal/scheduler"
)

// ServerConfig holds HTTP server hardening settings.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int64
}

// DefaultServerConfig returns secure default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		MaxBodyBytes:      1 << 20,
	}
}

// Options holds dependencies for the API server.
type Options struct {
	Writer     *audit.Writer
	Store      *audit.Store
	Verifier   *audit.Verifier
	Engine     *retention.Engine
	Policies   *retention.PolicyStore
	Exporter   *export.Exporter
	Aggregator *analytics.Aggregator
	Incidents  *incident.Store
	Hub        *events.Hub
	Scheduler  *scheduler.Scheduler
	Logger     *logging.Logger
	Config     *ServerConfig
	SendBuffer int // per-websocket-client buffer
}

// Server handles API requests.
type Server struct {
	writer     *audit.Writer
	store      *audit.Store
	verifier   *audit.Verifier
	engine     *retention.Engine
	policies   *retention.PolicyStore
	exporter   *export.Exporter
	aggregator *analytics.Aggregator
	incidents  *incident.Store
	hub        *events.Hub
	sched      *scheduler.Scheduler
	logger     *logging.Logger
	cfg        *ServerConfig
	wsManager  *WSManager
	startTime  time.Time

	mux  *http.ServeMux
	http *http.Server
}

// NewServer wires the handlers and starts the websocket manager.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Config == nil {
		opts.Config = DefaultServerConfig()
	}

	s := &Server{
		writer:     opts.Writer,
		store:      opts.Store,
		verifier:   opts.Verifier,
		engine:     opts.Engine,
		policies:   opts.Policies,
		exporter:   opts.Exporter,
		aggregator: opts.Aggregator,
		incidents:  opts.Incidents,
		hub:        opts.Hub,
		sched:      opts.Scheduler,
		logger:     opts.Logger.WithComponent("api"),
		cfg:        opts.Config,
		startTime:  time.Now(),
		mux:        http.NewServeMux(),
	}

	if s.hub != nil {
		s.wsManager = NewWSManager(s.hub, s.logger, opts.SendBuffer)
	}

	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	s.mux.HandleFunc("POST /api/audit", s.handleAppend)
	s.mux.HandleFunc("GET /api/audit", s.handleList)
	s.mux.HandleFunc("GET /api/audit/verify", s.handleVerify)
	s.mux.HandleFunc("GET /api/audit/summary", s.handleSummary)
	s.mux.HandleFunc("GET /api/audit/{id}", s.handleGet)

	s.mux.HandleFunc("GET /api/retention/policies", s.handlePolicyList)
	s.mux.HandleFunc("PUT /api/retention/policies/{entityType}", s.handlePolicyPut)
	s.mux.HandleFunc("GET /api/retention/policies/{entityType}", s.handlePolicyGet)
	s.mux.HandleFunc("DELETE /api/retention/policies/{entityType}", s.handlePolicyDelete)
	s.mux.HandleFunc("POST /api/retention/sweep", s.handleSweep)

	s.mux.HandleFunc("POST /api/exports", s.handleExportRequest)
	s.mux.HandleFunc("GET /api/exports", s.handleExportList)
	s.mux.HandleFunc("GET /api/exports/{id}", s.handleExportGet)
	s.mux.HandleFunc("GET /api/exports/{id}/download", s.handleExportDownload)

	s.mux.HandleFunc("GET /api/incidents", s.handleIncidentList)
	s.mux.HandleFunc("POST /api/incidents/{id}/ack", s.handleIncidentAck)
	s.mux.HandleFunc("POST /api/incidents/{id}/close", s.handleIncidentClose)

	s.mux.HandleFunc("GET /api/tasks", s.handleTasks)
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	if s.wsManager != nil {
		s.mux.HandleFunc("GET /api/stream", s.wsManager.HandleStream)
	}

	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.maxBodyMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.loggingMiddleware(h)
	return h
}

// Start runs the HTTP server until the context is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if s.wsManager != nil {
			s.wsManager.Close()
		}
		return s.http.Shutdown(shutdownCtx)
	}
}

// loggingMiddleware records request latency and status.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		elapsed := time.Since(start)
		m := metrics.Get()
		m.APIRequests.WithLabelValues(r.URL.Path, strconv.Itoa(sw.status)).Inc()
		m.APILatency.WithLabelValues(r.URL.Path).Observe(elapsed.Seconds())
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", sw.status, "elapsed", elapsed)
	})
}

// maxBodyMiddleware caps request body size.
func (s *Server) maxBodyMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes through so the websocket upgrade works behind the
// logging middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// handleHealth reports component availability. The durable query paths
// stay authoritative even when the realtime layer is degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	published, dropped := uint64(0), uint64(0)
	streamUp := s.wsManager != nil
	if s.hub != nil {
		published, dropped = s.hub.Stats()
	}

	count, err := s.store.Count(r.Context())
	status := "ok"
	if err != nil {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"uptime":           time.Since(s.startTime).String(),
		"entries":          count,
		"stream_available": streamUp,
		"stream_clients":   s.clientCount(),
		"events_published": published,
		"events_dropped":   dropped,
	})
}

func (s *Server) clientCount() int {
	if s.wsManager == nil {
		return 0
	}
	return s.wsManager.ClientCount()
}

// handleTasks reports background task status.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.sched == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	writeJSON(w, http.StatusOK, s.sched.GetStatus())
}

func parseLimitOffset(r *http.Request) (limit, offset int64) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 1000 {
		limit = 1000
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
