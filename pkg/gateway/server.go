// Package gateway exposes the monitor over HTTP.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/jguan/anpr-monitor/pkg/gateway/middleware"
	"github.com/jguan/anpr-monitor/pkg/infra/metrics"
	"github.com/jguan/anpr-monitor/pkg/service"
	"github.com/jguan/anpr-monitor/pkg/unit"
)

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout bounds every API handler except the event stream.
	RequestTimeout time.Duration
	MaxBodyBytes   int64
	EnableCORS     bool
	CORSOrigins    []string
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	RateBurst int
	// KeepAlive is the comment interval on idle event streams.
	KeepAlive time.Duration
	Logger    *slog.Logger
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            "127.0.0.1:8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestTimeout:  30 * time.Second,
		MaxBodyBytes:    10 << 20,
		CORSOrigins:     []string{"*"},
		RateBurst:       20,
		KeepAlive:       15 * time.Second,
	}
}

type Server struct {
	monitor  *service.Monitor
	exporter *metrics.Exporter
	config   ServerConfig
	router   chi.Router
	logger   *slog.Logger

	mu       sync.Mutex
	http     *http.Server
	draining chan struct{}
}

// NewServer builds the router. exporter may be nil, in which case /metrics
// is not served and requests are not instrumented.
func NewServer(monitor *service.Monitor, exporter *metrics.Exporter, config ServerConfig) *Server {
	def := DefaultServerConfig()
	if config.Addr == "" {
		config.Addr = def.Addr
	}
	if config.ReadTimeout == 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = def.IdleTimeout
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = def.MaxBodyBytes
	}
	if len(config.CORSOrigins) == 0 {
		config.CORSOrigins = def.CORSOrigins
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = def.KeepAlive
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		monitor:  monitor,
		exporter: exporter,
		config:   config,
		logger:   logger.With("component", "gateway"),
		draining: make(chan struct{}),
	}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Logging wraps Recovery so recovered panics are logged as 500s.
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(s.logger))
	r.Use(middleware.Recovery(s.logger))
	if s.exporter != nil {
		r.Use(middleware.Metrics(s.exporter))
	}
	if s.config.EnableCORS {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", middleware.HeaderRequestID},
			ExposedHeaders: []string{middleware.HeaderRequestID},
			MaxAge:         300,
		}))
	}
	if s.config.RateLimit > 0 {
		r.Use(middleware.RateLimit(s.config.RateLimit, s.config.RateBurst))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, unit.ErrNotFound.With("path", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, &ErrorInfo{
			Code:    string(unit.ErrCodeInvalidRequest),
			Message: fmt.Sprintf("method %s not allowed", r.Method),
		})
	})

	r.Get("/health", s.handleHealth)
	if s.exporter != nil {
		r.Handle("/metrics", s.exporter.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(chimw.Timeout(s.config.RequestTimeout))

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.handleListRuns)
				r.Post("/", s.handleStartRun)
				r.Get("/history", s.handleRunHistory)
				r.Get("/{id}", s.handleGetRun)
				r.Post("/{id}/cancel", s.handleCancelRun)
				r.Post("/{id}/reset", s.handleResetRun)
			})

			r.Get("/feed", s.handleGetFeed)
			r.Post("/feed", s.handleIngest)
			r.Get("/detections", s.handleDetections)
			r.Route("/alerts", func(r chi.Router) {
				r.Get("/", s.handleListAlerts)
				r.Post("/{id}/ack", s.handleAcknowledgeAlert)
				r.Post("/{id}/resolve", s.handleResolveAlert)
				r.Delete("/{id}", s.handleDismissAlert)
			})

			r.Get("/stats", s.handleStats)
			r.Get("/system", s.handleSystem)
			r.Get("/audit", s.handleAudit)
		})
	})

	return r
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Config() ServerConfig {
	return s.config
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Addr, err)
	}
	return s.Serve(ln)
}

func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
	// Event streams never go idle on their own; end them when shutdown begins.
	srv.RegisterOnShutdown(s.drain)

	s.mu.Lock()
	select {
	case <-s.draining:
		s.mu.Unlock()
		return ln.Close()
	default:
	}
	s.http = srv
	s.mu.Unlock()

	s.logger.Info("starting HTTP server", slog.String("addr", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func (s *Server) drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.draining:
	default:
		close(s.draining)
	}
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		// Stop before Serve: make a later Serve return immediately.
		s.drain()
		return nil
	}

	s.logger.Info("stopping HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return nil
}
