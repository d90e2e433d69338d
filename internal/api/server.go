package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/patchbay-dev/patchbay/internal/events"
	"github.com/patchbay-dev/patchbay/internal/history"
	"github.com/patchbay-dev/patchbay/internal/observability"
	"github.com/patchbay-dev/patchbay/internal/relay"
)

// RelayService defines the relay operations the HTTP surface exposes.
type RelayService interface {
	ServeConn(ws *websocket.Conn) *relay.Conn
	Snapshot() relay.Status
	ChannelSnapshot(name string) (relay.ChannelStatus, bool)
}

// HistoryReader defines the read side of the command audit store.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
	Summarize(ctx context.Context, since time.Time) (*history.Summary, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// AdminToken bearer-guards /api/v1 when set. The WebSocket endpoint
	// and /healthz stay open either way.
	AdminToken string
}

// Server is the single HTTP listener: the WebSocket relay endpoint plus
// the read-only reporting surface.
type Server struct {
	config    Config
	relay     RelayService
	hist      HistoryReader
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. hist may be nil when history is disabled.
func New(config Config, relaySvc RelayService, hist HistoryReader, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		relay:     relaySvc,
		hist:      hist,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the assembled route tree. Start serves it; tests mount it
// on httptest listeners.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: WebSocket and SSE connections live for hours.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated: the relay endpoint itself and the ops probes.
	r.Get("/ws", s.handleWS)
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if s.config.AdminToken != "" {
			r.Use(s.authMiddleware)
		}
		r.Get("/status", s.handleStatus)
		r.Get("/channels", s.handleChannels)
		r.Get("/channels/{channel}", s.handleChannel)
		r.Get("/history", s.handleHistory)
		r.Get("/history/summary", s.handleHistorySummary)
		r.Get("/events", s.handleEvents)
		r.Get("/openapi.json", s.handleOpenAPI)
	})

	return r
}

// loggingMiddleware logs HTTP requests and feeds the request metrics. The
// metric path label uses the route pattern, not the raw URL, to keep
// cardinality bounded.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = r.URL.Path
		}
		observability.RecordHTTPRequest(r.Method, pattern, ww.Status(), time.Since(start))
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
