package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crm-gateway/internal/cache"
	"crm-gateway/internal/metrics"
	"crm-gateway/internal/repo"
	"crm-gateway/internal/supervisor"
	"crm-gateway/internal/upstream"
)

// Server is the tenant-facing HTTP surface: it authenticates callers,
// mediates every connection operation, and proxies the provider streams.
type Server struct {
	store      repo.Store
	client     *upstream.Client
	manager    *supervisor.Manager
	listings   *cache.Listings
	metrics    *metrics.Metrics
	logger     *slog.Logger
	basePath   string
	origins    []string
	httpServer *http.Server
}

// Config holds the HTTP server settings.
type Config struct {
	ListenAddr     string
	PublicBasePath string
	AllowedOrigins []string
}

// New wires the HTTP server and its routes.
func New(cfg Config, store repo.Store, client *upstream.Client, manager *supervisor.Manager, listings *cache.Listings, m *metrics.Metrics, logger *slog.Logger) *Server {
	s := &Server{
		store:    store,
		client:   client,
		manager:  manager,
		listings: listings,
		metrics:  m,
		logger:   logger.With("component", "proxy"),
		basePath: cfg.PublicBasePath,
		origins:  cfg.AllowedOrigins,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.stripBasePath)
	r.Use(s.cors)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Route("/connections", func(r chi.Router) {
			r.Post("/", s.handleCreateConnection)
			r.Get("/", s.handleListConnections)
			r.Route("/{connectionID}", func(r chi.Router) {
				r.Get("/", s.handleGetConnection)
				r.Delete("/", s.handleDeleteConnection)
				r.Post("/connect", s.handleConnect)
				r.Get("/events", s.handleEvents)
				r.Post("/messages", s.handleSendText)
				r.Post("/restart", s.handleRestart)
				r.Post("/force-reset", s.handleForceReset)
				r.Post("/disconnect", s.handleDisconnect)
				r.Get("/chats", s.handleListChats)
				r.Get("/chats/{chatID}/messages", s.handleListMessages)
			})
		})
	})

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
