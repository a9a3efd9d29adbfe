package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tekoa-labs/hookd/internal/audit"
	"github.com/tekoa-labs/hookd/internal/auth"
	"github.com/tekoa-labs/hookd/internal/config"
	"github.com/tekoa-labs/hookd/internal/ingest"
	"github.com/tekoa-labs/hookd/internal/ledger"
	"github.com/tekoa-labs/hookd/internal/log"
)

// ErrorResponse is the JSON response for transport-level errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server hosts the ingestion endpoint and the operator API.
type Server struct {
	cfg     *config.Config
	engine  *ingest.Engine
	ledger  *ledger.Ledger
	audit   *audit.Store
	hub     *audit.Hub
	metrics http.Handler
	logger  *slog.Logger
	server  *http.Server

	authTokens []auth.TokenConfig
}

// New creates the server. metricsHandler and hub may be nil.
func New(cfg *config.Config, engine *ingest.Engine, l *ledger.Ledger, a *audit.Store, hub *audit.Hub, metricsHandler http.Handler) *Server {
	tokens := make([]auth.TokenConfig, 0, len(cfg.Admin.Tokens))
	for _, t := range cfg.Admin.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}

	return &Server{
		cfg:        cfg,
		engine:     engine,
		ledger:     l,
		audit:      a,
		hub:        hub,
		metrics:    metricsHandler,
		logger:     log.WithComponent("server"),
		authTokens: tokens,
	}
}

// Start runs the HTTP server until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("server starting", "listen", s.cfg.Listen, "webhook_path", s.cfg.Webhook.Path)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("server shutting down")
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

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Post(s.cfg.Webhook.Path, s.handleDelivery)
	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	// The operator API is only mounted when credentials are configured.
	if s.cfg.Admin.APIKey != "" || len(s.authTokens) > 0 {
		r.Route("/admin", func(r chi.Router) {
			r.Get("/events/{eventID}", s.scoped("events:ro", s.handleGetEvent))
			r.Post("/events/{eventID}/replay", s.scoped("events:rw", s.handleReplayEvent))
			r.Get("/audit", s.scoped("audit:ro", s.handleAuditRecent))
			r.Get("/audit/stream", s.scoped("audit:ro", s.handleAuditStream))
			r.Get("/audit/verify", s.scoped("audit:ro", s.handleAuditVerify))
		})
	}

	return r
}

// loggingMiddleware logs HTTP requests (no body content; payloads may be
// sensitive and signatures must never leak).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleDelivery accepts one signed delivery and drives the ingest chain.
func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	maxBody := s.cfg.Webhook.MaxBodySize

	limitedReader := io.LimitReader(r.Body, maxBody+1)
	body, err := io.ReadAll(limitedReader)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > maxBody {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	result := s.engine.Handle(r.Context(), ingest.Delivery{
		Body:       body,
		Headers:    headers,
		ReceivedAt: time.Now(),
	})
	s.respondJSON(w, result.StatusCode, result.Body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends a JSON error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
