// Package api is the merchant-facing HTTP surface: REST routes over the
// session engine plus the widget's websocket status stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kasgate/kasgate/internal/core"
	"github.com/kasgate/kasgate/internal/engine"
	"github.com/kasgate/kasgate/internal/middleware"
	"github.com/kasgate/kasgate/internal/webhook"
)

// Server wires the handlers and middleware onto one mux router.
type Server struct {
	engine     *engine.Engine
	dispatcher *webhook.Dispatcher
	hub        *StreamHub
	auth       *middleware.Auth
	limiter    middleware.Limiter
	logger     *slog.Logger

	httpServer *http.Server
}

// NewServer assembles the HTTP server.
func NewServer(listenAddr string, eng *engine.Engine, disp *webhook.Dispatcher, hub *StreamHub, auth *middleware.Auth, limiter middleware.Limiter) *Server {
	s := &Server{
		engine:     eng,
		dispatcher: disp,
		hub:        hub,
		auth:       auth,
		limiter:    limiter,
		logger:     slog.With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:              listenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Widget stream authenticates with the session's subscription token,
	// not an API key.
	r.HandleFunc("/api/v1/sessions/{id}/ws", s.hub.HandleWS).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.auth.Middleware)
	v1.Use(middleware.RateLimit(s.limiter))

	v1.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	v1.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	v1.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	v1.HandleFunc("/sessions/{id}", s.handleCancelSession).Methods("DELETE")
	v1.HandleFunc("/sessions/{id}/webhooks", s.handleListWebhooks).Methods("GET")
	v1.HandleFunc("/webhooks/{id}/retry", s.handleRetryWebhook).Methods("POST")
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")

	// CORS for the embeddable widget
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Merchant-Id, X-Api-Key")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encoding failed", "error", err)
	}
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case core.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case core.IsConflict(err):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
