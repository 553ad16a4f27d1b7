// Package api implements the HTTP and WebSocket façade over the turn
// engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tkwest/switchboard/internal/buildinfo"
	"github.com/tkwest/switchboard/internal/checkpoint"
	"github.com/tkwest/switchboard/internal/engine"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ReloadFunc rebuilds the handler registry from its backing store.
type ReloadFunc func(ctx context.Context) error

// Server is the HTTP API server.
type Server struct {
	listen  string
	eng     *engine.Engine
	threads *checkpoint.Store
	reload  ReloadFunc
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates an API server. reload may be nil, in which case
// the reload endpoint reports the capability as unavailable.
func NewServer(listen string, eng *engine.Engine, threads *checkpoint.Store, reload ReloadFunc, logger *slog.Logger) *Server {
	return &Server{
		listen:  listen,
		eng:     eng,
		threads: threads,
		reload:  reload,
		logger:  logger.With("component", "api"),
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive it through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Turn processing
	mux.HandleFunc("POST /v1/turns", s.handleTurn)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)

	// Thread endpoints
	mux.HandleFunc("GET /v1/threads", s.handleThreadList)
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("DELETE /v1/threads/{id}", s.handleThreadDelete)
	mux.HandleFunc("PUT /v1/threads/{id}/title", s.handleThreadTitle)

	// Engine introspection
	mux.HandleFunc("GET /v1/decisions", s.handleDecisions)
	mux.HandleFunc("GET /v1/stats", s.handleStats)
	mux.HandleFunc("POST /v1/handlers/reload", s.handleReload)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // long for slow specialist chains
	}

	s.logger.Info("starting API server", "listen", s.listen)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    status,
		},
	}, s.logger)
}

// TurnRequest submits one user message for processing.
type TurnRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Message  string `json:"message"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	res, err := s.eng.ProcessTurn(r.Context(), req.ThreadID, req.UserID, req.Message, nil)
	if err != nil {
		if errors.Is(err, engine.ErrCheckpointSave) {
			s.logger.Error("turn not persisted", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "turn could not be persisted")
			return
		}
		s.logger.Error("turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "turn failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleThreadList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	threads, err := s.threads.ListThreads(r.Context(), limit)
	if err != nil {
		s.logger.Error("list threads failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "list failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"threads": threads}, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	st, err := s.threads.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "thread not found")
			return
		}
		s.logger.Error("load thread failed", "thread_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "load failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

func (s *Server) handleThreadDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.threads.DeleteThread(r.Context(), id); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "thread not found")
			return
		}
		s.logger.Error("delete thread failed", "thread_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "delete failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted", "thread_id": id}, s.logger)
}

func (s *Server) handleThreadTitle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		s.errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}

	if err := s.threads.SetTitle(r.Context(), id, req.Title); err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "thread not found")
			return
		}
		s.logger.Error("set title failed", "thread_id", id, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "update failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok", "thread_id": id, "title": req.Title}, s.logger)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"decisions": s.eng.Audit(limit)}, s.logger)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.eng.GetStats(), s.logger)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		s.errorResponse(w, http.StatusNotImplemented, "handler reload not configured")
		return
	}
	if err := s.reload(r.Context()); err != nil {
		s.logger.Error("handler reload failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, fmt.Sprintf("reload failed: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "reloaded"}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "switchboard",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
