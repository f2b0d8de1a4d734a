// Package api exposes the tutoring engine over HTTP. It provides the turn
// endpoint that drives the teaching workflow plus read endpoints for
// progress, history, and the ingested lesson corpus.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/TutorPipe/internal/models"
	"github.com/BTreeMap/TutorPipe/internal/retrieval"
	"github.com/BTreeMap/TutorPipe/internal/store"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = ":8080"

// TurnService processes one conversational turn. flow.TeachingFlow satisfies
// this; handler tests supply stubs.
type TurnService interface {
	Step(ctx context.Context, userID, utterance string, source models.Source) (*models.StepResult, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string // listen address, e.g. ":8080"
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Server hosts the HTTP API.
type Server struct {
	flow   TurnService
	store  store.Store
	loader *retrieval.Loader
	server *http.Server
}

// NewServer creates an API server, applying any provided options.
func NewServer(flow TurnService, st store.Store, loader *retrieval.Loader, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Server{flow: flow, store: st, loader: loader}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(120 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/turns", s.handleTurn)
		r.Get("/users/{userID}/progress", s.handleProgress)
		r.Get("/users/{userID}/history", s.handleHistory)
		r.Get("/lessons", s.handleLessons)
		r.Post("/lessons/ingest", s.handleIngest)
	})

	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving and blocks until the context is cancelled, then shuts
// down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
		slog.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("API server shutdown failed: %w", err)
		}
		return nil
	}
}

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.Success(map[string]string{"status": "healthy"}))
}

// handleTurn runs one workflow turn.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	var req models.StepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	result, err := s.flow.Step(r.Context(), req.UserID, req.Message, req.Source)
	if err != nil {
		status, msg := turnErrorResponse(err)
		slog.Error("API.handleTurn: turn failed", "userID", req.UserID, "status", status, "error", err)
		writeJSON(w, status, models.Error(msg))
		return
	}

	writeJSON(w, http.StatusOK, models.Success(result))
}

// turnErrorResponse maps workflow error kinds to HTTP statuses and
// user-facing messages. Transient capability failures ask the user to retry;
// the utterance is already in history, so nothing is lost.
func turnErrorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrLessonNotIngested):
		return http.StatusUnprocessableEntity, "this lesson has no content loaded yet"
	case errors.Is(err, models.ErrGenerationFailed):
		return http.StatusServiceUnavailable, "sorry, I couldn't generate a reply just now, please try again"
	case errors.Is(err, models.ErrQuizGenerationFailed):
		return http.StatusServiceUnavailable, "sorry, I couldn't build a quiz just now, please try again"
	case errors.Is(err, models.ErrQuizEvaluationFailed):
		return http.StatusServiceUnavailable, "sorry, I couldn't grade that answer just now, please resend it"
	case errors.Is(err, models.ErrPersistenceFailed):
		return http.StatusInternalServerError, "storage is unavailable, please try again"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// handleProgress returns a user's persisted progress record including their
// conversation history.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("userID is required"))
		return
	}

	progress, err := s.store.GetOrCreateProgress(userID)
	if err != nil {
		slog.Error("API.handleProgress: progress lookup failed", "userID", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to load progress"))
		return
	}
	history, err := s.store.GetHistory(userID)
	if err != nil {
		slog.Error("API.handleProgress: history lookup failed", "userID", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to load history"))
		return
	}

	writeJSON(w, http.StatusOK, models.Success(models.ProgressRecord{
		UserProgress:        *progress,
		ConversationHistory: history,
	}))
}

// handleHistory returns a user's conversation log.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("userID is required"))
		return
	}

	history, err := s.store.GetHistory(userID)
	if err != nil {
		slog.Error("API.handleHistory: history lookup failed", "userID", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to load history"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(history))
}

// handleLessons lists the ingested lesson corpus.
func (s *Server) handleLessons(w http.ResponseWriter, r *http.Request) {
	lessons, err := s.store.ListLessons()
	if err != nil {
		slog.Error("API.handleLessons: listing failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("failed to list lessons"))
		return
	}
	writeJSON(w, http.StatusOK, models.Success(lessons))
}

// handleIngest runs the loader over a directory of lesson files.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Dir string `json:"dir"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, models.Error("invalid JSON body"))
		return
	}
	if req.Dir == "" {
		writeJSON(w, http.StatusBadRequest, models.Error("dir is required"))
		return
	}

	count, err := s.loader.IngestDirectory(r.Context(), req.Dir)
	if err != nil {
		slog.Error("API.handleIngest: ingestion failed", "dir", req.Dir, "error", err)
		writeJSON(w, http.StatusInternalServerError, models.Error("ingestion failed"))
		return
	}
	writeJSON(w, http.StatusOK, models.Recorded(fmt.Sprintf("ingested %d lessons", count)))
}

// writeJSON writes the standard response envelope.
func writeJSON(w http.ResponseWriter, status int, resp models.APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("API.writeJSON: encoding failed", "error", err)
	}
}
