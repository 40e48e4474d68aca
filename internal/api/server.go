package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-crawler/internal/config"
	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
)

const (
	deleteWait     = 5 * time.Second
	deletePoll     = 50 * time.Millisecond
	maxRequestBody = 1 << 20
)

// Scheduler queues sessions and cancels running ones.
type Scheduler interface {
	Submit(ctx context.Context, sessionID string) error
	Cancel(sessionID string) bool
}

// Server wires HTTP handlers to the session store and scheduler.
type Server struct {
	router    chi.Router
	store     crawler.SessionStore
	scheduler Scheduler
	idGen     crawler.IDGenerator
	clock     crawler.Clock
	validate  *validator.Validate
	ready     func(context.Context) error
	cfg       config.Config
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store crawler.SessionStore,
	scheduler Scheduler,
	idGen crawler.IDGenerator,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = crawler.SystemClock{}
	}
	if idGen == nil {
		idGen = crawler.UUIDGenerator{}
	}
	s := &Server{
		store:     store,
		scheduler: scheduler,
		idGen:     idGen,
		clock:     clock,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		cfg:       cfg,
		logger:    logger.Named("api"),
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Use(timeoutMiddleware(timeout))
		r.Post("/scrape", s.submitScrape)
		r.Get("/sessions", s.listSessions)
		r.Route("/session/{session_id}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Post("/cancel", s.cancelSession)
			r.Get("/export", s.exportSession)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReadinessCheck installs a probe consulted by /readyz.
func (s *Server) SetReadinessCheck(fn func(context.Context) error) {
	s.ready = fn
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scrapeRequest struct {
	URL  string `json:"url" validate:"required,url"`
	Name string `json:"name" validate:"max=200"`
}

func (s *Server) submitScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL = strings.TrimSpace(req.URL); req.URL != "" {
		req.URL = crawler.EnsureScheme(req.URL)
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	rootURL, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid url")
		return
	}

	sessionID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "generate session id")
		return
	}
	session := crawler.Session{
		ID:        sessionID,
		Name:      req.Name,
		URL:       rootURL,
		Status:    crawler.StatusQueued,
		StartedAt: s.clock.Now(),
	}
	logger := s.logger.With(zap.String("session_id", sessionID))
	if err := s.store.CreateSession(r.Context(), session); err != nil {
		logger.Error("create session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	if err := s.scheduler.Submit(r.Context(), sessionID); err != nil {
		logger.Warn("session not queued", zap.Error(err))
		ctx := context.WithoutCancel(r.Context())
		if upErr := s.store.UpdateStatus(ctx, sessionID, crawler.StatusFailed, "queue unavailable"); upErr != nil {
			logger.Error("fail unqueued session", zap.Error(upErr))
		}
		writeError(w, http.StatusServiceUnavailable, "crawl queue is full, retry later")
		return
	}
	logger.Info("session queued", zap.String("url", rootURL))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"status":     string(crawler.StatusQueued),
		"url":        rootURL,
	})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.store.ListSessions(r.Context())
	if err != nil {
		s.logger.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]sessionDTO, 0, len(summaries))
	for _, summary := range summaries {
		dto := toSessionDTO(summary.Session)
		count := summary.ProductCount
		dto.ProductCount = &count
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	records, err := s.store.ListRecords(r.Context(), session.ID)
	if err != nil && !errors.Is(err, crawler.ErrSessionNotFound) {
		s.logger.Error("list records failed", zap.String("session_id", session.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load products")
		return
	}
	if records == nil {
		records = []crawler.Record{}
	}
	writeJSON(w, http.StatusOK, sessionDetailDTO{
		sessionDTO:    toSessionDTO(session),
		TotalProducts: len(records),
		Products:      records,
	})
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	if session.Status.IsTerminal() {
		writeError(w, http.StatusConflict, fmt.Sprintf("session already %s", session.Status))
		return
	}
	status, err := s.cancel(r.Context(), session.ID)
	if err != nil {
		s.logger.Error("cancel session failed", zap.String("session_id", session.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel session")
		return
	}
	code := http.StatusOK
	if status == "canceling" {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]string{"session_id": session.ID, "status": status})
}

// cancel stops a running session through the scheduler or moves a queued one straight to
// canceled. It returns the status reported to the caller.
func (s *Server) cancel(ctx context.Context, id string) (string, error) {
	if s.scheduler.Cancel(id) {
		return "canceling", nil
	}
	err := s.store.UpdateStatus(ctx, id, crawler.StatusCanceled, "canceled before start")
	if err == nil {
		return string(crawler.StatusCanceled), nil
	}
	if !errors.Is(err, crawler.ErrInvalidTransition) {
		return "", err
	}
	// A worker picked the session up between the two checks.
	if s.scheduler.Cancel(id) {
		return "canceling", nil
	}
	current, getErr := s.store.GetSession(ctx, id)
	if getErr != nil {
		return "", getErr
	}
	return string(current.Status), nil
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	session, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	logger := s.logger.With(zap.String("session_id", session.ID))
	if !session.Status.IsTerminal() {
		if _, err := s.cancel(r.Context(), session.ID); err != nil {
			logger.Error("cancel before delete failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to cancel session")
			return
		}
		s.awaitTerminal(r.Context(), session.ID)
	}
	if err := s.store.DeleteSession(r.Context(), session.ID); err != nil {
		if errors.Is(err, crawler.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		logger.Error("delete session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	logger.Info("session deleted")
	w.WriteHeader(http.StatusNoContent)
}

// awaitTerminal gives a canceled worker a moment to finalize before rows disappear.
func (s *Server) awaitTerminal(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, deleteWait)
	defer cancel()
	ticker := time.NewTicker(deletePoll)
	defer ticker.Stop()
	for {
		session, err := s.store.GetSession(ctx, id)
		if err != nil || session.Status.IsTerminal() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (crawler.Session, bool) {
	id := chi.URLParam(r, "session_id")
	session, err := s.store.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, crawler.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return crawler.Session{}, false
		}
		s.logger.Error("get session failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return crawler.Session{}, false
	}
	return session, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return strings.ToLower(fe.Field()) + " is required"
	case "url":
		return "url must be an absolute URL"
	default:
		return fmt.Sprintf("%s failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
