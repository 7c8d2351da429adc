// Package api exposes the pipeline over HTTP for operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Lllllllleong/docparser/internal/extraction"
	"github.com/Lllllllleong/docparser/internal/models"
	"github.com/Lllllllleong/docparser/internal/records"
	"github.com/Lllllllleong/docparser/internal/services"
	"github.com/Lllllllleong/docparser/internal/source"
	"github.com/go-chi/chi/v5"
)

// Parser is the subset of *services.Pipeline the handlers use.
type Parser interface {
	Process(ctx context.Context, req services.Request) services.Outcome
	Status(ctx context.Context) (*models.StatusReport, error)
	Attempt(ctx context.Context, id string) (*models.AttemptResponse, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	parser Parser
	store  Pinger
}

func NewServer(parser Parser, store Pinger) *Server {
	return &Server{parser: parser, store: store}
}

// Routes returns the router serving every endpoint.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Get("/attempts/{id}", s.attempt)
	r.Post("/parse", s.parse)
	return r
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Routes(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("HTTP server listening.", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		slog.Info("Shutting down HTTP server.")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "service": "docparser"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	report, err := s.parser.Status(r.Context())
	if err != nil {
		slog.Error("Failed to read status", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) attempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, err := s.parser.Attempt(r.Context(), id)
	if errors.Is(err, records.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		slog.Error("Failed to read attempt", "attemptId", id, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) parse(w http.ResponseWriter, r *http.Request) {
	var req models.ParseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, errors.New("id is required"))
		return
	}
	switch req.Source {
	case source.KindLocal, source.KindDrive, source.KindGCS:
	default:
		writeError(w, http.StatusBadRequest, errors.New("source must be one of local, drive, gcs"))
		return
	}

	out := s.parser.Process(r.Context(), services.Request{
		Source:  source.Descriptor{Kind: req.Source, ID: req.ID},
		Reparse: req.Reparse,
		Overrides: extraction.Overrides{
			ParseMode:  req.ParseMode,
			NoWorkbook: req.NoWorkbook,
			NoChart:    req.NoChart,
			Extra:      req.Params,
		},
	})
	writeJSON(w, outcomeStatus(out), out.Response())
}

func outcomeStatus(o services.Outcome) int {
	if o.Status != services.OutcomeFailed {
		return http.StatusOK
	}
	switch {
	case errors.Is(o.Err, source.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(o.Err, services.ErrResolution), errors.Is(o.Err, services.ErrExtraction):
		return http.StatusBadGateway
	case errors.Is(o.Err, services.ErrPersistence):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response.", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
