package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/narrate/internal/config"
	"github.com/antoniostano/narrate/internal/conversion"
	"github.com/antoniostano/narrate/internal/observability"
	"github.com/antoniostano/narrate/internal/protocol"
	"github.com/antoniostano/narrate/internal/service"
)

// ReadyFunc reports whether a backing dependency is usable.
type ReadyFunc func(ctx context.Context) error

type Server struct {
	cfg      config.Config
	svc      *service.Service
	metrics  *observability.Metrics
	ready    ReadyFunc
	upgrader websocket.Upgrader
}

func New(cfg config.Config, svc *service.Service, metrics *observability.Metrics, ready ReadyFunc) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		metrics: metrics,
		ready:   ready,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Browsers may only follow progress from the same origin.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/v1/perf/stages", s.handlePerfStages)
	r.Get("/voices", s.handleListVoices)

	r.Post("/conversions", s.handleCreateConversion)
	r.Get("/conversions", s.handleListConversions)
	r.Route("/conversion/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetConversion)
		r.Get("/progress", s.handleProgress)
		r.Get("/progress/ws", s.handleProgressWS)
		r.Post("/cancel", s.handleCancel)
		r.Get("/download", s.handleDownload)
	})
	r.Post("/cleanup", s.handleCleanup)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"store_mode":  s.svc.StoreMode(),
		"active_jobs": s.svc.Active(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "not_ready", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.svc.StoreMode(),
	})
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, protocol.ErrorResponse{Error: message, Code: code})
}

// respondServiceError maps service and domain errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, conversion.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, conversion.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, conversion.ErrTerminalState):
		respondError(w, http.StatusBadRequest, "terminal_state", err.Error())
	case errors.Is(err, service.ErrNotReady):
		respondError(w, http.StatusConflict, "not_ready", err.Error())
	case errors.Is(err, service.ErrArtifactGone):
		respondError(w, http.StatusNotFound, "artifact_gone", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
