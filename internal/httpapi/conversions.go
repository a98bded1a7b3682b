package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/narrate/internal/conversion"
	"github.com/antoniostano/narrate/internal/protocol"
	"github.com/antoniostano/narrate/internal/service"
)

const maxListLimit = 500

type segmentView struct {
	Index    int                      `json:"index"`
	Status   conversion.SegmentStatus `json:"status"`
	Chars    int                      `json:"chars"`
	Attempts int                      `json:"attempts"`
	Error    string                   `json:"error,omitempty"`
}

type conversionDetail struct {
	conversion.Summary
	Segments []segmentView `json:"segments"`
}

func (s *Server) handleCreateConversion(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateConversionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	job, err := s.svc.Submit(r.Context(), service.SubmitRequest{
		Title: req.Title,
		Text:  req.Text,
		Voice: strings.TrimSpace(req.Voice),
	})
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, protocol.CreateConversionResponse{
		ID:       job.ID,
		Status:   job.Status,
		Segments: len(job.Segments),
	})
}

func (s *Server) handleListConversions(w http.ResponseWriter, r *http.Request) {
	opts := conversion.ListOptions{NewestFirst: true, Limit: 50}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := conversion.Status(strings.ToLower(strings.TrimSpace(part)))
			if !status.Valid() {
				respondError(w, http.StatusBadRequest, "invalid_status", fmt.Sprintf("unknown status %q", part))
				return
			}
			opts.Statuses = append(opts.Statuses, status)
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
		opts.Limit = limit
	}

	jobs, err := s.svc.List(r.Context(), opts)
	if err != nil {
		respondServiceError(w, err)
		return
	}
	out := make([]conversion.Summary, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Summary())
	}
	respondJSON(w, http.StatusOK, map[string]any{"conversions": out})
}

func (s *Server) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	detail := conversionDetail{Summary: job.Summary(), Segments: make([]segmentView, 0, len(job.Segments))}
	for _, seg := range job.Segments {
		detail.Segments = append(detail.Segments, segmentView{
			Index:    seg.Index,
			Status:   seg.Status,
			Chars:    len([]rune(seg.Text)),
			Attempts: seg.Attempts,
			Error:    seg.Error,
		})
	}
	respondJSON(w, http.StatusOK, detail)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	status, pct, err := s.svc.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, protocol.Progress{Status: status, Progress: pct})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if _, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	data, format, job, err := s.svc.Download(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", service.Filename(job, format)))
	w.Header().Set("Last-Modified", job.UpdatedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Cleanup(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Evicted %d artifact(s), kept %d.", report.Evicted, report.Kept),
		"evicted": report.Evicted,
		"kept":    report.Kept,
		"ran_at":  time.Now().UTC(),
	})
}
