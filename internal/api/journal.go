package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/camerabridge/internal/events"
)

// EventPage is one page of journaled events
type EventPage struct {
	Events []*events.Record `json:"events"`
	Total  int              `json:"total"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := events.ListOptions{
		CameraID: q.Get("camera"),
		Subject:  q.Get("subject"),
	}

	var errs ValidationErrors
	parseTime := func(field string, dst *time.Time) {
		if v := q.Get(field); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				errs = append(errs, ValidationError{Field: field, Message: "must be an RFC 3339 timestamp"})
				return
			}
			*dst = t
		}
	}
	parseInt := func(field string, dst *int) {
		if v := q.Get(field); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				errs = append(errs, ValidationError{Field: field, Message: "must be a non-negative integer"})
				return
			}
			*dst = n
		}
	}
	parseTime("since", &opts.StartTime)
	parseTime("until", &opts.EndTime)
	parseInt("limit", &opts.Limit)
	parseInt("offset", &opts.Offset)
	if errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	list, total, err := s.journal.List(r.Context(), opts)
	if err != nil {
		DomainError(w, err)
		return
	}
	OK(w, EventPage{Events: list, Total: total})
}

func (s *Server) handleEventStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.journal.Stats(r.Context(), r.URL.Query().Get("camera"))
	if err != nil {
		DomainError(w, err)
		return
	}
	OK(w, st)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.journal.Get(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		DomainError(w, err)
		return
	}
	OK(w, rec)
}

func (s *Server) handleAcknowledgeEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.journal.Acknowledge(r.Context(), chi.URLParam(r, "eventID")); err != nil {
		DomainError(w, err)
		return
	}
	NoContent(w)
}
