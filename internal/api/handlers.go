package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/camerabridge/internal/config"
	"github.com/Spatial-NVR/camerabridge/internal/database"
	"github.com/Spatial-NVR/camerabridge/internal/discovery"
	"github.com/Spatial-NVR/camerabridge/internal/logging"
	"github.com/Spatial-NVR/camerabridge/internal/source"
)

const maxBodySize = 64 * 1024

// HealthStatus is returned by the health endpoints
type HealthStatus struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Cameras int               `json:"cameras"`
	Streams int               `json:"active_streams"`
	Checks  map[string]string `json:"checks"`
	Schema  int               `json:"schema_version,omitempty"`
	DBBytes int64             `json:"database_bytes,omitempty"`
	Clients int               `json:"event_clients,omitempty"`
	Uptime  string            `json:"uptime"`
	Started time.Time         `json:"started_at"`
}

var startedAt = time.Now()

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := HealthStatus{
		Status:  "healthy",
		Version: Version,
		Checks:  map[string]string{},
		Started: startedAt,
		Uptime:  time.Since(startedAt).Round(time.Second).String(),
	}

	for _, info := range s.registry.Infos() {
		h.Cameras++
		if info.Stream.Active {
			h.Streams++
		}
	}

	if s.db != nil {
		if err := s.db.Health(r.Context()); err != nil {
			h.Status = "degraded"
			h.Checks["database"] = "error"
		} else {
			h.Checks["database"] = "ok"
		}
		h.DBBytes = s.db.Size()
		migrations, err := database.NewMigrator(s.db).Status(r.Context())
		if err != nil {
			h.Status = "degraded"
			h.Checks["migrations"] = "error"
		} else {
			for _, m := range migrations {
				if m.Applied() {
					h.Schema = max(h.Schema, m.Version)
				} else {
					h.Checks["migrations"] = "pending"
				}
			}
		}
	}
	if s.bus != nil {
		if err := s.bus.HealthCheck(r.Context()); err != nil {
			h.Status = "degraded"
			h.Checks["event_bus"] = "error"
		} else {
			h.Checks["event_bus"] = "ok"
		}
	}
	if s.hub != nil {
		h.Clients = s.hub.ClientCount()
	}

	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, h)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}
	OK(w, s.logs.Filter(q.Get("component"), q.Get("camera"), limit))
}

// handleLogStream streams new log entries as server-sent events
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	camera := r.URL.Query().Get("camera")
	ch := s.logs.Subscribe()
	defer s.logs.Unsubscribe(ch)

	fmt.Fprintf(w, ": connected %s\n\n", time.Now().Format(time.RFC3339))
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if camera != "" && entry.Camera != camera {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", logging.LogEntryToJSON(entry))
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) handleListCameras(w http.ResponseWriter, r *http.Request) {
	OK(w, s.registry.Infos())
}

func (s *Server) handleGetCamera(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Info(chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, err)
		return
	}
	OK(w, info)
}

func (s *Server) handleRegisterCamera(w http.ResponseWriter, r *http.Request) {
	var cam config.CameraConfig
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cam); err != nil {
		BadRequest(w, "Invalid request body: "+err.Error())
		return
	}

	if errs := NewCameraValidator().Validate(cam); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	id, err := s.registry.Register(r.Context(), cam)
	if err != nil {
		DomainError(w, err)
		return
	}
	info, err := s.registry.Info(id)
	if err != nil {
		DomainError(w, err)
		return
	}
	s.logger.Info("Camera registered via API", "camera", id)
	Created(w, info)
}

func (s *Server) handleUnregisterCamera(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		DomainError(w, err)
		return
	}
	NoContent(w)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	frame, err := s.registry.GetSnapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, err)
		return
	}
	writeJPEG(w, frame)
}

func writeJPEG(w http.ResponseWriter, frame []byte) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(frame)
}

// handleMjpeg relays the camera's MJPEG stream, or a single snapshot when
// the camera has no MJPEG endpoint
func (s *Server) handleMjpeg(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.registry.ProxyMjpeg(r.Context(), id, w)
	if err == nil {
		return
	}
	if !errors.Is(err, discovery.ErrEndpointNotFound) && !errors.Is(err, source.ErrEndpointUnavailable) {
		DomainError(w, err)
		return
	}

	s.logger.Debug("MJPEG unavailable, falling back to snapshot", "camera", id)
	frame, serr := s.registry.GetSnapshot(r.Context(), id)
	if serr != nil {
		DomainError(w, serr)
		return
	}
	w.Header().Set("X-Fallback", "snapshot")
	writeJPEG(w, frame)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.registry.StreamStatus(chi.URLParam(r, "id"))
	if err != nil {
		DomainError(w, err)
		return
	}
	OK(w, status)
}

// StartStreamRequest optionally overrides the configured source URL
type StartStreamRequest struct {
	URL string `json:"url,omitempty"`
}

// StartStreamResponse carries the endpoint clients connect to
type StartStreamResponse struct {
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	var req StartStreamRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			BadRequest(w, "Invalid request body: "+err.Error())
			return
		}
	}
	if req.URL != "" {
		lower := strings.ToLower(req.URL)
		if !strings.HasPrefix(lower, "rtsp://") && !strings.HasPrefix(lower, "rtsps://") {
			ValidationErrorResponse(w, ValidationErrors{{Field: "url", Message: "must use rtsp:// or rtsps://"}})
			return
		}
	}

	endpoint, err := s.registry.StartStream(r.Context(), chi.URLParam(r, "id"), req.URL)
	if err != nil {
		DomainError(w, err)
		return
	}
	OK(w, StartStreamResponse{Endpoint: endpoint})
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.registry.StopStream(r.Context(), id); err != nil {
		DomainError(w, err)
		return
	}
	status, err := s.registry.StreamStatus(id)
	if err != nil {
		DomainError(w, err)
		return
	}
	OK(w, status)
}

// splitList splits a comma separated query value, dropping empty items
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
