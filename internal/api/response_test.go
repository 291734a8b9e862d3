package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Spatial-NVR/camerabridge/internal/camera"
	"github.com/Spatial-NVR/camerabridge/internal/discovery"
	"github.com/Spatial-NVR/camerabridge/internal/events"
	"github.com/Spatial-NVR/camerabridge/internal/snapshot"
	"github.com/Spatial-NVR/camerabridge/internal/source"
	"github.com/Spatial-NVR/camerabridge/internal/streaming"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not registered", camera.ErrCameraNotRegistered, http.StatusNotFound, "CAMERA_NOT_REGISTERED"},
		{"endpoint", fmt.Errorf("camera x: %w", discovery.ErrEndpointNotFound), http.StatusNotFound, "ENDPOINT_NOT_FOUND"},
		{"endpoint inside no frame", fmt.Errorf("%w: %w", snapshot.ErrNoFrame, discovery.ErrEndpointNotFound), http.StatusNotFound, "ENDPOINT_NOT_FOUND"},
		{"port", streaming.ErrPortUnavailable, http.StatusServiceUnavailable, "PORT_UNAVAILABLE"},
		{"launch", fmt.Errorf("camera x: %w: exec", streaming.ErrProcessLaunchFailed), http.StatusBadGateway, "PROCESS_LAUNCH_FAILED"},
		{"upstream", source.ErrUpstreamDisconnected, http.StatusNotFound, "UPSTREAM_DISCONNECTED"},
		{"unavailable", fmt.Errorf("mjpeg open failed: %w: %w", source.ErrEndpointUnavailable, errors.New("500")), http.StatusServiceUnavailable, "ENDPOINT_UNAVAILABLE"},
		{"conflict", camera.ErrPortConflict, http.StatusConflict, "PORT_CONFLICT"},
		{"closed", camera.ErrRegistryClosed, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{"session closed", fmt.Errorf("camera x: %w", streaming.ErrSessionClosed), http.StatusServiceUnavailable, "SESSION_CLOSED"},
		{"event", fmt.Errorf("x: %w", events.ErrNotFound), http.StatusNotFound, "EVENT_NOT_FOUND"},
		{"no frame", snapshot.ErrNoFrame, http.StatusServiceUnavailable, "NO_FRAME"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			if status != tt.status || code != tt.code {
				t.Errorf("errorStatus() = %d %s, want %d %s", status, code, tt.status, tt.code)
			}
		})
	}
}

func TestJSONResponse(t *testing.T) {
	w := httptest.NewRecorder()
	OK(w, map[string]string{"k": "v"})

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Unexpected content type %q", ct)
	}
	var resp Response
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !resp.Success || resp.Error != nil {
		t.Errorf("Unexpected response %+v", resp)
	}
}

func TestDomainError(t *testing.T) {
	w := httptest.NewRecorder()
	DomainError(w, fmt.Errorf("camera cam1: %w", camera.ErrCameraNotRegistered))

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	var resp Response
	_ = json.NewDecoder(w.Body).Decode(&resp)
	if resp.Success || resp.Error == nil || resp.Error.Code != "CAMERA_NOT_REGISTERED" {
		t.Errorf("Unexpected response %+v", resp)
	}
}
