package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Spatial-NVR/camerabridge/internal/camera"
	"github.com/Spatial-NVR/camerabridge/internal/discovery"
	"github.com/Spatial-NVR/camerabridge/internal/events"
	"github.com/Spatial-NVR/camerabridge/internal/snapshot"
	"github.com/Spatial-NVR/camerabridge/internal/source"
	"github.com/Spatial-NVR/camerabridge/internal/streaming"
)

// Response represents a standard API response
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo represents error information in a response
type ErrorInfo struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details []ValidationError `json:"details,omitempty"`
}

// JSON sends a JSON response
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

// Error sends an error response
func Error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
		},
	})
}

// ValidationErrorResponse sends a validation error response
func ValidationErrorResponse(w http.ResponseWriter, errs ValidationErrors) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    "VALIDATION_ERROR",
			Message: "Request validation failed",
			Details: errs,
		},
	})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, "CONFLICT", message)
}

// Created sends a 201 Created response
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// OK sends a 200 OK response
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// NoContent sends a 204 No Content response
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// errorStatus maps domain errors to an HTTP status and error code
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, camera.ErrCameraNotRegistered):
		return http.StatusNotFound, "CAMERA_NOT_REGISTERED"
	case errors.Is(err, discovery.ErrEndpointNotFound):
		return http.StatusNotFound, "ENDPOINT_NOT_FOUND"
	case errors.Is(err, streaming.ErrPortUnavailable):
		return http.StatusServiceUnavailable, "PORT_UNAVAILABLE"
	case errors.Is(err, streaming.ErrProcessLaunchFailed):
		return http.StatusBadGateway, "PROCESS_LAUNCH_FAILED"
	case errors.Is(err, source.ErrEndpointUnavailable):
		return http.StatusServiceUnavailable, "ENDPOINT_UNAVAILABLE"
	case errors.Is(err, source.ErrUpstreamDisconnected):
		return http.StatusNotFound, "UPSTREAM_DISCONNECTED"
	case errors.Is(err, camera.ErrPortConflict):
		return http.StatusConflict, "PORT_CONFLICT"
	case errors.Is(err, camera.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "SHUTTING_DOWN"
	case errors.Is(err, streaming.ErrSessionClosed):
		return http.StatusServiceUnavailable, "SESSION_CLOSED"
	case errors.Is(err, events.ErrNotFound):
		return http.StatusNotFound, "EVENT_NOT_FOUND"
	case errors.Is(err, snapshot.ErrNoFrame):
		return http.StatusServiceUnavailable, "NO_FRAME"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

// DomainError writes err using the status mapped by errorStatus
func DomainError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	Error(w, status, code, err.Error())
}
