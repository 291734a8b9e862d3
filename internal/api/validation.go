package api

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/Spatial-NVR/camerabridge/internal/config"
)

// ValidationError represents a validation error with field information
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

var (
	cameraIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)
)

// CameraValidator validates camera registration requests
type CameraValidator struct {
	errors ValidationErrors
}

// NewCameraValidator creates a new camera validator
func NewCameraValidator() *CameraValidator {
	return &CameraValidator{}
}

// Validate checks every user-supplied field of cfg
func (v *CameraValidator) Validate(cfg config.CameraConfig) ValidationErrors {
	v.errors = make(ValidationErrors, 0)

	if err := ValidateCameraID(cfg.ID); err != nil {
		v.add("id", err.Error())
	}
	v.validateAddress(cfg.IP)
	v.validatePort("http_port", cfg.HTTPPort, true)
	v.validatePort("rtsp_port", cfg.RTSPPort, true)
	v.validatePort("ws_port", cfg.WSPort, false)

	switch cfg.Protocol {
	case "", "http", "https":
	default:
		v.add("protocol", "must be http or https")
	}
	if cfg.FPS < 0 || cfg.FPS > 60 {
		v.add("fps", "must be between 1 and 60")
	}
	if cfg.Bitrate < 0 || cfg.Bitrate > 20000 {
		v.add("bitrate", "must be between 1 and 20000 kbit/s")
	}
	if cfg.Password != "" && cfg.Username == "" {
		v.add("username", "required when a password is set")
	}
	if cfg.StreamURL != "" {
		v.validateStreamURL(cfg.StreamURL)
	}

	return v.errors
}

func (v *CameraValidator) add(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

func (v *CameraValidator) validateAddress(addr string) {
	if addr == "" {
		v.add("ip", "camera address is required")
		return
	}
	if net.ParseIP(addr) != nil {
		return
	}
	if len(addr) > 253 || !hostnamePattern.MatchString(addr) {
		v.add("ip", "must be an IP address or host name")
	}
}

func (v *CameraValidator) validatePort(field string, port int, optional bool) {
	if port == 0 && optional {
		return
	}
	if port < 1 || port > 65535 {
		v.add(field, "must be between 1 and 65535")
	}
}

func (v *CameraValidator) validateStreamURL(streamURL string) {
	u, err := url.Parse(streamURL)
	if err != nil {
		v.add("stream_url", "invalid URL format")
		return
	}
	switch strings.ToLower(u.Scheme) {
	case "rtsp", "rtsps":
	default:
		v.add("stream_url", "must use rtsp:// or rtsps://")
		return
	}
	if u.Host == "" {
		v.add("stream_url", "missing host")
	}
}

// ValidateCameraID validates a camera ID format
func ValidateCameraID(id string) error {
	if id == "" {
		return fmt.Errorf("camera ID is required")
	}
	if !cameraIDPattern.MatchString(id) {
		return fmt.Errorf("camera ID must contain only letters, numbers, underscores, and hyphens")
	}
	if len(id) > 50 {
		return fmt.Errorf("camera ID must be less than 50 characters")
	}
	return nil
}
