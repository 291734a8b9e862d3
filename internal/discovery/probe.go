package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Spatial-NVR/camerabridge/internal/logging"
)

const (
	// DefaultProbeTimeout bounds a single discovery attempt
	DefaultProbeTimeout = 3 * time.Second
	// MaxFrameSize caps how much of a snapshot response is buffered
	MaxFrameSize = 16 << 20
)

// ErrEndpointNotFound is matched by every discovery failure
var ErrEndpointNotFound = errors.New("endpoint not found")

// NotFoundError reports that no candidate satisfied the validator
type NotFoundError struct {
	Kind  Kind
	Tried int
	Last  error
}

func (e *NotFoundError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("no %s endpoint found (%d candidates)", e.Kind, e.Tried)
	}
	return fmt.Sprintf("no %s endpoint found (%d candidates): %s", e.Kind, e.Tried, logging.MaskCredentials(e.Last.Error()))
}

// Unwrap exposes both ErrEndpointNotFound and the last attempt's error
func (e *NotFoundError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrEndpointNotFound}
	}
	return []error{ErrEndpointNotFound, e.Last}
}

// Response is a validated camera response. Exactly one of Body or Stream is
// set, depending on whether the validator consumed the payload.
type Response struct {
	Candidate   Candidate
	ContentType string
	Body        []byte
	Stream      io.ReadCloser
}

// Close releases the stream, if any
func (r *Response) Close() error {
	if r == nil || r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// Validator inspects a 2xx response. It returns the consumed body, or
// keep=true to hand the still-open body to the caller.
type Validator func(resp *http.Response) (body []byte, keep bool, err error)

// JPEGValidator accepts bodies starting with the JPEG start-of-image marker
func JPEGValidator(resp *http.Response) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxFrameSize))
	if err != nil {
		return nil, false, fmt.Errorf("failed to read frame: %w", err)
	}
	if !IsJPEG(data) {
		return nil, false, fmt.Errorf("response is not a JPEG (%d bytes, content-type %q)", len(data), resp.Header.Get("Content-Type"))
	}
	return data, false, nil
}

// MultipartValidator accepts multipart/MJPEG content types and keeps the
// stream open
func MultipartValidator(resp *http.Response) ([]byte, bool, error) {
	ct := resp.Header.Get("Content-Type")
	if !IsMjpegContentType(ct) {
		return nil, false, fmt.Errorf("unexpected content-type %q", ct)
	}
	return nil, true, nil
}

// IsJPEG reports whether data starts with 0xFF 0xD8
func IsJPEG(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8
}

// IsMjpegContentType reports whether ct names a multipart or MJPEG stream
func IsMjpegContentType(ct string) bool {
	lower := strings.ToLower(ct)
	if mediaType, _, err := mime.ParseMediaType(ct); err == nil && strings.HasPrefix(mediaType, "multipart/") {
		return true
	}
	return strings.Contains(lower, "multipart") || strings.Contains(lower, "mjpeg") || strings.Contains(lower, "mjpg")
}

// Prober runs candidates against cameras
type Prober struct {
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewProber creates a prober with the given per-attempt timeout. A nil client
// uses a transport cloned from http.DefaultTransport.
func NewProber(client *http.Client, timeout time.Duration) *Prober {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Prober{
		client:  client,
		timeout: timeout,
		logger:  slog.Default().With("component", "discovery"),
	}
}

// Timeout returns the per-attempt timeout
func (p *Prober) Timeout() time.Duration {
	return p.timeout
}

// Probe tries each candidate in order and returns the first one the
// validator accepts.
func (p *Prober) Probe(ctx context.Context, kind Kind, cands []Candidate, validate Validator) (*Response, error) {
	var last error
	for i, c := range cands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := p.Fetch(ctx, c, p.timeout, validate)
		if err == nil {
			p.logger.Debug("Candidate accepted", "kind", kind, "index", i, "url", c.URL)
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Debug("Candidate rejected", "kind", kind, "index", i, "url", c.URL, "error", err)
		last = err
	}
	return nil, &NotFoundError{Kind: kind, Tried: len(cands), Last: last}
}

// Fetch performs one GET against c bounded by timeout. For validators that
// keep the body, timeout covers the response headers only and the returned
// Stream stays valid until closed or ctx ends.
func (p *Prober) Fetch(ctx context.Context, c Candidate, timeout time.Duration, validate Validator) (*Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(timeout, cancel)

	fail := func(err error) (*Response, error) {
		timer.Stop()
		cancel()
		return nil, err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.URL, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create request: %w", err))
	}
	if c.Username != "" && !strings.HasPrefix(c.URL, "rtsp") {
		req.SetBasicAuth(c.Username, c.Password)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fail(fmt.Errorf("request failed: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_ = resp.Body.Close()
		return fail(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	body, keep, err := validate(resp)
	if err != nil {
		_ = resp.Body.Close()
		return fail(err)
	}

	out := &Response{
		Candidate:   c,
		ContentType: resp.Header.Get("Content-Type"),
	}

	if !keep {
		_ = resp.Body.Close()
		timer.Stop()
		cancel()
		out.Body = body
		return out, nil
	}

	if !timer.Stop() {
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("request failed: %w", context.DeadlineExceeded)
	}
	out.Stream = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return out, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.once.Do(c.cancel)
	return err
}
