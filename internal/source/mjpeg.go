package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Spatial-NVR/camerabridge/internal/discovery"
)

const relayBufferSize = 32 * 1024

// MjpegSource opens multipart MJPEG streams from a camera and relays them
type MjpegSource struct {
	cameraID     string
	candidates   []discovery.Candidate
	prober       *discovery.Prober
	fetchTimeout time.Duration
	threshold    int
	cache        endpointCache
	group        singleflight.Group
	logger       *slog.Logger
}

// NewMjpegSource creates an MJPEG source for one camera
func NewMjpegSource(opts Options) *MjpegSource {
	opts.setDefaults(discovery.KindMjpeg)
	return &MjpegSource{
		cameraID:     opts.CameraID,
		candidates:   discovery.Expand(opts.Templates, opts.Target),
		prober:       opts.Prober,
		fetchTimeout: opts.FetchTimeout,
		threshold:    opts.FailureThreshold,
		cache:        endpointCache{threshold: opts.FailureThreshold},
		logger:       slog.Default().With("component", "mjpeg-source", "camera", opts.CameraID),
	}
}

// discovered hands the probe winner's open stream to exactly one waiter;
// other waiters reopen the endpoint themselves.
type discovered struct {
	candidate discovery.Candidate
	resp      atomic.Pointer[discovery.Response]
}

func (d *discovered) take() *discovery.Response {
	return d.resp.Swap(nil)
}

// Open returns an open upstream MJPEG response. The caller must Close it.
// When no endpoint is known and discovery fails, the error matches
// discovery.ErrEndpointNotFound; when the trusted endpoint fails it matches
// ErrEndpointUnavailable.
func (m *MjpegSource) Open(ctx context.Context) (*discovery.Response, error) {
	if cand, ok := m.cache.get(); ok {
		return m.openCached(ctx, cand)
	}

	ch := m.group.DoChan("discover", func() (interface{}, error) {
		return m.discover(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("mjpeg endpoint not found: %w", res.Err)
		}
		d := res.Val.(*discovered)
		if resp := d.take(); resp != nil {
			return resp, nil
		}
		return m.openCached(ctx, d.candidate)
	case <-ctx.Done():
		// Nobody may be left to claim the winner's stream.
		go func() {
			res := <-ch
			if res.Err == nil {
				if resp := res.Val.(*discovered).take(); resp != nil {
					_ = resp.Close()
				}
			}
		}()
		return nil, ctx.Err()
	}
}

func (m *MjpegSource) openCached(ctx context.Context, cand discovery.Candidate) (*discovery.Response, error) {
	resp, err := m.prober.Fetch(ctx, cand, m.fetchTimeout, discovery.MultipartValidator)
	if err == nil {
		m.cache.success()
		return resp, nil
	}
	if ctx.Err() == nil && m.cache.failure() {
		m.logger.Warn("MJPEG endpoint invalidated", "url", cand.URL, "threshold", m.threshold, "error", err)
	}
	return nil, fmt.Errorf("mjpeg open failed: %w: %w", ErrEndpointUnavailable, err)
}

func (m *MjpegSource) discover(ctx context.Context) (*discovered, error) {
	// The winner's stream outlives this probe, so only the probe pass itself
	// is bounded here; per-attempt timeouts come from the prober.
	probeCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(probeBudget(len(m.candidates), m.prober.Timeout()), cancel)
	defer timer.Stop()

	resp, err := m.prober.Probe(probeCtx, discovery.KindMjpeg, m.candidates, discovery.MultipartValidator)
	if err != nil {
		cancel()
		return nil, err
	}
	if !timer.Stop() {
		_ = resp.Close()
		return nil, fmt.Errorf("mjpeg discovery: %w", context.DeadlineExceeded)
	}
	if m.cache.set(resp.Candidate) {
		m.logger.Info("MJPEG endpoint discovered", "url", resp.Candidate.URL)
	}
	d := &discovered{candidate: resp.Candidate}
	d.resp.Store(resp)
	return d, nil
}

// Proxy relays the camera's MJPEG stream to w until either side closes.
// Headers are sent only once the first upstream bytes arrive, so a returned
// error always means nothing was written and the caller may fall back.
func (m *MjpegSource) Proxy(ctx context.Context, w http.ResponseWriter) error {
	resp, err := m.Open(ctx)
	if err != nil {
		return err
	}
	defer resp.Close()

	// Client gone: abort the upstream read.
	stop := context.AfterFunc(ctx, func() { _ = resp.Close() })
	defer stop()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, relayBufferSize)
	var sent int64

	for {
		n, rerr := resp.Stream.Read(buf)
		if n > 0 {
			if sent == 0 {
				writeStreamHeaders(w, resp.ContentType)
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				m.logger.Debug("MJPEG client write failed", "error", werr, "bytes", sent)
				return nil
			}
			sent += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == nil {
			continue
		}

		if ctx.Err() != nil {
			m.logger.Debug("MJPEG client disconnected", "bytes", sent)
			return nil
		}
		if errors.Is(rerr, io.EOF) {
			if sent == 0 {
				return fmt.Errorf("%w: stream closed before first frame", ErrUpstreamDisconnected)
			}
			return nil
		}

		m.cache.clear()
		m.logger.Warn("MJPEG upstream failed, endpoint invalidated", "url", resp.Candidate.URL, "bytes", sent, "error", rerr)
		if sent == 0 {
			return fmt.Errorf("%w: %v", ErrUpstreamDisconnected, rerr)
		}
		return nil
	}
}

func writeStreamHeaders(w http.ResponseWriter, contentType string) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Expires", "0")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

// Endpoint returns the cached endpoint URL, or "" when none is trusted
func (m *MjpegSource) Endpoint() string {
	return m.cache.url()
}

// Failures returns the current failure streak on the cached endpoint
func (m *MjpegSource) Failures() int {
	return m.cache.failureCount()
}

// Invalidate drops the cached endpoint so the next Open re-discovers
func (m *MjpegSource) Invalidate() {
	m.cache.clear()
}

// Candidates returns the expanded candidate URLs in probe order, with
// passwords masked
func (m *MjpegSource) Candidates() []string {
	urls := discovery.URLs(m.candidates)
	for i, u := range urls {
		urls[i] = discovery.MaskURL(u)
	}
	return urls
}
