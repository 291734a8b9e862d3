// Package snapshot keeps the latest JPEG frame per camera, polling at an
// interval that backs off while the camera keeps failing.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Spatial-NVR/camerabridge/internal/core"
	"github.com/Spatial-NVR/camerabridge/internal/logging"
)

const (
	DefaultInterval         = 200 * time.Millisecond
	DefaultDegradedInterval = time.Second
	DefaultStaleness        = 300 * time.Millisecond
	DefaultFailureThreshold = 5
	DefaultLogEvery         = 10
	DefaultRefreshTimeout   = 30 * time.Second
)

// ErrNoFrame is returned when a refresh fails and no fresh frame exists
var ErrNoFrame = errors.New("no frame available")

// Fetcher retrieves one frame; source.SnapshotSource implements it
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// EventSink receives degraded/recovered notifications
type EventSink interface {
	Emit(subject, cameraID string, data map[string]any)
}

// Config configures a Cache
type Config struct {
	CameraID         string
	Interval         time.Duration
	DegradedInterval time.Duration
	Staleness        time.Duration
	FailureThreshold int
	LogEvery         int
	RefreshTimeout   time.Duration
	Events           EventSink
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.DegradedInterval <= c.Interval {
		c.DegradedInterval = DefaultDegradedInterval
		if c.DegradedInterval <= c.Interval {
			c.DegradedInterval = c.Interval * 5
		}
	}
	if c.Staleness <= 0 {
		c.Staleness = DefaultStaleness
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.LogEvery <= 0 {
		c.LogEvery = DefaultLogEvery
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = DefaultRefreshTimeout
	}
}

// Entry is a point-in-time view of the cache state
type Entry struct {
	Frame      []byte        `json:"-"`
	Size       int           `json:"size"`
	CapturedAt time.Time     `json:"captured_at"`
	InFlight   bool          `json:"in_flight"`
	Failures   int           `json:"failures"`
	Interval   time.Duration `json:"interval"`
	Polling    bool          `json:"polling"`
	LastError  string        `json:"last_error,omitempty"`
}

// refresh is the single in-flight fetch; waiters join it through done
type refresh struct {
	done  chan struct{}
	frame []byte
	at    time.Time
	err   error
}

// Cache holds the latest frame of one camera
type Cache struct {
	cfg    Config
	src    Fetcher
	logger *slog.Logger

	mu         sync.Mutex
	frame      []byte
	capturedAt time.Time
	failures   int
	interval   time.Duration
	lastErr    error
	inflight   *refresh

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	polling bool
}

// New creates a cache that refreshes on demand until Start is called
func New(cfg Config, src Fetcher) *Cache {
	cfg.setDefaults()
	return &Cache{
		cfg:      cfg,
		src:      src,
		interval: cfg.Interval,
		logger:   slog.Default().With("component", "snapshot-cache", "camera", cfg.CameraID),
	}
}

// Start begins background polling. Calling Start twice is a no-op.
func (c *Cache) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.polling {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.polling = true

	go c.loop(ctx, c.done)
	c.logger.Info("Snapshot polling started", "interval", c.currentInterval())
}

// Stop ends background polling and waits for the loop to exit. Idempotent.
func (c *Cache) Stop() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.polling {
		return
	}
	c.cancel()
	<-c.done
	c.polling = false
	c.logger.Info("Snapshot polling stopped")
}

func (c *Cache) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	current := c.currentInterval()
	ticker := time.NewTicker(current)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r, ok := c.acquire(); ok {
				c.run(ctx, r)
			}
			if next := c.currentInterval(); next != current {
				current = next
				ticker.Reset(current)
			}
		}
	}
}

// Get returns a frame no older than the staleness bound, refreshing once
// when needed. Concurrent callers share one refresh.
func (c *Cache) Get(ctx context.Context) ([]byte, time.Time, error) {
	c.mu.Lock()
	if c.frame != nil && time.Since(c.capturedAt) < c.cfg.Staleness {
		frame, at := c.frame, c.capturedAt
		c.mu.Unlock()
		return frame, at, nil
	}
	c.mu.Unlock()

	r, owner := c.acquire()
	if owner {
		go c.run(context.WithoutCancel(ctx), r)
	}

	select {
	case <-r.done:
		if r.err != nil {
			return nil, time.Time{}, fmt.Errorf("%w: %w", ErrNoFrame, r.err)
		}
		return r.frame, r.at, nil
	case <-ctx.Done():
		return nil, time.Time{}, ctx.Err()
	}
}

// acquire returns the in-flight refresh, or a new one the caller must run
func (c *Cache) acquire() (*refresh, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight != nil {
		return c.inflight, false
	}
	c.inflight = &refresh{done: make(chan struct{})}
	return c.inflight, true
}

func (c *Cache) run(ctx context.Context, r *refresh) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	frame, err := c.src.Fetch(ctx)
	cancel()

	now := time.Now()

	c.mu.Lock()
	c.inflight = nil
	var degraded, restored bool
	failures := 0
	if err == nil {
		c.frame = frame
		c.capturedAt = now
		c.failures = 0
		c.lastErr = nil
		if c.interval != c.cfg.Interval {
			c.interval = c.cfg.Interval
			restored = true
		}
	} else {
		c.failures++
		c.lastErr = err
		failures = c.failures
		if failures >= c.cfg.FailureThreshold && c.interval != c.cfg.DegradedInterval {
			c.interval = c.cfg.DegradedInterval
			degraded = true
		}
	}
	r.frame, r.at, r.err = frame, now, err
	close(r.done)
	c.mu.Unlock()

	if err != nil && (failures == 1 || failures%c.cfg.LogEvery == 0) {
		c.logger.Warn("Snapshot refresh failed", "failures", failures, "error", err)
	}
	if degraded {
		c.logger.Warn("Snapshot polling degraded", "failures", failures, "interval", c.cfg.DegradedInterval)
		c.emit(core.SubjectSnapshotDegraded, map[string]any{"failures": failures, "interval_ms": c.cfg.DegradedInterval.Milliseconds()})
	}
	if restored {
		c.logger.Info("Snapshot polling restored", "interval", c.cfg.Interval)
		c.emit(core.SubjectSnapshotRecovered, map[string]any{"interval_ms": c.cfg.Interval.Milliseconds()})
	}
}

func (c *Cache) emit(subject string, data map[string]any) {
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(subject, c.cfg.CameraID, data)
	}
}

func (c *Cache) currentInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// Entry returns the current cache state
func (c *Cache) Entry() Entry {
	c.mu.Lock()
	e := Entry{
		Frame:      c.frame,
		Size:       len(c.frame),
		CapturedAt: c.capturedAt,
		InFlight:   c.inflight != nil,
		Failures:   c.failures,
		Interval:   c.interval,
	}
	if c.lastErr != nil {
		e.LastError = logging.MaskCredentials(c.lastErr.Error())
	}
	c.mu.Unlock()

	c.runMu.Lock()
	e.Polling = c.polling
	c.runMu.Unlock()
	return e
}
