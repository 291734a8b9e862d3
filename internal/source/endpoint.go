// Package source fetches frames and MJPEG streams from cameras, remembering
// the last endpoint that worked.
package source

import (
	"errors"
	"sync"
	"time"

	"github.com/Spatial-NVR/camerabridge/internal/discovery"
)

const (
	// DefaultFailureThreshold is how many consecutive failures on a cached
	// endpoint force full re-discovery
	DefaultFailureThreshold = 3
	// DefaultFetchTimeout bounds requests to an already trusted endpoint
	DefaultFetchTimeout = 8 * time.Second
)

var (
	// ErrUpstreamDisconnected is returned when a camera stream breaks before
	// any byte reached the client
	ErrUpstreamDisconnected = errors.New("upstream disconnected")
	// ErrEndpointUnavailable is returned when the trusted endpoint fails but
	// has not yet reached the failure threshold
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
)

// Options configures a SnapshotSource or MjpegSource
type Options struct {
	CameraID         string
	Templates        []string
	Target           discovery.Target
	Prober           *discovery.Prober
	FailureThreshold int
	FetchTimeout     time.Duration
}

func (o *Options) setDefaults(kind discovery.Kind) {
	if len(o.Templates) == 0 {
		o.Templates = discovery.DefaultTemplates(kind)
	}
	if o.Prober == nil {
		o.Prober = discovery.NewProber(nil, discovery.DefaultProbeTimeout)
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = DefaultFetchTimeout
	}
}

// endpointCache is the trusted-endpoint hint plus its failure streak.
// Cleared once failures reach threshold.
type endpointCache struct {
	mu        sync.Mutex
	current   *discovery.Candidate
	announced string
	failures  int
	threshold int
}

func (c *endpointCache) get() (discovery.Candidate, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return discovery.Candidate{}, false
	}
	return *c.current, true
}

// set stores cand and reports whether it differs from the last endpoint
// announced, so callers log each transition once.
func (c *endpointCache) set(cand discovery.Candidate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = &cand
	c.failures = 0
	if c.announced == cand.URL {
		return false
	}
	c.announced = cand.URL
	return true
}

func (c *endpointCache) success() {
	c.mu.Lock()
	c.failures = 0
	c.mu.Unlock()
}

// failure records one failed use of the cached endpoint and reports whether
// it crossed the threshold and was cleared.
func (c *endpointCache) failure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures < c.threshold {
		return false
	}
	c.current = nil
	c.failures = 0
	return true
}

func (c *endpointCache) clear() {
	c.mu.Lock()
	c.current = nil
	c.failures = 0
	c.mu.Unlock()
}

func (c *endpointCache) failureCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *endpointCache) url() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.URL
}
