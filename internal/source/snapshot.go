package source

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Spatial-NVR/camerabridge/internal/discovery"
)

// SnapshotSource retrieves single JPEG frames from a camera
type SnapshotSource struct {
	cameraID     string
	candidates   []discovery.Candidate
	prober       *discovery.Prober
	fetchTimeout time.Duration
	threshold    int
	cache        endpointCache
	group        singleflight.Group
	logger       *slog.Logger
}

// NewSnapshotSource creates a snapshot source for one camera
func NewSnapshotSource(opts Options) *SnapshotSource {
	opts.setDefaults(discovery.KindSnapshot)
	return &SnapshotSource{
		cameraID:     opts.CameraID,
		candidates:   discovery.Expand(opts.Templates, opts.Target),
		prober:       opts.Prober,
		fetchTimeout: opts.FetchTimeout,
		threshold:    opts.FailureThreshold,
		cache:        endpointCache{threshold: opts.FailureThreshold},
		logger:       slog.Default().With("component", "snapshot-source", "camera", opts.CameraID),
	}
}

// Fetch returns one JPEG frame. A cached endpoint is used directly; without
// one, the candidate list is probed (one probe at a time per source).
func (s *SnapshotSource) Fetch(ctx context.Context) ([]byte, error) {
	if cand, ok := s.cache.get(); ok {
		resp, err := s.prober.Fetch(ctx, cand, s.fetchTimeout, discovery.JPEGValidator)
		if err == nil {
			s.cache.success()
			return resp.Body, nil
		}
		if ctx.Err() == nil && s.cache.failure() {
			s.logger.Warn("Snapshot endpoint invalidated", "url", cand.URL, "threshold", s.threshold, "error", err)
		}
		return nil, fmt.Errorf("snapshot fetch failed: %w", err)
	}

	ch := s.group.DoChan("discover", func() (interface{}, error) {
		return s.discover(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("snapshot endpoint not found: %w", res.Err)
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *SnapshotSource) discover(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, probeBudget(len(s.candidates), s.prober.Timeout()))
	defer cancel()

	resp, err := s.prober.Probe(ctx, discovery.KindSnapshot, s.candidates, discovery.JPEGValidator)
	if err != nil {
		return nil, err
	}
	if s.cache.set(resp.Candidate) {
		s.logger.Info("Snapshot endpoint discovered", "url", resp.Candidate.URL)
	}
	return resp.Body, nil
}

// Endpoint returns the cached endpoint URL, or "" when none is trusted.
// The value is a hint and may be invalidated at any time.
func (s *SnapshotSource) Endpoint() string {
	return s.cache.url()
}

// Failures returns the current failure streak on the cached endpoint
func (s *SnapshotSource) Failures() int {
	return s.cache.failureCount()
}

// Invalidate drops the cached endpoint so the next Fetch re-discovers
func (s *SnapshotSource) Invalidate() {
	s.cache.clear()
}

// Candidates returns the expanded candidate URLs in probe order, with
// passwords masked
func (s *SnapshotSource) Candidates() []string {
	urls := discovery.URLs(s.candidates)
	for i, u := range urls {
		urls[i] = discovery.MaskURL(u)
	}
	return urls
}

// probeBudget bounds a full discovery pass: every candidate may use its
// whole attempt timeout.
func probeBudget(n int, perAttempt time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}
	return time.Duration(n)*perAttempt + time.Second
}
