// Package camera owns the set of registered cameras and routes requests to
// each camera's stream session, MJPEG source and snapshot cache.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/Spatial-NVR/camerabridge/internal/config"
	"github.com/Spatial-NVR/camerabridge/internal/core"
	"github.com/Spatial-NVR/camerabridge/internal/discovery"
	"github.com/Spatial-NVR/camerabridge/internal/streaming"
)

var (
	// ErrCameraNotRegistered is returned for lookups of unknown ids
	ErrCameraNotRegistered = errors.New("camera not registered")
	// ErrRegistryClosed is returned by Register after Shutdown
	ErrRegistryClosed = errors.New("registry closed")
	// ErrPortConflict is returned when another camera already uses ws_port
	ErrPortConflict = errors.New("stream port already assigned")
)

// EventSink receives lifecycle events; core.EventBus implements it
type EventSink interface {
	Emit(subject, cameraID string, data map[string]any)
}

// Registry maps camera ids to runtimes
type Registry struct {
	store  Store
	events EventSink
	logger *slog.Logger

	// opMu serializes Register, Unregister, Sync and Shutdown
	opMu sync.Mutex

	mu         sync.RWMutex
	settings   Settings
	prober     *discovery.Prober
	runtimes   map[string]*Runtime
	fromConfig map[string]bool
	closed     bool
}

// NewRegistry creates an empty registry. store and events may be nil.
func NewRegistry(settings Settings, store Store, events EventSink) *Registry {
	if settings.Ports == nil {
		settings.Ports = core.GetPortManager()
	}
	return &Registry{
		store:      store,
		events:     events,
		logger:     slog.Default().With("component", "camera-registry"),
		settings:   settings,
		prober:     newProber(settings),
		runtimes:   make(map[string]*Runtime),
		fromConfig: make(map[string]bool),
	}
}

func newProber(s Settings) *discovery.Prober {
	return discovery.NewProber(s.HTTPClient, s.Discovery.ProbeTimeout)
}

// Register installs cam, replacing and closing any runtime already
// registered under the same id, and persists it. It returns the camera id.
func (r *Registry) Register(ctx context.Context, cam config.CameraConfig) (string, error) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	id, err := r.registerLocked(ctx, cam)
	if err != nil {
		return "", err
	}

	if r.store != nil {
		r.mu.RLock()
		saved := r.runtimes[id].Config
		r.mu.RUnlock()
		if err := r.store.Save(ctx, saved); err != nil {
			r.logger.Error("Failed to persist camera", "camera", id, "error", err)
		}
	}
	return id, nil
}

// registerLocked requires opMu
func (r *Registry) registerLocked(ctx context.Context, cam config.CameraConfig) (string, error) {
	cam.ApplyDefaults()
	if err := cam.Validate(); err != nil {
		return "", fmt.Errorf("invalid camera: %w", err)
	}

	r.mu.RLock()
	closed := r.closed
	var conflict string
	for id, rt := range r.runtimes {
		if id != cam.ID && rt.Config.WSPort == cam.WSPort {
			conflict = id
			break
		}
	}
	old := r.runtimes[cam.ID]
	settings := r.settings
	prober := r.prober
	r.mu.RUnlock()

	if closed {
		return "", ErrRegistryClosed
	}
	if conflict != "" {
		return "", fmt.Errorf("camera %s: ws_port %d used by %s: %w", cam.ID, cam.WSPort, conflict, ErrPortConflict)
	}

	if old != nil {
		// The old session must release the port before the new one can bind
		if err := old.close(ctx); err != nil {
			r.logger.Warn("Failed to close replaced camera runtime", "camera", cam.ID, "error", err)
		}
	}

	rt := newRuntime(cam, settings, prober, r.events)

	r.mu.Lock()
	r.runtimes[cam.ID] = rt
	r.mu.Unlock()

	if cam.ID == settings.DefaultCamera {
		rt.Cache.Start(context.Background())
	}

	action := "registered"
	if old != nil {
		action = "re-registered"
	}
	r.logger.Info("Camera "+action, "camera", cam.ID, "ip", cam.IP, "ws_port", cam.WSPort)
	r.emit(core.SubjectCameraRegistered, cam.ID, map[string]any{
		"ip":       cam.IP,
		"ws_port":  cam.WSPort,
		"replaced": old != nil,
	})
	return cam.ID, nil
}

// Unregister closes and removes a camera
func (r *Registry) Unregister(ctx context.Context, id string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	if err := r.unregisterLocked(ctx, id); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.Delete(ctx, id); err != nil {
			r.logger.Error("Failed to delete persisted camera", "camera", id, "error", err)
		}
	}
	return nil
}

func (r *Registry) unregisterLocked(ctx context.Context, id string) error {
	r.mu.Lock()
	rt, ok := r.runtimes[id]
	delete(r.runtimes, id)
	delete(r.fromConfig, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrCameraNotRegistered)
	}

	if err := rt.close(ctx); err != nil {
		r.logger.Warn("Failed to close camera runtime", "camera", id, "error", err)
	}
	r.logger.Info("Camera unregistered", "camera", id)
	r.emit(core.SubjectCameraUnregistered, id, nil)
	return nil
}

// Load registers every persisted camera. Failures are logged per camera.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	cams, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load cameras: %w", err)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	loaded := 0
	for _, cam := range cams {
		if _, err := r.registerLocked(ctx, cam); err != nil {
			r.logger.Error("Failed to restore camera", "camera", cam.ID, "error", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Sync applies the camera list of a (re)loaded config file. Changed cameras
// are re-registered; cameras that came from an earlier config and are now
// gone are unregistered. Cameras registered through Register are kept, and
// rebuilt only when the shared settings changed.
func (r *Registry) Sync(ctx context.Context, settings Settings, cams []config.CameraConfig) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if settings.Ports == nil {
		settings.Ports = r.settings.Ports
	}
	if settings.HTTPClient == nil {
		settings.HTTPClient = r.settings.HTTPClient
	}
	changed := !reflect.DeepEqual(settings, r.settings)
	previousDefault := r.settings.DefaultCamera
	r.settings = settings
	if changed {
		r.prober = newProber(settings)
	}
	r.mu.Unlock()

	var errs []error
	seen := make(map[string]bool, len(cams))
	for _, cam := range cams {
		cam.ApplyDefaults()
		seen[cam.ID] = true

		r.mu.RLock()
		rt := r.runtimes[cam.ID]
		r.mu.RUnlock()
		if rt != nil && rt.Config == cam && !changed {
			r.markFromConfig(cam.ID)
			continue
		}
		if _, err := r.registerLocked(ctx, cam); err != nil {
			errs = append(errs, fmt.Errorf("camera %s: %w", cam.ID, err))
			continue
		}
		r.markFromConfig(cam.ID)
	}

	r.mu.RLock()
	var stale []string
	var rebuild []config.CameraConfig
	for id, rt := range r.runtimes {
		switch {
		case seen[id]:
		case r.fromConfig[id]:
			stale = append(stale, id)
		case changed:
			rebuild = append(rebuild, rt.Config)
		}
	}
	r.mu.RUnlock()
	for _, id := range stale {
		if err := r.unregisterLocked(ctx, id); err != nil && !errors.Is(err, ErrCameraNotRegistered) {
			errs = append(errs, err)
		}
	}
	for _, cam := range rebuild {
		if _, err := r.registerLocked(ctx, cam); err != nil {
			errs = append(errs, fmt.Errorf("camera %s: %w", cam.ID, err))
		}
	}

	if previousDefault != settings.DefaultCamera {
		r.switchDefault(previousDefault, settings.DefaultCamera)
	}
	return errors.Join(errs...)
}

func (r *Registry) markFromConfig(id string) {
	r.mu.Lock()
	r.fromConfig[id] = true
	r.mu.Unlock()
}

func (r *Registry) switchDefault(from, to string) {
	r.mu.RLock()
	prev := r.runtimes[from]
	next := r.runtimes[to]
	r.mu.RUnlock()
	if prev != nil {
		prev.Cache.Stop()
	}
	if next != nil {
		next.Cache.Start(context.Background())
	}
}

// Shutdown closes every runtime concurrently. Further calls are no-ops.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	runtimes := r.runtimes
	r.runtimes = make(map[string]*Runtime)
	r.mu.Unlock()

	r.logger.Info("Shutting down cameras", "count", len(runtimes))
	start := time.Now()

	var wg sync.WaitGroup
	errCh := make(chan error, len(runtimes))
	for id, rt := range runtimes {
		wg.Add(1)
		go func(id string, rt *Runtime) {
			defer wg.Done()
			if err := rt.close(ctx); err != nil {
				errCh <- fmt.Errorf("camera %s: %w", id, err)
			}
		}(id, rt)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	r.logger.Info("Cameras shut down", "duration", time.Since(start))
	return errors.Join(errs...)
}

// Get returns the runtime for id
func (r *Registry) Get(id string) (*Runtime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.runtimes[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrCameraNotRegistered)
	}
	return rt, nil
}

// List returns the registered ids in sorted order
func (r *Registry) List() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.runtimes))
	for id := range r.runtimes {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Infos describes every registered camera, sorted by id
func (r *Registry) Infos() []Info {
	ids := r.List()
	out := make([]Info, 0, len(ids))
	for _, id := range ids {
		if info, err := r.Info(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Info describes one camera
func (r *Registry) Info(id string) (Info, error) {
	rt, err := r.Get(id)
	if err != nil {
		return Info{}, err
	}
	info := rt.Info()
	r.mu.RLock()
	info.Default = id == r.settings.DefaultCamera
	r.mu.RUnlock()
	return info, nil
}

// StartStream starts (or restarts) the camera's transcoder and returns the
// endpoint clients connect to. override replaces the configured source URL.
func (r *Registry) StartStream(ctx context.Context, id, override string) (string, error) {
	rt, err := r.Get(id)
	if err != nil {
		return "", err
	}
	endpoint, err := rt.Session.Start(ctx, override)
	if !errors.Is(err, streaming.ErrSessionClosed) {
		return endpoint, err
	}

	// The camera was replaced between lookup and start
	next, getErr := r.Get(id)
	if getErr != nil {
		return "", getErr
	}
	if next == rt {
		return "", err
	}
	return next.Session.Start(ctx, override)
}

// StopStream stops the camera's transcoder. Stopping a stopped stream is a
// no-op.
func (r *Registry) StopStream(ctx context.Context, id string) error {
	rt, err := r.Get(id)
	if err != nil {
		return err
	}
	return rt.Session.Stop(ctx)
}

// StreamStatus reports whether the camera's transcoder is active
func (r *Registry) StreamStatus(id string) (streaming.Status, error) {
	rt, err := r.Get(id)
	if err != nil {
		return streaming.Status{}, err
	}
	return rt.Session.Status(), nil
}

// GetSnapshot returns a JPEG no older than the cache staleness bound
func (r *Registry) GetSnapshot(ctx context.Context, id string) ([]byte, error) {
	rt, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	frame, _, err := rt.Cache.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("camera %s: %w", id, err)
	}
	return frame, nil
}

// ProxyMjpeg relays the camera's MJPEG stream to w until the client goes
// away. discovery.ErrEndpointNotFound means nothing was written and the
// caller may fall back to snapshots.
func (r *Registry) ProxyMjpeg(ctx context.Context, id string, w http.ResponseWriter) error {
	rt, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := rt.Mjpeg.Proxy(ctx, w); err != nil {
		return fmt.Errorf("camera %s: %w", id, err)
	}
	return nil
}

func (r *Registry) emit(subject, cameraID string, data map[string]any) {
	if r.events != nil {
		r.events.Emit(subject, cameraID, data)
	}
}
