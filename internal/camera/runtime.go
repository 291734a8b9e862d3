package camera

import (
	"context"
	"net/http"
	"time"

	"github.com/Spatial-NVR/camerabridge/internal/config"
	"github.com/Spatial-NVR/camerabridge/internal/core"
	"github.com/Spatial-NVR/camerabridge/internal/discovery"
	"github.com/Spatial-NVR/camerabridge/internal/snapshot"
	"github.com/Spatial-NVR/camerabridge/internal/source"
	"github.com/Spatial-NVR/camerabridge/internal/streaming"
)

// Settings are the registry-wide values every runtime is built from
type Settings struct {
	Discovery     config.DiscoveryConfig
	Snapshot      config.SnapshotConfig
	Transcode     config.TranscodeConfig
	PublicHost    string
	DefaultCamera string

	// Optional
	HTTPClient *http.Client
	Ports      *core.PortManager
}

// SettingsFrom copies the non-camera sections of cfg
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		Discovery:     cfg.Discovery,
		Snapshot:      cfg.Snapshot,
		Transcode:     cfg.Transcode,
		PublicHost:    cfg.System.PublicHost,
		DefaultCamera: cfg.System.DefaultCamera,
	}
}

// Runtime owns the per-camera managers. It is created by Register and
// closed when the camera is replaced, unregistered, or the registry shuts
// down.
type Runtime struct {
	Config    config.CameraConfig
	Snapshots *source.SnapshotSource
	Mjpeg     *source.MjpegSource
	Session   *streaming.Session
	Cache     *snapshot.Cache

	createdAt time.Time
}

func newRuntime(cam config.CameraConfig, s Settings, prober *discovery.Prober, events EventSink) *Runtime {
	target := discovery.Target{
		Scheme:   cam.Protocol,
		IP:       cam.IP,
		HTTPPort: cam.HTTPPort,
		RTSPPort: cam.RTSPPort,
		Username: cam.Username,
		Password: cam.Password,
	}

	snapshots := source.NewSnapshotSource(source.Options{
		CameraID:         cam.ID,
		Templates:        s.Discovery.SnapshotTemplates,
		Target:           target,
		Prober:           prober,
		FailureThreshold: s.Discovery.FailureThreshold,
		FetchTimeout:     s.Discovery.FetchTimeout,
	})
	mjpeg := source.NewMjpegSource(source.Options{
		CameraID:         cam.ID,
		Templates:        s.Discovery.MjpegTemplates,
		Target:           target,
		Prober:           prober,
		FailureThreshold: s.Discovery.FailureThreshold,
		FetchTimeout:     s.Discovery.FetchTimeout,
	})

	streamURLs := []string{cam.StreamURL}
	if cam.StreamURL == "" {
		templates := s.Discovery.StreamTemplates
		if len(templates) == 0 {
			templates = discovery.DefaultTemplates(discovery.KindStream)
		}
		streamURLs = discovery.URLs(discovery.Expand(templates, target))
	}

	var streamEvents streaming.EventSink
	var cacheEvents snapshot.EventSink
	if events != nil {
		streamEvents = events
		cacheEvents = events
	}

	session := streaming.NewSession(streaming.Config{
		CameraID:           cam.ID,
		StreamURLs:         streamURLs,
		Binary:             s.Transcode.Binary,
		HWAccel:            streaming.HWAccel(s.Transcode.HWAccel),
		FPS:                cam.FPS,
		Bitrate:            cam.Bitrate,
		Port:               cam.WSPort,
		BindHost:           s.Transcode.BindHost,
		PublicHost:         s.PublicHost,
		RestartDelay:       s.Transcode.RestartDelay,
		StopGrace:          s.Transcode.StopGrace,
		PortReleaseTimeout: s.Transcode.PortReleaseTimeout,
		PortPollInterval:   s.Transcode.PortPollInterval,
		Ports:              s.Ports,
		Events:             streamEvents,
	})

	cache := snapshot.New(snapshot.Config{
		CameraID:         cam.ID,
		Interval:         s.Snapshot.Interval,
		DegradedInterval: s.Snapshot.DegradedInterval,
		Staleness:        s.Snapshot.Staleness,
		FailureThreshold: s.Snapshot.FailureThreshold,
		LogEvery:         s.Snapshot.LogEvery,
		Events:           cacheEvents,
	}, snapshots)

	return &Runtime{
		Config:    cam,
		Snapshots: snapshots,
		Mjpeg:     mjpeg,
		Session:   session,
		Cache:     cache,
		createdAt: time.Now(),
	}
}

// close stops polling and the transcoder. Safe to call more than once.
func (rt *Runtime) close(ctx context.Context) error {
	rt.Cache.Stop()
	return rt.Session.Close(ctx)
}

// Info is the public view of a registered camera
type Info struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	IP               string           `json:"ip"`
	WSPort           int              `json:"ws_port"`
	Default          bool             `json:"default"`
	RegisteredAt     time.Time        `json:"registered_at"`
	Stream           streaming.Status `json:"stream"`
	Snapshot         snapshot.Entry   `json:"snapshot"`
	SnapshotEndpoint string           `json:"snapshot_endpoint,omitempty"`
	MjpegEndpoint    string           `json:"mjpeg_endpoint,omitempty"`
	// Probe order used when no endpoint is trusted
	SnapshotCandidates []string `json:"snapshot_candidates"`
	MjpegCandidates    []string `json:"mjpeg_candidates"`
}

// Info describes the runtime. Endpoint URLs are hints and may be
// invalidated at any time.
func (rt *Runtime) Info() Info {
	e := rt.Cache.Entry()
	e.Frame = nil
	return Info{
		ID:               rt.Config.ID,
		Name:             rt.Config.Name,
		IP:               rt.Config.IP,
		WSPort:           rt.Config.WSPort,
		RegisteredAt:     rt.createdAt,
		Stream:           rt.Session.Status(),
		Snapshot:         e,
		SnapshotEndpoint: discovery.MaskURL(rt.Snapshots.Endpoint()),
		MjpegEndpoint:    discovery.MaskURL(rt.Mjpeg.Endpoint()),

		SnapshotCandidates: rt.Snapshots.Candidates(),
		MjpegCandidates:    rt.Mjpeg.Candidates(),
	}
}
