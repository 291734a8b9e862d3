package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Spatial-NVR/camerabridge/internal/core"
	"github.com/Spatial-NVR/camerabridge/internal/logging"
)

const (
	DefaultRestartDelay = 2 * time.Second
	DefaultStopGrace    = 3 * time.Second
	DefaultPublicHost   = "localhost"

	readChunkSize = 32 * 1024
	waitDelay     = 2 * time.Second
)

var (
	// ErrPortUnavailable is returned when the stream port stays bound
	ErrPortUnavailable = core.ErrPortUnavailable
	// ErrProcessLaunchFailed is returned when the transcoder cannot start
	ErrProcessLaunchFailed = errors.New("transcoder launch failed")
	// ErrSessionClosed is returned by Start after Close
	ErrSessionClosed = errors.New("stream session closed")
)

// State of a transcode session
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
)

// EventKind identifies a session lifecycle event
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventStopped   EventKind = "stopped"
	EventExited    EventKind = "exited"
	EventErrored   EventKind = "errored"
	EventRestarted EventKind = "restarted"
)

// Event is emitted on every lifecycle transition
type Event struct {
	Kind     EventKind `json:"kind"`
	CameraID string    `json:"camera_id"`
	Code     int       `json:"code,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

var eventSubjects = map[EventKind]string{
	EventStarted:   core.SubjectStreamStarted,
	EventStopped:   core.SubjectStreamStopped,
	EventExited:    core.SubjectStreamExited,
	EventErrored:   core.SubjectStreamErrored,
	EventRestarted: core.SubjectStreamRestarted,
}

// EventSink receives lifecycle events, typically the event bus
type EventSink interface {
	Emit(subject, cameraID string, data map[string]any)
}

// Config configures a Session
type Config struct {
	CameraID string
	// StreamURLs in preference order; the first is used without an override
	StreamURLs []string
	Binary     string
	HWAccel    HWAccel
	FPS        int
	Bitrate    int
	Port       int
	BindHost   string
	PublicHost string

	RestartDelay       time.Duration
	StopGrace          time.Duration
	PortReleaseTimeout time.Duration
	PortPollInterval   time.Duration

	Ports  *core.PortManager
	Events EventSink
}

func (c *Config) setDefaults() {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.Bitrate <= 0 {
		c.Bitrate = DefaultBitrate
	}
	if c.PublicHost == "" {
		c.PublicHost = DefaultPublicHost
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = DefaultRestartDelay
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.PortReleaseTimeout <= 0 {
		c.PortReleaseTimeout = core.DefaultPortReleaseTimeout
	}
	if c.PortPollInterval <= 0 {
		c.PortPollInterval = core.DefaultPortPollInterval
	}
	if c.Ports == nil {
		c.Ports = core.GetPortManager()
	}
}

// Status is a point-in-time view of a session
type Status struct {
	State     State  `json:"state"`
	Active    bool   `json:"active"`
	Endpoint  string `json:"endpoint,omitempty"`
	Clients   int    `json:"clients"`
	SourceURL string `json:"source_url,omitempty"`
	Restarts  int    `json:"restarts"`
	// Dropped counts output chunks skipped for slow clients
	Dropped int64 `json:"dropped_chunks"`
}

type commandFunc func(name string, args ...string) *exec.Cmd

// process is one transcoder run
type process struct {
	cmd      *exec.Cmd
	done     chan struct{}
	expected atomic.Bool
}

// Session owns one camera's transcoder process and its stream port
type Session struct {
	cfg     Config
	owner   string
	command commandFunc
	logger  *slog.Logger

	// opMu serializes Start, Stop, Close and restarts
	opMu   sync.Mutex
	closed bool

	mu        sync.Mutex
	state     State
	gen       uint64
	proc      *process
	relay     *Relay
	endpoint  string
	sourceURL string
	restart   *time.Timer

	breaker breaker

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewSession creates a stopped session
func NewSession(cfg Config) *Session {
	cfg.setDefaults()
	return &Session{
		cfg:     cfg,
		owner:   "stream:" + cfg.CameraID,
		command: exec.Command,
		logger:  slog.Default().With("component", "transcode", "camera", cfg.CameraID),
		state:   StateStopped,
		subs:    make(map[int]chan Event),
	}
}

// Start launches the transcoder, stopping a running one first. It returns
// the endpoint clients connect to.
func (s *Session) Start(ctx context.Context, override string) (string, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.closed {
		return "", fmt.Errorf("camera %s: %w", s.cfg.CameraID, ErrSessionClosed)
	}

	s.mu.Lock()
	busy := s.state != StateStopped || s.relay != nil
	s.mu.Unlock()
	if busy {
		s.logger.Info("Stopping previous transcoder before start")
		s.stopLocked(ctx)
	}

	if err := core.WaitForPortRelease(ctx, s.cfg.Port, s.cfg.PortReleaseTimeout, s.cfg.PortPollInterval); err != nil {
		s.logger.Error("Stream port not released", "port", s.cfg.Port, "error", err)
		return "", fmt.Errorf("camera %s: %w", s.cfg.CameraID, err)
	}

	sourceURL := override
	if sourceURL == "" && len(s.cfg.StreamURLs) > 0 {
		sourceURL = s.cfg.StreamURLs[0]
	}
	if sourceURL == "" {
		return "", fmt.Errorf("camera %s: %w: no stream url", s.cfg.CameraID, ErrProcessLaunchFailed)
	}

	s.setState(StateStarting)

	if err := s.cfg.Ports.Claim(s.cfg.Port, s.owner); err != nil {
		s.setState(StateStopped)
		return "", fmt.Errorf("camera %s: %w", s.cfg.CameraID, err)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(s.cfg.Port)))
	if err != nil {
		s.cfg.Ports.Release(s.cfg.Port, s.owner)
		s.setState(StateStopped)
		return "", fmt.Errorf("camera %s: %w: %v", s.cfg.CameraID, ErrPortUnavailable, err)
	}

	relay := NewRelay(s.cfg.CameraID, ln, s.clientsChanged)
	go relay.Serve()

	s.mu.Lock()
	s.relay = relay
	s.sourceURL = sourceURL
	s.endpoint = fmt.Sprintf("ws://%s/", net.JoinHostPort(s.cfg.PublicHost, strconv.Itoa(s.cfg.Port)))
	s.mu.Unlock()

	if err := s.launch(sourceURL, relay); err != nil {
		relay.Close()
		s.cfg.Ports.Release(s.cfg.Port, s.owner)
		s.mu.Lock()
		s.relay = nil
		s.endpoint = ""
		s.state = StateStopped
		s.mu.Unlock()
		s.logger.Error("Failed to launch transcoder", "binary", s.cfg.Binary, "error", err)
		s.emit(Event{Kind: EventErrored, Reason: err.Error()})
		return "", fmt.Errorf("camera %s: %w: %v", s.cfg.CameraID, ErrProcessLaunchFailed, err)
	}

	s.breaker.reset()
	endpoint := s.Endpoint()
	s.logger.Info("Transcoder started", "source", sourceURL, "endpoint", endpoint, "fps", s.cfg.FPS, "bitrate", s.cfg.Bitrate)
	s.emit(Event{Kind: EventStarted, Reason: endpoint})
	return endpoint, nil
}

// launch starts the process and marks the session running
func (s *Session) launch(sourceURL string, relay *Relay) error {
	cmd := s.command(s.cfg.Binary, TranscodeArgs(sourceURL, s.cfg.FPS, s.cfg.Bitrate, detector.resolve(s.cfg.Binary, s.cfg.HWAccel))...)
	cmd.Stderr = newLogWriter(s.logger, slog.LevelWarn)
	cmd.WaitDelay = waitDelay

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	p := &process{cmd: cmd, done: make(chan struct{})}

	s.mu.Lock()
	s.gen++
	s.proc = p
	s.state = StateRunning
	s.mu.Unlock()

	go s.run(p, stdout, relay)
	return nil
}

// run relays stdout until EOF, then reaps the process
func (s *Session) run(p *process, stdout io.Reader, relay *Relay) {
	buf := make([]byte, readChunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			relay.Broadcast(buf[:n])
		}
		if err != nil {
			break
		}
	}

	err := p.cmd.Wait()
	close(p.done)
	s.exited(p, err)
}

// exited handles a process end that Stop did not ask for
func (s *Session) exited(p *process, err error) {
	s.mu.Lock()
	if p.expected.Load() || s.proc != p {
		s.mu.Unlock()
		return
	}
	s.proc = nil
	s.state = StateFailed
	gen := s.gen
	clients := 0
	if s.relay != nil {
		clients = s.relay.ClientCount()
	}
	s.mu.Unlock()

	code := exitCode(err)
	s.logger.Warn("Transcoder exited unexpectedly", "code", code, "error", err, "clients", clients)
	s.emit(Event{Kind: EventExited, Code: code})

	var exitErr *exec.ExitError
	if err != nil && (!errors.As(err, &exitErr) || code < 0) {
		s.emit(Event{Kind: EventErrored, Code: code, Reason: err.Error()})
	}

	if clients == 0 {
		s.settle(gen, "no clients")
		return
	}
	if !s.breaker.allow() {
		s.logger.Error("Circuit breaker open, not restarting transcoder",
			"restarts", s.breaker.restarts(), "cooldown", circuitCooldown)
		s.settle(gen, "circuit breaker open")
		return
	}

	s.mu.Lock()
	if s.gen == gen && s.state == StateFailed {
		s.restart = time.AfterFunc(s.cfg.RestartDelay, func() { s.restartAfterFailure(gen) })
	}
	s.mu.Unlock()
	s.logger.Info("Transcoder restart scheduled", "delay", s.cfg.RestartDelay, "attempt", s.breaker.restarts())
}

// restartAfterFailure relaunches on the existing relay if the session is
// still failed and somebody is still watching.
func (s *Session) restartAfterFailure(gen uint64) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed || s.gen != gen || s.state != StateFailed || s.relay == nil {
		s.mu.Unlock()
		return
	}
	relay := s.relay
	sourceURL := s.sourceURL
	s.restart = nil
	s.state = StateStarting
	s.mu.Unlock()

	if relay.ClientCount() == 0 {
		s.stopLocked(context.Background())
		return
	}

	if err := s.launch(sourceURL, relay); err != nil {
		s.logger.Error("Failed to restart transcoder", "error", err)
		s.emit(Event{Kind: EventErrored, Reason: err.Error()})
		s.stopLocked(context.Background())
		return
	}
	s.logger.Info("Transcoder restarted", "attempt", s.breaker.restarts())
	s.emit(Event{Kind: EventRestarted, Code: s.breaker.restarts()})
}

// settle tears a failed session down to stopped unless something else
// already moved it on.
func (s *Session) settle(gen uint64, reason string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	current := s.gen == gen && s.state == StateFailed
	s.mu.Unlock()
	if !current {
		return
	}
	s.logger.Info("Settling failed session", "reason", reason)
	s.stopLocked(context.Background())
}

// clientsChanged is called by the relay on connect and disconnect
func (s *Session) clientsChanged(n int) {
	if n > 0 {
		return
	}
	s.mu.Lock()
	failed := s.state == StateFailed
	gen := s.gen
	s.mu.Unlock()
	if failed {
		go s.settle(gen, "last client left")
	}
}

// Stop terminates the transcoder and releases the port. Stopping a stopped
// session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stopLocked(ctx)
	return nil
}

// Close stops the session for good. Later Start calls fail with
// ErrSessionClosed.
func (s *Session) Close(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.closed = true
	s.stopLocked(ctx)
	return nil
}

// stopLocked requires opMu
func (s *Session) stopLocked(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateStopped && s.proc == nil && s.relay == nil {
		s.mu.Unlock()
		return
	}
	p := s.proc
	relay := s.relay
	s.proc = nil
	s.relay = nil
	s.gen++
	if s.restart != nil {
		s.restart.Stop()
		s.restart = nil
	}
	if p != nil {
		p.expected.Store(true)
	}
	s.mu.Unlock()

	if p != nil {
		s.terminate(ctx, p)
	}
	if relay != nil {
		relay.Close()
	}
	s.cfg.Ports.Release(s.cfg.Port, s.owner)

	s.mu.Lock()
	s.state = StateStopped
	s.endpoint = ""
	s.mu.Unlock()

	s.logger.Info("Transcoder stopped")
	s.emit(Event{Kind: EventStopped})
}

// terminate interrupts the process and kills it after the grace period
func (s *Session) terminate(ctx context.Context, p *process) {
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		s.logger.Debug("Failed to interrupt transcoder", "error", err)
	}

	grace := time.NewTimer(s.cfg.StopGrace)
	defer grace.Stop()

	select {
	case <-p.done:
		return
	case <-grace.C:
		s.logger.Warn("Force killing transcoder")
	case <-ctx.Done():
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("Failed to kill transcoder", "error", err)
	}
	select {
	case <-p.done:
	case <-time.After(waitDelay + time.Second):
		s.logger.Error("Transcoder did not exit after kill")
	}
}

// IsActive reports whether a process is running or starting
func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning || s.state == StateStarting
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientCount returns the number of connected stream clients
func (s *Session) ClientCount() int {
	s.mu.Lock()
	relay := s.relay
	s.mu.Unlock()
	if relay == nil {
		return 0
	}
	return relay.ClientCount()
}

// Endpoint returns the address clients connect to, or "" when stopped
func (s *Session) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endpoint
}

// Status returns a snapshot of the session
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		State:     s.state,
		Active:    s.state == StateRunning || s.state == StateStarting,
		Endpoint:  s.endpoint,
		SourceURL: logging.MaskCredentials(s.sourceURL),
	}
	relay := s.relay
	s.mu.Unlock()

	if relay != nil {
		st.Clients = relay.ClientCount()
		st.Dropped = relay.Dropped()
	}
	st.Restarts = s.breaker.restarts()
	return st
}

// Subscribe returns a channel of lifecycle events and a cancel func.
// Events are dropped for subscribers that fall behind.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Session) emit(e Event) {
	e.CameraID = s.cfg.CameraID
	e.Time = time.Now()

	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- e:
		default:
		}
	}
	s.subMu.Unlock()

	if s.cfg.Events != nil {
		data := map[string]any{"kind": string(e.Kind)}
		if e.Code != 0 {
			data["code"] = e.Code
		}
		if e.Reason != "" {
			data["reason"] = logging.MaskCredentials(e.Reason)
		}
		s.cfg.Events.Emit(eventSubjects[e.Kind], e.CameraID, data)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// exitCode returns the process exit code, -1 when killed by a signal or
// when no exit status is available
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
