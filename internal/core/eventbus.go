package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published by the bridge
const (
	SubjectCameraRegistered   = "camera.registered"
	SubjectCameraUnregistered = "camera.unregistered"
	SubjectStreamStarted      = "stream.started"
	SubjectStreamStopped      = "stream.stopped"
	SubjectStreamExited       = "stream.exited"
	SubjectStreamErrored      = "stream.errored"
	SubjectStreamRestarted    = "stream.restarted"
	SubjectSnapshotDegraded   = "snapshot.degraded"
	SubjectSnapshotRecovered  = "snapshot.recovered"
	SubjectConfigChanged      = "config.changed"
	SubjectSystemShutdown     = "system.shutdown"
)

// EventSubjects are the wildcards covering every bridge subject
var EventSubjects = []string{"camera.>", "stream.>", "snapshot.>", "config.>", "system.>"}

// Event is the envelope for every bridge event
type Event struct {
	ID        string         `json:"id"`
	Subject   string         `json:"subject"`
	CameraID  string         `json:"camera_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id
func NewEvent(subject, cameraID string, data map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Subject:   subject,
		CameraID:  cameraID,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// EventBus provides pub/sub for lifecycle events using embedded NATS
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	port   int
	pm     *PortManager
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex

	stopOnce sync.Once
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server (default: 4222, next free port if taken)
	Port int
	// StoreDir for JetStream persistence (optional)
	StoreDir string
	// EnableJetStream enables JetStream for persistent messaging
	EnableJetStream bool
	PortManager     *PortManager
}

// DefaultEventBusConfig returns default configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Host:        "127.0.0.1",
		Port:        DefaultNATSPort,
		PortManager: GetPortManager(),
	}
}

// NewEventBus starts an embedded NATS server and connects to it
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNATSPort
	}
	if logger == nil {
		logger = slog.Default()
	}

	pm := cfg.PortManager
	if pm == nil {
		pm = GetPortManager()
	}

	actualPort, err := pm.ReserveOrFind(cfg.Port, "nats")
	if err != nil {
		return nil, fmt.Errorf("failed to allocate NATS port: %w", err)
	}

	if actualPort != cfg.Port {
		logger.Info("NATS port conflict detected, using alternative",
			"preferred", cfg.Port, "actual", actualPort)
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   actualPort,
		NoSigs: true,
		NoLog:  true,
	}

	if cfg.EnableJetStream {
		opts.JetStream = true
		if cfg.StoreDir != "" {
			opts.StoreDir = cfg.StoreDir
		}
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		pm.Release(actualPort, "nats")
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		pm.Release(actualPort, "nats")
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", actualPort)
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		pm.Release(actualPort, "nats")
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		port:   actualPort,
		pm:     pm,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	eb.logger.Info("Event bus started", "url", ns.ClientURL(), "jetstream", cfg.EnableJetStream)

	return eb, nil
}

// ClientURL returns the NATS client URL
func (eb *EventBus) ClientURL() string {
	return eb.server.ClientURL()
}

// Publish marshals data as JSON and publishes it on subject
func (eb *EventBus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// PublishEvent publishes e on its own subject
func (eb *EventBus) PublishEvent(e Event) error {
	return eb.Publish(e.Subject, e)
}

// Emit builds and publishes an event, logging instead of returning failures
func (eb *EventBus) Emit(subject, cameraID string, data map[string]any) {
	if err := eb.PublishEvent(NewEvent(subject, cameraID, data)); err != nil {
		eb.logger.Warn("Failed to publish event", "subject", subject, "camera", cameraID, "error", err)
	}
}

// Subscribe subscribes to a subject; wildcards like "stream.>" are allowed
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return sub, nil
}

// SubscribeEvents delivers decoded events matching subject
func (eb *EventBus) SubscribeEvents(subject string, handler func(Event)) (*nats.Subscription, error) {
	return eb.Subscribe(subject, func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			eb.logger.Error("Failed to unmarshal event", "subject", msg.Subject, "error", err)
			return
		}
		handler(e)
	})
}

// SubscribeAllEvents delivers every bridge event to handler
func (eb *EventBus) SubscribeAllEvents(handler func(Event)) error {
	for _, subject := range EventSubjects {
		if _, err := eb.SubscribeEvents(subject, handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
	}
	return nil
}

// Flush waits until published messages reached the server
func (eb *EventBus) Flush() error {
	return eb.conn.Flush()
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	if subs, ok := eb.subs[subject]; ok {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
		delete(eb.subs, subject)
	}
}

// Stop drains the connection and shuts down the server. Safe to call twice.
func (eb *EventBus) Stop() {
	eb.stopOnce.Do(func() {
		_ = eb.conn.Drain()
		eb.server.Shutdown()
		eb.pm.Release(eb.port, "nats")
		eb.logger.Info("Event bus stopped")
	})
}

// HealthCheck verifies the connection to the embedded server
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := eb.conn.RequestWithContext(ctx, "_health", []byte("ping"))
	if err == nats.ErrNoResponders {
		return nil
	}
	return err
}
