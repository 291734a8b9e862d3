// Package api provides the HTTP API in front of the camera registry
package api

import (
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/Spatial-NVR/camerabridge/internal/camera"
	"github.com/Spatial-NVR/camerabridge/internal/core"
	"github.com/Spatial-NVR/camerabridge/internal/database"
	"github.com/Spatial-NVR/camerabridge/internal/events"
	"github.com/Spatial-NVR/camerabridge/internal/logging"
)

// Version is reported by the health endpoint
var Version = "0.1.0"

// Options wires the router to its collaborators. Only Registry is required.
type Options struct {
	Registry       *camera.Registry
	DB             *database.DB
	EventBus       *core.EventBus
	Hub            *Hub
	Journal        *events.Service
	Logs           *logging.RingBuffer
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// Server holds the handler dependencies
type Server struct {
	registry *camera.Registry
	db       *database.DB
	bus      *core.EventBus
	hub      *Hub
	journal  *events.Service
	logs     *logging.RingBuffer
	logger   *slog.Logger
}

// NewRouter builds the chi router. Streaming routes are exempt from the
// request timeout.
func NewRouter(opts Options) *chi.Mux {
	s := &Server{
		registry: opts.Registry,
		db:       opts.DB,
		bus:      opts.EventBus,
		hub:      opts.Hub,
		journal:  opts.Journal,
		logs:     opts.Logs,
		logger:   slog.Default().With("component", "api"),
	}
	if s.logs == nil {
		s.logs = logging.GetLogBuffer()
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived responses
		r.Get("/logs/stream", s.handleLogStream)
		r.Get("/cameras/{id}/mjpeg", s.handleMjpeg)
		if s.hub != nil {
			r.Get("/events/ws", s.hub.HandleWebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))

			r.Get("/health", s.handleHealth)
			r.Get("/logs", s.handleLogs)

			r.Get("/cameras", s.handleListCameras)
			r.Post("/cameras", s.handleRegisterCamera)
			r.Get("/cameras/{id}", s.handleGetCamera)
			r.Delete("/cameras/{id}", s.handleUnregisterCamera)
			r.Get("/cameras/{id}/snapshot", s.handleSnapshot)
			r.Get("/cameras/{id}/stream", s.handleStreamStatus)
			r.Post("/cameras/{id}/stream/start", s.handleStartStream)
			r.Post("/cameras/{id}/stream/stop", s.handleStopStream)

			if s.journal != nil {
				r.Get("/events", s.handleListEvents)
				r.Get("/events/stats", s.handleEventStats)
				r.Get("/events/{eventID}", s.handleGetEvent)
				r.Post("/events/{eventID}/ack", s.handleAcknowledgeEvent)
			}
		})
	})

	return r
}
