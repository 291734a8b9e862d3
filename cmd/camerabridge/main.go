// Package main runs the camera bridge: the camera registry behind the HTTP
// API, with persisted cameras restored from SQLite and configured cameras
// kept in sync with the config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Spatial-NVR/camerabridge/internal/api"
	"github.com/Spatial-NVR/camerabridge/internal/camera"
	"github.com/Spatial-NVR/camerabridge/internal/config"
	"github.com/Spatial-NVR/camerabridge/internal/core"
	"github.com/Spatial-NVR/camerabridge/internal/database"
	"github.com/Spatial-NVR/camerabridge/internal/events"
	"github.com/Spatial-NVR/camerabridge/internal/logging"
)

const defaultDataPath = "./data"

func main() {
	configFlag := flag.String("config", "", "path to config.yaml (default: $CONFIG_PATH or <data>/config.yaml)")
	listenFlag := flag.String("listen", "", "HTTP listen address, overrides system.listen")
	flag.Parse()

	if err := run(*configFlag, *listenFlag); err != nil {
		slog.Error("Camera bridge failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, listen string) error {
	dataPath := getEnv("DATA_PATH", defaultDataPath)
	if configPath == "" {
		configPath = findConfigFile(dataPath)
	}

	cfg, err := loadConfig(configPath, dataPath)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.System.Listen = listen
	}

	logger := logging.Setup(os.Stdout, logging.ParseLevel(cfg.System.Logging.Level), cfg.System.Logging.Format)
	logger.Info("Starting camera bridge",
		"version", api.Version,
		"config_path", configPath,
		"data_path", cfg.System.DataPath,
		"cameras", len(cfg.Cameras),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(cfg.System.DataPath, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	dbConfig := database.DefaultConfig(cfg.System.DataPath)
	dbConfig.Path = cfg.DatabasePath()
	db, err := database.Open(dbConfig)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Checkpoint(context.Background()); err != nil {
			logger.Warn("WAL checkpoint failed", "error", err)
		}
		db.Close()
	}()

	if err := database.NewMigrator(db).Run(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	hub := api.NewHub()
	defer hub.Close()
	journal := events.NewService(db)

	var (
		bus  *core.EventBus
		sink camera.EventSink
	)
	if !cfg.System.EventBus.Disabled {
		busCfg := core.DefaultEventBusConfig()
		busCfg.Host = cfg.System.EventBus.Host
		busCfg.Port = cfg.System.EventBus.Port
		bus, err = core.NewEventBus(busCfg, logger)
		if err != nil {
			return fmt.Errorf("start event bus: %w", err)
		}
		defer bus.Stop()

		if err := bus.SubscribeAllEvents(hub.Publish); err != nil {
			return fmt.Errorf("subscribe event hub: %w", err)
		}
		if err := bus.SubscribeAllEvents(journal.Handle); err != nil {
			return fmt.Errorf("subscribe event journal: %w", err)
		}
		sink = bus
		go journal.RunRetention(ctx, cfg.System.EventBus.Retention, time.Hour)
	}

	settings := camera.SettingsFrom(cfg)
	settings.Ports = core.GetPortManager()
	registry := camera.NewRegistry(settings, camera.NewSQLStore(db), sink)

	restored, err := registry.Load(ctx)
	if err != nil {
		logger.Warn("Failed to restore persisted cameras", "error", err)
	}
	if err := registry.Sync(ctx, settings, cfg.CamerasSnapshot()); err != nil {
		logger.Warn("Some configured cameras were rejected", "error", err)
	}
	logger.Info("Cameras ready", "restored", restored, "total", len(registry.List()))

	cfg.OnChange(func(c *config.Config) {
		s := camera.SettingsFrom(c)
		s.Ports = settings.Ports
		err := registry.Sync(ctx, s, c.CamerasSnapshot())
		if err != nil {
			logger.Warn("Config reload partially applied", "error", err)
		}
		if sink != nil {
			sink.Emit(core.SubjectConfigChanged, "", map[string]any{
				"cameras": len(c.CamerasSnapshot()),
				"applied": err == nil,
			})
		}
	})

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := cfg.Watch(stopWatch); err != nil {
		logger.Warn("Config watching disabled", "error", err)
	}

	router := api.NewRouter(api.Options{
		Registry: registry,
		DB:       db,
		EventBus: bus,
		Hub:      hub,
		Journal:  journal,
		Logs:     logging.GetLogBuffer(),
	})

	server := &http.Server{
		Addr:              cfg.System.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Shutting down", "signal", sig.String())
	case err := <-serverErr:
		runErr = fmt.Errorf("http server: %w", err)
	}
	if sink != nil {
		sink.Emit(core.SubjectSystemShutdown, "", nil)
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Long-lived MJPEG and log streams end when their request contexts do
	go func() {
		<-shutdownCtx.Done()
		_ = server.Close()
	}()
	hub.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server shutdown error", "error", err)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Registry shutdown error", "error", err)
	}

	logger.Info("Camera bridge stopped")
	return runErr
}

// loadConfig reads path, writing a default config there when it does not
// exist yet
func loadConfig(path, dataPath string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load config: %w", err)
	}

	cfg = config.Default()
	cfg.System.DataPath = dataPath
	cfg.SetPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	if err := cfg.Save(); err != nil {
		return nil, fmt.Errorf("write default config: %w", err)
	}
	slog.Info("Wrote default configuration", "path", path)
	return cfg, nil
}

// findConfigFile returns the first existing config location, or the data
// directory default
func findConfigFile(dataPath string) string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		return configPath
	}

	locations := []string{
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
		"/config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
