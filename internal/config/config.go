// Package config provides configuration management for the camera bridge
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the main bridge configuration
type Config struct {
	Version   string          `yaml:"version"`
	System    SystemConfig    `yaml:"system"`
	Cameras   []CameraConfig  `yaml:"cameras"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Snapshot  SnapshotConfig  `yaml:"snapshot"`
	Transcode TranscodeConfig `yaml:"transcode"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name string `yaml:"name"`
	// Listen is the HTTP API address
	Listen string `yaml:"listen"`
	// PublicHost is the host name put into stream endpoints handed to clients
	PublicHost    string         `yaml:"public_host"`
	DataPath      string         `yaml:"data_path"`
	DefaultCamera string         `yaml:"default_camera"`
	Database      DatabaseConfig `yaml:"database"`
	EventBus      EventBusConfig `yaml:"event_bus"`
	Logging       LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"` // SQLite path, relative to data_path
}

// EventBusConfig holds embedded NATS settings. The bus runs unless
// disabled.
type EventBusConfig struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	// Retention bounds the event journal; a negative value keeps events forever
	Retention time.Duration `yaml:"retention"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// CameraConfig holds configuration for a single camera. It is immutable
// once registered; changes re-register the camera.
type CameraConfig struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	IP       string `yaml:"ip" json:"ip"`
	HTTPPort int    `yaml:"http_port,omitempty" json:"http_port,omitempty"`
	RTSPPort int    `yaml:"rtsp_port,omitempty" json:"rtsp_port,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"` // http or https
	WSPort   int    `yaml:"ws_port" json:"ws_port"`
	FPS      int    `yaml:"fps,omitempty" json:"fps,omitempty"`
	Bitrate  int    `yaml:"bitrate,omitempty" json:"bitrate,omitempty"` // kbit/s
	// StreamURL pins the RTSP source instead of the stream templates
	StreamURL string `yaml:"stream_url,omitempty" json:"stream_url,omitempty"`
}

// DiscoveryConfig holds endpoint discovery settings. Template lists are
// probed in order.
type DiscoveryConfig struct {
	SnapshotTemplates []string      `yaml:"snapshot_templates,omitempty"`
	MjpegTemplates    []string      `yaml:"mjpeg_templates,omitempty"`
	StreamTemplates   []string      `yaml:"stream_templates,omitempty"`
	ProbeTimeout      time.Duration `yaml:"probe_timeout"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	FailureThreshold  int           `yaml:"failure_threshold"`
}

// SnapshotConfig holds snapshot cache settings
type SnapshotConfig struct {
	Interval         time.Duration `yaml:"interval"`
	DegradedInterval time.Duration `yaml:"degraded_interval"`
	Staleness        time.Duration `yaml:"staleness"`
	FailureThreshold int           `yaml:"failure_threshold"`
	LogEvery         int           `yaml:"log_every"`
}

// TranscodeConfig holds transcoder process settings
type TranscodeConfig struct {
	Binary string `yaml:"binary"`
	// HWAccel is none, auto, or an ffmpeg -hwaccel method such as cuda
	HWAccel            string        `yaml:"hwaccel,omitempty"`
	BindHost           string        `yaml:"bind_host,omitempty"`
	RestartDelay       time.Duration `yaml:"restart_delay"`
	StopGrace          time.Duration `yaml:"stop_grace"`
	PortReleaseTimeout time.Duration `yaml:"port_release_timeout"`
	PortPollInterval   time.Duration `yaml:"port_poll_interval"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{encKey: getEncryptionKey()}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks camera entries for missing or conflicting fields
func (c *Config) Validate() error {
	var errs []error
	ids := make(map[string]bool)
	ports := make(map[int]string)

	for i, cam := range c.Cameras {
		if err := cam.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("cameras[%d]: %w", i, err))
			continue
		}
		if ids[cam.ID] {
			errs = append(errs, fmt.Errorf("cameras[%d]: duplicate id %q", i, cam.ID))
		}
		ids[cam.ID] = true
		if other, ok := ports[cam.WSPort]; ok {
			errs = append(errs, fmt.Errorf("cameras[%d]: ws_port %d already used by %q", i, cam.WSPort, other))
		}
		ports[cam.WSPort] = cam.ID
	}

	if c.System.DefaultCamera != "" && len(c.Cameras) > 0 && !ids[c.System.DefaultCamera] {
		errs = append(errs, fmt.Errorf("system.default_camera %q is not configured", c.System.DefaultCamera))
	}

	return errors.Join(errs...)
}

// Validate checks a single camera
func (cam CameraConfig) Validate() error {
	switch {
	case cam.ID == "":
		return errors.New("id is required")
	case strings.ContainsAny(cam.ID, "/ \t"):
		return fmt.Errorf("id %q must not contain slashes or spaces", cam.ID)
	case cam.IP == "":
		return fmt.Errorf("camera %s: ip is required", cam.ID)
	case cam.WSPort <= 0 || cam.WSPort > 65535:
		return fmt.Errorf("camera %s: ws_port %d out of range", cam.ID, cam.WSPort)
	case cam.Protocol != "" && cam.Protocol != "http" && cam.Protocol != "https":
		return fmt.Errorf("camera %s: unsupported protocol %q", cam.ID, cam.Protocol)
	}
	return nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	cfgCopy := &Config{
		Version:   c.Version,
		System:    c.System,
		Cameras:   append([]CameraConfig(nil), c.Cameras...),
		Discovery: c.Discovery,
		Snapshot:  c.Snapshot,
		Transcode: c.Transcode,
		path:      c.path,
		encKey:    c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Camera Bridge Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	if dir := filepath.Dir(c.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch reloads the configuration whenever the file changes, until stop
// is closed. The directory is watched so atomic renames are seen.
func (c *Config) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	path := c.GetPath()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}
	name := filepath.Clean(path)

	go func() {
		defer watcher.Close()

		var debounce *time.Timer
		for {
			select {
			case <-stop:
				if debounce != nil {
					debounce.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, c.reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return nil
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Cameras = newCfg.Cameras
	c.Discovery = newCfg.Discovery
	c.Snapshot = newCfg.Snapshot
	c.Transcode = newCfg.Transcode
	c.encKey = newCfg.encKey
	watchers := append(([]func(*Config))(nil), c.watchers...)
	c.mu.Unlock()

	slog.Info("Configuration reloaded", "cameras", len(newCfg.Cameras))

	for _, fn := range watchers {
		fn(c)
	}
}

// CamerasSnapshot returns a copy of the camera list
func (c *Config) CamerasSnapshot() []CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]CameraConfig(nil), c.Cameras...)
}

// GetCamera returns a camera by ID
func (c *Config) GetCamera(id string) *CameraConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			cam := c.Cameras[i]
			return &cam
		}
	}
	return nil
}

// UpsertCamera adds or updates a camera
func (c *Config) UpsertCamera(cam CameraConfig) error {
	if err := cam.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == cam.ID {
			c.Cameras[i] = cam
			return c.saveUnlocked()
		}
	}

	c.Cameras = append(c.Cameras, cam)
	return c.saveUnlocked()
}

// RemoveCamera removes a camera by ID
func (c *Config) RemoveCamera(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.Cameras {
		if c.Cameras[i].ID == id {
			c.Cameras = append(c.Cameras[:i], c.Cameras[i+1:]...)
			return c.saveUnlocked()
		}
	}

	return fmt.Errorf("camera not found: %s", id)
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// DatabasePath resolves the SQLite path against the data directory
func (c *Config) DatabasePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if filepath.IsAbs(c.System.Database.Path) {
		return c.System.Database.Path
	}
	return filepath.Join(c.System.DataPath, c.System.Database.Path)
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "camerabridge"
	}
	if c.System.Listen == "" {
		c.System.Listen = ":8080"
	}
	if c.System.PublicHost == "" {
		c.System.PublicHost = "localhost"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "./data"
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = "camerabridge.db"
	}
	if c.System.EventBus.Host == "" {
		c.System.EventBus.Host = "127.0.0.1"
	}
	if c.System.EventBus.Port == 0 {
		c.System.EventBus.Port = 4222
	}
	if c.System.EventBus.Retention == 0 {
		c.System.EventBus.Retention = 7 * 24 * time.Hour
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.System.Logging.Level = lvl
	}
	if c.System.Logging.Format == "" {
		c.System.Logging.Format = "json"
	}
	if c.System.DefaultCamera == "" && len(c.Cameras) > 0 {
		c.System.DefaultCamera = c.Cameras[0].ID
	}

	if c.Discovery.ProbeTimeout <= 0 {
		c.Discovery.ProbeTimeout = 3 * time.Second
	}
	if c.Discovery.FetchTimeout <= 0 {
		c.Discovery.FetchTimeout = 8 * time.Second
	}
	if c.Discovery.FailureThreshold <= 0 {
		c.Discovery.FailureThreshold = 3
	}

	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = 200 * time.Millisecond
	}
	if c.Snapshot.DegradedInterval <= 0 {
		c.Snapshot.DegradedInterval = time.Second
	}
	if c.Snapshot.Staleness <= 0 {
		c.Snapshot.Staleness = 300 * time.Millisecond
	}
	if c.Snapshot.FailureThreshold <= 0 {
		c.Snapshot.FailureThreshold = 5
	}
	if c.Snapshot.LogEvery <= 0 {
		c.Snapshot.LogEvery = 10
	}

	if c.Transcode.Binary == "" {
		c.Transcode.Binary = "ffmpeg"
	}
	if c.Transcode.RestartDelay <= 0 {
		c.Transcode.RestartDelay = 2 * time.Second
	}
	if c.Transcode.StopGrace <= 0 {
		c.Transcode.StopGrace = 3 * time.Second
	}
	if c.Transcode.PortReleaseTimeout <= 0 {
		c.Transcode.PortReleaseTimeout = 4 * time.Second
	}
	if c.Transcode.PortPollInterval <= 0 {
		c.Transcode.PortPollInterval = 200 * time.Millisecond
	}

	for i := range c.Cameras {
		c.Cameras[i].ApplyDefaults()
	}
}

// ApplyDefaults fills unset camera fields
func (cam *CameraConfig) ApplyDefaults() {
	if cam.Protocol == "" {
		cam.Protocol = "http"
	}
	if cam.HTTPPort == 0 {
		if cam.Protocol == "https" {
			cam.HTTPPort = 443
		} else {
			cam.HTTPPort = 80
		}
	}
	if cam.RTSPPort == 0 {
		cam.RTSPPort = 554
	}
	if cam.FPS == 0 {
		cam.FPS = 15
	}
	if cam.Bitrate == 0 {
		cam.Bitrate = 1000
	}
	if cam.Name == "" {
		cam.Name = cam.ID
	}
}

// encryptSecrets encrypts sensitive fields
func (c *Config) encryptSecrets() error {
	for i := range c.Cameras {
		if c.Cameras[i].Password != "" && !strings.HasPrefix(c.Cameras[i].Password, "encrypted:") {
			encrypted, err := encrypt(c.encKey, c.Cameras[i].Password)
			if err != nil {
				return err
			}
			c.Cameras[i].Password = "encrypted:" + encrypted
		}
	}
	return nil
}

// decryptSecrets decrypts sensitive fields
func (c *Config) decryptSecrets() error {
	for i := range c.Cameras {
		if strings.HasPrefix(c.Cameras[i].Password, "encrypted:") {
			encrypted := strings.TrimPrefix(c.Cameras[i].Password, "encrypted:")
			decrypted, err := decrypt(c.encKey, encrypted)
			if err != nil {
				return fmt.Errorf("camera %s: %w", c.Cameras[i].ID, err)
			}
			c.Cameras[i].Password = decrypted
		}
	}
	return nil
}

// SealPassword encrypts a password for storage outside the config file,
// using the same key and "encrypted:" prefix as Save
func SealPassword(plain string) (string, error) {
	if plain == "" || strings.HasPrefix(plain, "encrypted:") {
		return plain, nil
	}
	enc, err := encrypt(getEncryptionKey(), plain)
	if err != nil {
		return "", err
	}
	return "encrypted:" + enc, nil
}

// OpenPassword reverses SealPassword. Unprefixed values are returned as-is.
func OpenPassword(stored string) (string, error) {
	if !strings.HasPrefix(stored, "encrypted:") {
		return stored, nil
	}
	return decrypt(getEncryptionKey(), strings.TrimPrefix(stored, "encrypted:"))
}

// getEncryptionKey returns the encryption key from environment or the
// built-in default
func getEncryptionKey() []byte {
	keyStr := os.Getenv("CAMBRIDGE_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
		slog.Warn("Ignoring CAMBRIDGE_ENCRYPTION_KEY, expected 32 bytes base64")
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("cambridge-default-key-change-it!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
