// Package config provides configuration management for CamWatch
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

// Config represents the main CamWatch configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Stream   StreamConfig   `yaml:"stream"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Events   EventsConfig   `yaml:"events"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Logging  LoggingConfig  `yaml:"logging"`

	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Address        string   `yaml:"address"`
	Port           int      `yaml:"port"`
	DataPath       string   `yaml:"data_path"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Type string `yaml:"type"` // sqlite or postgres
	Path string `yaml:"path,omitempty"`
	DSN  string `yaml:"dsn,omitempty"`
}

// MonitorConfig holds liveness sweep settings
type MonitorConfig struct {
	Interval           Duration `yaml:"interval"`
	ProbeTimeout       Duration `yaml:"probe_timeout"`
	InteractiveTimeout Duration `yaml:"interactive_timeout"`
	Concurrency        int      `yaml:"concurrency"`
}

// StreamConfig holds transcoder session settings
type StreamConfig struct {
	FFmpegPath     string   `yaml:"ffmpeg_path"`
	OutputDir      string   `yaml:"output_dir"`
	SegmentSeconds int      `yaml:"segment_seconds"`
	ListSize       int      `yaml:"list_size"`
	StartTimeout   Duration `yaml:"start_timeout"`
	IdleTimeout    Duration `yaml:"idle_timeout"`
	ReapInterval   Duration `yaml:"reap_interval"`
}

// RealtimeConfig holds WebSocket fan-out settings
type RealtimeConfig struct {
	PingInterval   Duration `yaml:"ping_interval"`
	MaxMissedPings int      `yaml:"max_missed_pings"`
	WriteTimeout   Duration `yaml:"write_timeout"`
	SendBuffer     int      `yaml:"send_buffer"`
}

// EventsConfig holds the embedded event bus settings
type EventsConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"` // -1 picks a random free port
}

// MQTTConfig holds the optional MQTT republish settings
type MQTTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Broker    string `yaml:"broker,omitempty"`
	ClientID  string `yaml:"client_id,omitempty"`
	Username  string `yaml:"username,omitempty"`
	Password  string `yaml:"password,omitempty"`
	BaseTopic string `yaml:"base_topic,omitempty"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	BufferSize int    `yaml:"buffer_size"`
}

// Duration is a time.Duration that reads and writes as a string ("30s")
type Duration time.Duration

// Std returns the value as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	cfg := &Config{encKey: getEncryptionKey()}
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		cfg.path = path
		return cfg, nil
	}
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

// Validate checks the configuration for values the services cannot run with
func (c *Config) Validate() error {
	var problems []string

	if c.Monitor.Interval <= 0 {
		problems = append(problems, "monitor.interval must be positive")
	}
	if c.Monitor.ProbeTimeout <= 0 || c.Monitor.InteractiveTimeout <= 0 {
		problems = append(problems, "monitor probe timeouts must be positive")
	}
	if c.Stream.ListSize < 1 {
		problems = append(problems, "stream.list_size must be at least 1")
	}
	if c.Stream.SegmentSeconds < 1 {
		problems = append(problems, "stream.segment_seconds must be at least 1")
	}
	if c.Realtime.PingInterval <= 0 {
		problems = append(problems, "realtime.ping_interval must be positive")
	}
	switch c.Database.Type {
	case "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("unknown database.type %q", c.Database.Type))
	}
	if c.Database.Type == "postgres" && c.Database.DSN == "" {
		problems = append(problems, "database.dsn is required for postgres")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Save saves the configuration to its YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfgCopy := &Config{
		Server:   c.Server,
		Database: c.Database,
		Monitor:  c.Monitor,
		Stream:   c.Stream,
		Realtime: c.Realtime,
		Events:   c.Events,
		MQTT:     c.MQTT,
		Logging:  c.Logging,
		encKey:   c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# CamWatch Configuration\n\n"
	data = append([]byte(header), data...)

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching the configuration file for changes.
// The returned function stops the watcher.
func (c *Config) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Editors replace files on save; watch the directory and filter by name.
	if err := watcher.Add(filepath.Dir(c.GetPath())); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer watcher.Close()

		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(c.GetPath()) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	c.Server = newCfg.Server
	c.Database = newCfg.Database
	c.Monitor = newCfg.Monitor
	c.Stream = newCfg.Stream
	c.Realtime = newCfg.Realtime
	c.Events = newCfg.Events
	c.MQTT = newCfg.MQTT
	c.Logging = newCfg.Logging
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded", "path", c.GetPath())

	for _, fn := range watchers {
		fn(c)
	}
}

// MonitorSettings returns a snapshot of the monitor section
func (c *Config) MonitorSettings() MonitorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Monitor
}

// SetPath sets the path for the config file
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

func (c *Config) setDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.DataPath == "" {
		c.Server.DataPath = "/data"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}

	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.Type == "sqlite" && c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.Server.DataPath, "camwatch.db")
	}

	if c.Monitor.Interval == 0 {
		c.Monitor.Interval = Duration(30 * time.Second)
	}
	if c.Monitor.ProbeTimeout == 0 {
		c.Monitor.ProbeTimeout = Duration(5 * time.Second)
	}
	if c.Monitor.InteractiveTimeout == 0 {
		c.Monitor.InteractiveTimeout = Duration(3 * time.Second)
	}
	if c.Monitor.Concurrency == 0 {
		c.Monitor.Concurrency = 32
	}

	if c.Stream.FFmpegPath == "" {
		c.Stream.FFmpegPath = "ffmpeg"
	}
	if c.Stream.OutputDir == "" {
		c.Stream.OutputDir = filepath.Join(c.Server.DataPath, "streams")
	}
	if c.Stream.SegmentSeconds == 0 {
		c.Stream.SegmentSeconds = 2
	}
	if c.Stream.ListSize == 0 {
		c.Stream.ListSize = 3
	}
	if c.Stream.StartTimeout == 0 {
		c.Stream.StartTimeout = Duration(20 * time.Second)
	}
	if c.Stream.IdleTimeout == 0 {
		c.Stream.IdleTimeout = Duration(60 * time.Second)
	}
	if c.Stream.ReapInterval == 0 {
		c.Stream.ReapInterval = Duration(15 * time.Second)
	}

	if c.Realtime.PingInterval == 0 {
		c.Realtime.PingInterval = Duration(30 * time.Second)
	}
	if c.Realtime.MaxMissedPings == 0 {
		c.Realtime.MaxMissedPings = 2
	}
	if c.Realtime.WriteTimeout == 0 {
		c.Realtime.WriteTimeout = Duration(10 * time.Second)
	}
	if c.Realtime.SendBuffer == 0 {
		c.Realtime.SendBuffer = 256
	}

	if c.Events.Host == "" {
		c.Events.Host = "127.0.0.1"
	}
	if c.Events.Port == 0 {
		c.Events.Port = -1
	}

	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "camwatch"
	}
	if c.MQTT.BaseTopic == "" {
		c.MQTT.BaseTopic = "camwatch/cameras"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.BufferSize == 0 {
		c.Logging.BufferSize = 1000
	}
}

func (c *Config) encryptSecrets() error {
	if c.MQTT.Password != "" && !strings.HasPrefix(c.MQTT.Password, "encrypted:") {
		encrypted, err := encrypt(c.encKey, c.MQTT.Password)
		if err != nil {
			return err
		}
		c.MQTT.Password = "encrypted:" + encrypted
	}
	return nil
}

func (c *Config) decryptSecrets() error {
	if strings.HasPrefix(c.MQTT.Password, "encrypted:") {
		decrypted, err := decrypt(c.encKey, strings.TrimPrefix(c.MQTT.Password, "encrypted:"))
		if err != nil {
			return err
		}
		c.MQTT.Password = decrypted
	}
	return nil
}

// getEncryptionKey returns the encryption key from the environment or the built-in default
func getEncryptionKey() []byte {
	keyStr := os.Getenv("CAMWATCH_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("camwatch-default-key-change-me!!")
}

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
