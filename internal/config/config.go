// Package config handles configuration loading and validation for refcas.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/refcas/internal/fingerprint"
	"github.com/tunnelmesh/refcas/pkg/bytesize"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendFS      = "fs"
	BackendLevelDB = "leveldb"
	BackendMemory  = "memory"
)

// MinJWTSecretLength is the shortest accepted HS256 secret.
const MinJWTSecretLength = 32

// Config is the top-level refcas configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Loki     LokiConfig    `yaml:"loki"`
	Storage  StorageConfig `yaml:"storage"`
	CAS      CASConfig     `yaml:"cas"`
	Server   ServerConfig  `yaml:"server"`
}

// LokiConfig ships logs to Grafana Loki when URL is set.
type LokiConfig struct {
	URL           string            `yaml:"url"`            // e.g. "http://loki:3100"
	Labels        map[string]string `yaml:"labels"`         // Extra stream labels
	BatchSize     int               `yaml:"batch_size"`     // Lines per push
	FlushInterval time.Duration     `yaml:"flush_interval"` // Max delay before a push
}

// StorageConfig selects and tunes the attribute store backend.
type StorageConfig struct {
	Backend     string `yaml:"backend"`      // fs, leveldb or memory
	DataDir     string `yaml:"data_dir"`     // Root directory for fs and leveldb
	ProcessLock bool   `yaml:"process_lock"` // fs only: flock per object so several processes can share data_dir
	Sync        bool   `yaml:"sync"`         // fsync every write
}

// CASConfig tunes the object service.
type CASConfig struct {
	Fingerprint   string        `yaml:"fingerprint"`     // Algorithm for content-addressed puts
	VerifyReads   bool          `yaml:"verify_reads"`    // Re-hash payloads on GET
	MaxObjectSize bytesize.Size `yaml:"max_object_size"` // 0 = unlimited
}

// ServerConfig holds configuration for the HTTP API.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	Metrics         bool          `yaml:"metrics"`          // Serve /metrics
	Trace           bool          `yaml:"trace"`            // Record a runtime trace, served on /debug/trace
	Audit           bool          `yaml:"audit"`            // Log auth attempts and object mutations
	JWTSecret       string        `yaml:"jwt_secret"`       // Require bearer tokens on /v1 when set
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // e.g. "30s"
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // e.g. "30s"
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Grace period on SIGTERM
}

// Default returns the configuration used when no file is given and the base
// that config files are applied on top of.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Loki: LokiConfig{
			BatchSize:     100,
			FlushInterval: 5 * time.Second,
		},
		Storage: StorageConfig{
			Backend:     BackendFS,
			DataDir:     "~/.refcas",
			ProcessLock: true,
		},
		CAS: CASConfig{
			Fingerprint:   string(fingerprint.Default),
			VerifyReads:   true,
			MaxObjectSize: bytesize.Size(64 * bytesize.MB),
		},
		Server: ServerConfig{
			Listen:          ":8080",
			Metrics:         true,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load loads configuration from a YAML file. Keys missing from the file keep
// their Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadOrDefault loads path, or returns Default when path is empty.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		cfg.applyDefaults()
		return cfg, nil
	}
	return Load(path)
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendFS
	}
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	if c.CAS.Fingerprint == "" {
		c.CAS.Fingerprint = string(fingerprint.Default)
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	// Expand home directory in data dir
	c.Storage.DataDir = ExpandHome(c.Storage.DataDir)
}

// ExpandHome replaces a leading "~/" with the user's home directory.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	if c.Loki.URL != "" {
		u, err := url.Parse(c.Loki.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("loki.url must be an http(s) URL, got %q", c.Loki.URL)
		}
	}
	if c.Loki.BatchSize < 0 || c.Loki.FlushInterval < 0 {
		return fmt.Errorf("loki batch_size and flush_interval must not be negative")
	}
	switch c.Storage.Backend {
	case BackendFS, BackendLevelDB:
		if c.Storage.DataDir == "" {
			return fmt.Errorf("storage.data_dir is required for the %s backend", c.Storage.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be one of %s, %s, %s", BackendFS, BackendLevelDB, BackendMemory)
	}
	if _, err := fingerprint.Lookup(c.CAS.Fingerprint); err != nil {
		return fmt.Errorf("invalid cas.fingerprint: %w", err)
	}
	if c.CAS.MaxObjectSize < 0 {
		return fmt.Errorf("cas.max_object_size must not be negative")
	}
	if c.Server.JWTSecret != "" && len(c.Server.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("server.jwt_secret must be at least %d bytes", MinJWTSecretLength)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return fmt.Errorf("server timeouts must not be negative")
	}
	return nil
}

// Example is written by "refcas init".
const Example = `# refcas configuration
log_level: info

# Ship logs to Grafana Loki (disabled while url is empty).
loki:
  url: ""
  batch_size: 100
  flush_interval: 5s

storage:
  # fs, leveldb or memory
  backend: fs
  data_dir: ~/.refcas
  # Lock objects with flock(2) so several processes can share data_dir.
  process_lock: true
  sync: false

cas:
  # sha256, blake3 or blake2b-256
  fingerprint: sha256
  verify_reads: true
  max_object_size: 64MB

server:
  listen: ":8080"
  metrics: true
  # Keep a rolling runtime trace for "go tool trace" at /debug/trace.
  trace: false
  # Log authentication attempts and PUT/UP/DOWN calls as audit events.
  audit: false
  # Set to require "Authorization: Bearer <token>" on /v1 (see "refcas token").
  jwt_secret: ""
  read_timeout: 30s
  write_timeout: 30s
  shutdown_timeout: 10s
`
