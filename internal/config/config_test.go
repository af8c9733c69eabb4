package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/refcas/pkg/bytesize"
	"github.com/tunnelmesh/refcas/testutil"
)

func TestLoad(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
log_level: debug
loki:
  url: http://loki:3100
  labels:
    env: test
storage:
  backend: LevelDB
  data_dir: /srv/refcas
  sync: true
cas:
  fingerprint: blake3
  verify_reads: false
  max_object_size: 1Gi
server:
  listen: "127.0.0.1:9000"
  metrics: false
  jwt_secret: "0123456789abcdef0123456789abcdef"
  read_timeout: 5s
`
	configPath := testutil.TempFile(t, dir, "refcas.yaml", content)

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, BackendLevelDB, cfg.Storage.Backend)
	assert.Equal(t, "/srv/refcas", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.Sync)
	assert.True(t, cfg.Storage.ProcessLock, "unset keys keep defaults")
	assert.Equal(t, "blake3", cfg.CAS.Fingerprint)
	assert.False(t, cfg.CAS.VerifyReads)
	assert.Equal(t, bytesize.Size(bytesize.GB), cfg.CAS.MaxObjectSize)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Listen)
	assert.False(t, cfg.Server.Metrics)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "http://loki:3100", cfg.Loki.URL)
	assert.Equal(t, map[string]string{"env": "test"}, cfg.Loki.Labels)
	assert.Equal(t, 100, cfg.Loki.BatchSize)
}

func TestLoad_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "refcas.yaml", "log_level: warn\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, BackendFS, cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(home, ".refcas"), cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.ProcessLock)
	assert.Equal(t, "sha256", cfg.CAS.Fingerprint)
	assert.True(t, cfg.CAS.VerifyReads)
	assert.Equal(t, bytesize.Size(64*bytesize.MB), cfg.CAS.MaxObjectSize)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.True(t, cfg.Server.Metrics)
	assert.Empty(t, cfg.Server.JWTSecret)
	assert.False(t, cfg.Server.Trace)
	assert.False(t, cfg.Server.Audit)
	assert.Empty(t, cfg.Loki.URL)
	assert.Equal(t, 5*time.Second, cfg.Loki.FlushInterval)
}

func TestLoad_EmptyStringsFallBack(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
log_level: ""
storage:
  backend: ""
cas:
  fingerprint: ""
server:
  listen: ""
`
	cfg, err := Load(testutil.TempFile(t, dir, "refcas.yaml", content))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, BackendFS, cfg.Storage.Backend)
	assert.Equal(t, "sha256", cfg.CAS.Fingerprint)
	assert.Equal(t, ":8080", cfg.Server.Listen)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/refcas.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "refcas.yaml", "storage: [invalid yaml\n")
	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoadOrDefault(t *testing.T) {
	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(cfg.Storage.DataDir, "~/"))
	assert.NoError(t, cfg.Validate())
}

func TestExample(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg, err := Load(testutil.TempFile(t, dir, "refcas.yaml", Example))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	def, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, def, cfg, "the example documents the defaults")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "memory needs no data dir", mutate: func(c *Config) {
			c.Storage.Backend = BackendMemory
			c.Storage.DataDir = ""
		}},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "log_level"},
		{name: "bad backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: "storage.backend"},
		{name: "fs needs data dir", mutate: func(c *Config) { c.Storage.DataDir = "" }, wantErr: "data_dir"},
		{name: "bad fingerprint", mutate: func(c *Config) { c.CAS.Fingerprint = "md5" }, wantErr: "cas.fingerprint"},
		{name: "short secret", mutate: func(c *Config) { c.Server.JWTSecret = "short" }, wantErr: "jwt_secret"},
		{name: "negative timeout", mutate: func(c *Config) { c.Server.ReadTimeout = -time.Second }, wantErr: "timeouts"},
		{name: "loki https", mutate: func(c *Config) { c.Loki.URL = "https://logs.example.com" }},
		{name: "loki bad scheme", mutate: func(c *Config) { c.Loki.URL = "ftp://loki:3100" }, wantErr: "loki.url"},
		{name: "loki no host", mutate: func(c *Config) { c.Loki.URL = "loki" }, wantErr: "loki.url"},
		{name: "loki negative batch", mutate: func(c *Config) { c.Loki.BatchSize = -1 }, wantErr: "batch_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data"), ExpandHome("~/data"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
	assert.Equal(t, "rel/~/x", ExpandHome("rel/~/x"))
}
