package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/signoff/internal/model"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, DriverYAML, cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(dir, "audit", "decisions.jsonl"), cfg.Audit.Path)
	assert.Equal(t, int64(100*1024*1024), cfg.Audit.MaxBytes)
	assert.Equal(t, 900, cfg.Attachments.URLTTLSec)
	assert.Equal(t, 300, cfg.Attachments.CacheTTLSec)
	assert.Equal(t, 1024, cfg.Attachments.CacheMaxEntries)
	assert.Equal(t, "127.0.0.1:8765", cfg.Server.HTTP.Listen)
	assert.Equal(t, "/mcp", cfg.Server.HTTP.Path)
	assert.Equal(t, 60, cfg.Server.RatePerMinute)
	assert.Equal(t, 10, cfg.Server.ShutdownTimeoutSec)
	assert.Equal(t, 20, cfg.Limits.MaxApprovers)
	assert.Equal(t, 10000, cfg.Limits.MaxCommentBytes)
	assert.Equal(t, 20, cfg.Limits.MaxAttachments)
	assert.False(t, cfg.Policy.ForbidSelfApproval)
}

func TestLoad_FileValues(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
store:
  driver: sqlite
  sqlite:
    wal: true
logging:
  level: debug
identity:
  directory_path: users.yaml
  require_known_approvers: true
policy:
  forbid_self_approval: true
audit:
  checksum: true
limits:
  max_approvers: 3
`)
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, filepath.Join(dir, "signoff.db"), cfg.Store.DSN)
	assert.True(t, cfg.Store.SQLite.WAL)
	assert.Equal(t, 5000, cfg.Store.SQLite.BusyTimeoutMs)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(dir, "users.yaml"), cfg.Identity.DirectoryPath)
	assert.True(t, cfg.Identity.RequireKnownApprovers)
	assert.True(t, cfg.Policy.ForbidSelfApproval)
	assert.True(t, cfg.Audit.Checksum)
	assert.Equal(t, 3, cfg.Limits.MaxApprovers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "logging:\n  level: debug\nstore:\n  driver: yaml\n")
	t.Setenv("SIGNOFF_LOG_LEVEL", "error")
	t.Setenv("SIGNOFF_STORE_DRIVER", "sqlite")
	t.Setenv("SIGNOFF_STORE_DSN", "/tmp/elsewhere.db")
	t.Setenv("SIGNOFF_HTTP_LISTEN", "0.0.0.0:9000")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "/tmp/elsewhere.db", cfg.Store.DSN)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.HTTP.Listen)
}

func TestLoad_ParseError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "store: [unclosed\n")
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestValidate(t *testing.T) {
	base := func() model.Config {
		var cfg model.Config
		ApplyDefaults(&cfg, "/data")
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*model.Config)
		want   string
	}{
		{"unknown driver", func(c *model.Config) { c.Store.Driver = "postgres" }, "store.driver"},
		{"unknown level", func(c *model.Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"relative base url", func(c *model.Config) {
			c.Attachments.BaseURL = "files/"
			c.Attachments.SigningKey = "k"
		}, "attachments.base_url"},
		{"base url without key", func(c *model.Config) { c.Attachments.BaseURL = "https://files.example.com" }, "attachments.signing_key"},
		{"cache outlives url", func(c *model.Config) { c.Attachments.CacheTTLSec = c.Attachments.URLTTLSec }, "attachments.cache_ttl_sec"},
		{"webhook scheme", func(c *model.Config) { c.Notify.WebhookURL = "ftp://x" }, "notify.webhook_url"},
		{"http path", func(c *model.Config) { c.Server.HTTP.Path = "mcp" }, "server.http.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	require.NoError(t, Validate(base()))
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("SIGNOFF_DATA_DIR", "/var/lib/signoff")
	e, err := LoadEnvironment()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/signoff", e.DataDir)
}
