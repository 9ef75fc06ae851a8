package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/msageha/signoff/internal/model"
)

const (
	FileName = "config.yaml"

	DriverYAML   = "yaml"
	DriverSQLite = "sqlite"

	DefaultDataDir = ".signoff"
)

// Environment holds settings that only come from the process environment.
type Environment struct {
	// DataDir is the root for config, request documents, logs and the socket.
	DataDir string `env:"SIGNOFF_DATA_DIR" envDefault:".signoff"`
}

// LoadEnvironment parses process-level settings.
func LoadEnvironment() (Environment, error) {
	return env.ParseAs[Environment]()
}

// Load reads <dataDir>/config.yaml (optional), applies SIGNOFF_* environment
// overrides, fills defaults and validates the result.
func Load(dataDir string) (model.Config, error) {
	var cfg model.Config

	path := filepath.Join(dataDir, FileName)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return model.Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return model.Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return model.Config{}, fmt.Errorf("environment overrides: %w", err)
	}

	ApplyDefaults(&cfg, dataDir)
	if err := Validate(cfg); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values and resolves relative paths against dataDir.
func ApplyDefaults(cfg *model.Config, dataDir string) {
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverYAML
	}
	cfg.Store.Driver = strings.ToLower(cfg.Store.Driver)
	if cfg.Store.Driver == DriverSQLite {
		if cfg.Store.DSN == "" {
			cfg.Store.DSN = "signoff.db"
		}
		cfg.Store.DSN = resolve(dataDir, cfg.Store.DSN)
	}
	if cfg.Store.SQLite.BusyTimeoutMs <= 0 {
		cfg.Store.SQLite.BusyTimeoutMs = 5000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Identity.DirectoryPath != "" {
		cfg.Identity.DirectoryPath = resolve(dataDir, cfg.Identity.DirectoryPath)
	}

	if cfg.Attachments.URLTTLSec <= 0 {
		cfg.Attachments.URLTTLSec = 900
	}
	if cfg.Attachments.CacheTTLSec <= 0 {
		cfg.Attachments.CacheTTLSec = 300
	}
	if cfg.Attachments.CacheMaxEntries <= 0 {
		cfg.Attachments.CacheMaxEntries = 1024
	}

	if cfg.Audit.Path == "" {
		cfg.Audit.Path = filepath.Join("audit", "decisions.jsonl")
	}
	cfg.Audit.Path = resolve(dataDir, cfg.Audit.Path)
	if cfg.Audit.MaxBytes <= 0 {
		cfg.Audit.MaxBytes = 100 * 1024 * 1024
	}

	if cfg.Notify.TimeoutSec <= 0 {
		cfg.Notify.TimeoutSec = 5
	}

	if cfg.Server.HTTP.Listen == "" {
		cfg.Server.HTTP.Listen = "127.0.0.1:8765"
	}
	if cfg.Server.HTTP.Path == "" {
		cfg.Server.HTTP.Path = "/mcp"
	}
	if cfg.Server.RatePerMinute <= 0 {
		cfg.Server.RatePerMinute = 60
	}
	if cfg.Server.ShutdownTimeoutSec <= 0 {
		cfg.Server.ShutdownTimeoutSec = 10
	}

	if cfg.Limits.MaxApprovers <= 0 {
		cfg.Limits.MaxApprovers = 20
	}
	if cfg.Limits.MaxCommentBytes <= 0 {
		cfg.Limits.MaxCommentBytes = 10000
	}
	if cfg.Limits.MaxAttachments <= 0 {
		cfg.Limits.MaxAttachments = 20
	}
}

// Validate reports every invalid field at once.
func Validate(cfg model.Config) error {
	var problems []string

	switch cfg.Store.Driver {
	case DriverYAML, DriverSQLite:
	default:
		problems = append(problems, fmt.Sprintf("store.driver: must be %q or %q, got %q", DriverYAML, DriverSQLite, cfg.Store.Driver))
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		problems = append(problems, fmt.Sprintf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if cfg.Attachments.BaseURL != "" {
		u, err := url.Parse(cfg.Attachments.BaseURL)
		if err != nil || !u.IsAbs() {
			problems = append(problems, fmt.Sprintf("attachments.base_url: must be an absolute URL, got %q", cfg.Attachments.BaseURL))
		}
		if cfg.Attachments.SigningKey == "" {
			problems = append(problems, "attachments.signing_key: required when base_url is set")
		}
	}
	if cfg.Attachments.CacheTTLSec >= cfg.Attachments.URLTTLSec {
		problems = append(problems, "attachments.cache_ttl_sec: must be shorter than url_ttl_sec so cached links are never expired")
	}

	if cfg.Notify.WebhookURL != "" {
		u, err := url.Parse(cfg.Notify.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			problems = append(problems, fmt.Sprintf("notify.webhook_url: must be an http(s) URL, got %q", cfg.Notify.WebhookURL))
		}
	}

	if !strings.HasPrefix(cfg.Server.HTTP.Path, "/") {
		problems = append(problems, fmt.Sprintf("server.http.path: must start with '/', got %q", cfg.Server.HTTP.Path))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func resolve(dataDir, p string) string {
	if p == "" || filepath.IsAbs(p) || strings.HasPrefix(p, "file:") || p == ":memory:" {
		return p
	}
	return filepath.Join(dataDir, p)
}
