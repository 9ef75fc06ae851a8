package model

type Config struct {
	Store       StoreConfig      `yaml:"store"`
	Logging     LoggingConfig    `yaml:"logging"`
	Identity    IdentityConfig   `yaml:"identity"`
	Attachments AttachmentConfig `yaml:"attachments"`
	Policy      PolicyConfig     `yaml:"policy"`
	Audit       AuditConfig      `yaml:"audit"`
	Notify      NotifyConfig     `yaml:"notify"`
	Server      ServerConfig     `yaml:"server"`
	Limits      LimitsConfig     `yaml:"limits"`
}

type StoreConfig struct {
	Driver string       `yaml:"driver" env:"SIGNOFF_STORE_DRIVER"` // "yaml" or "sqlite"
	DSN    string       `yaml:"dsn" env:"SIGNOFF_STORE_DSN"`
	SQLite SQLiteConfig `yaml:"sqlite"`
}

type SQLiteConfig struct {
	WAL           bool `yaml:"wal"`
	BusyTimeoutMs int  `yaml:"busy_timeout_ms"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"SIGNOFF_LOG_LEVEL"`
}

type IdentityConfig struct {
	DirectoryPath         string `yaml:"directory_path" env:"SIGNOFF_IDENTITY_DIRECTORY"`
	RequireKnownApprovers bool   `yaml:"require_known_approvers"`
}

type AttachmentConfig struct {
	BaseURL         string `yaml:"base_url" env:"SIGNOFF_ATTACHMENT_BASE_URL"`
	SigningKey      string `yaml:"signing_key" env:"SIGNOFF_ATTACHMENT_SIGNING_KEY"`
	URLTTLSec       int    `yaml:"url_ttl_sec"`
	CacheTTLSec     int    `yaml:"cache_ttl_sec"`
	CacheMaxEntries int    `yaml:"cache_max_entries"`
}

type PolicyConfig struct {
	// ForbidSelfApproval refuses requests whose requester is also listed as an approver.
	ForbidSelfApproval bool `yaml:"forbid_self_approval"`
}

type AuditConfig struct {
	Path     string `yaml:"path"`
	MaxBytes int64  `yaml:"max_bytes"`
	Checksum bool   `yaml:"checksum"`
}

type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" env:"SIGNOFF_WEBHOOK_URL"`
	Desktop    bool   `yaml:"desktop"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type ServerConfig struct {
	HTTP               HTTPConfig `yaml:"http"`
	RatePerMinute      int        `yaml:"rate_per_minute"`
	ShutdownTimeoutSec int        `yaml:"shutdown_timeout_sec"`
}

type HTTPConfig struct {
	Enabled      bool   `yaml:"enabled" env:"SIGNOFF_HTTP_ENABLED"`
	Listen       string `yaml:"listen" env:"SIGNOFF_HTTP_LISTEN"`
	Path         string `yaml:"path"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
	IdleTimeout  string `yaml:"idle_timeout"`
	// Stateless disables MCP session tracking on the streamable HTTP handler.
	Stateless bool `yaml:"stateless"`
}

type LimitsConfig struct {
	MaxApprovers    int `yaml:"max_approvers"`
	MaxCommentBytes int `yaml:"max_comment_bytes"`
	MaxAttachments  int `yaml:"max_attachments"`
}
