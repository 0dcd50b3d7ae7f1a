// ABOUTME: Configuration loading and parsing for hearth-gateway
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete hearth-gateway configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Auth         AuthConfig         `yaml:"auth" toml:"auth"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Booking      BookingConfig      `yaml:"booking" toml:"booking"`
	Assistant    AssistantConfig    `yaml:"assistant" toml:"assistant"`
	Mail         MailConfig         `yaml:"mail" toml:"mail"`
	Matrix       MatrixConfig       `yaml:"matrix" toml:"matrix"`
	Redis        RedisConfig        `yaml:"redis" toml:"redis"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit" toml:"rate_limit"`
	Uploads      UploadsConfig      `yaml:"uploads" toml:"uploads"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`

	// Origins allowed to open live websocket connections. Empty allows any.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public Funnel, implies HTTPS
}

// DatabaseConfig selects the storage driver.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite (default) or mysql
	Path   string `yaml:"path" toml:"path"`     // sqlite file path
	DSN    string `yaml:"dsn" toml:"dsn"`       // mysql DSN
}

// AuthConfig holds session and operator token configuration
type AuthConfig struct {
	SessionSecret  string        `yaml:"session_secret" toml:"session_secret"`
	OperatorSecret string        `yaml:"operator_secret" toml:"operator_secret"`
	SessionTTL     time.Duration `yaml:"-" toml:"-"`
	OperatorTTL    time.Duration `yaml:"-" toml:"-"`

	SessionTTLRaw  string `yaml:"session_ttl" toml:"session_ttl"`
	OperatorTTLRaw string `yaml:"operator_ttl" toml:"operator_ttl"`
}

// ConversationConfig holds conversation lifecycle timing
type ConversationConfig struct {
	IdleTimeout  time.Duration `yaml:"-" toml:"-"`
	HistoryLimit int           `yaml:"history_limit" toml:"history_limit"`

	IdleTimeoutRaw string `yaml:"idle_timeout" toml:"idle_timeout"`
}

// BookingConfig bounds booking and reservation operations
type BookingConfig struct {
	Timeout          time.Duration `yaml:"-" toml:"-"`
	HoldTTL          time.Duration `yaml:"-" toml:"-"`
	ScheduleCacheTTL time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw          string `yaml:"timeout" toml:"timeout"`
	HoldTTLRaw          string `yaml:"hold_ttl" toml:"hold_ttl"`
	ScheduleCacheTTLRaw string `yaml:"schedule_cache_ttl" toml:"schedule_cache_ttl"`
}

// AssistantConfig points at the reply-generation service
type AssistantConfig struct {
	BaseURL string        `yaml:"base_url" toml:"base_url"`
	APIKey  string        `yaml:"api_key" toml:"api_key"`
	Timeout time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// MailConfig holds queue and SMTP settings. The gateway only publishes;
// hearth-mailer consumes and delivers.
type MailConfig struct {
	AMQPURL      string `yaml:"amqp_url" toml:"amqp_url"`
	Queue        string `yaml:"queue" toml:"queue"`
	From         string `yaml:"from" toml:"from"`
	SMTPAddr     string `yaml:"smtp_addr" toml:"smtp_addr"`
	SMTPUsername string `yaml:"smtp_username" toml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password" toml:"smtp_password"`
}

// MatrixConfig holds the escalation notifier's Matrix account
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled" toml:"enabled"`
	Homeserver  string `yaml:"homeserver" toml:"homeserver"`
	UserID      string `yaml:"user_id" toml:"user_id"`
	AccessToken string `yaml:"access_token" toml:"access_token"`
	DefaultRoom string `yaml:"default_room" toml:"default_room"`
}

// RedisConfig enables cross-instance fanout and rate limiting
type RedisConfig struct {
	Addr          string `yaml:"addr" toml:"addr"`
	Password      string `yaml:"password" toml:"password"`
	DB            int    `yaml:"db" toml:"db"`
	TLS           bool   `yaml:"tls" toml:"tls"`
	ChannelPrefix string `yaml:"channel_prefix" toml:"channel_prefix"`
}

// RateLimitConfig configures the token bucket on customer endpoints
type RateLimitConfig struct {
	Enabled        bool          `yaml:"enabled" toml:"enabled"`
	Capacity       int           `yaml:"capacity" toml:"capacity"`
	RefillTokens   int           `yaml:"refill_tokens" toml:"refill_tokens"`
	RefillInterval time.Duration `yaml:"-" toml:"-"`
	Prefix         string        `yaml:"prefix" toml:"prefix"`

	RefillIntervalRaw string `yaml:"refill_interval" toml:"refill_interval"`
}

// UploadsConfig holds S3 media storage settings
type UploadsConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled"`
	Bucket    string        `yaml:"bucket" toml:"bucket"`
	Region    string        `yaml:"region" toml:"region"`
	Endpoint  string        `yaml:"endpoint" toml:"endpoint"`
	AccessKey string        `yaml:"access_key" toml:"access_key"`
	SecretKey string        `yaml:"secret_key" toml:"secret_key"`
	PathStyle bool          `yaml:"path_style" toml:"path_style"`
	MaxBytes  int64         `yaml:"max_bytes" toml:"max_bytes"`
	URLTTL    time.Duration `yaml:"-" toml:"-"`

	URLTTLRaw string `yaml:"url_ttl" toml:"url_ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults applied when the corresponding value is absent.
const (
	DefaultSessionTTL       = 30 * 24 * time.Hour
	DefaultOperatorTTL      = 90 * 24 * time.Hour
	DefaultIdleTimeout      = 24 * time.Hour
	DefaultHistoryLimit     = 50
	DefaultBookingTimeout   = 5 * time.Second
	DefaultHoldTTL          = 15 * time.Minute
	DefaultScheduleCacheTTL = time.Minute
	DefaultAssistantTimeout = 20 * time.Second
	DefaultMailQueue        = "hearth.mail"
	DefaultUploadMaxBytes   = 10 << 20
	DefaultUploadURLTTL     = time.Hour

	minSecretLength = 32
)

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file next to the config is loaded first (existing variables win).
// Environment variables in the format ${VAR_NAME} are expanded.
// Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env")); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads a .env file if present. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = DefaultSessionTTL
	}
	if c.Auth.OperatorTTL == 0 {
		c.Auth.OperatorTTL = DefaultOperatorTTL
	}
	if c.Conversation.IdleTimeout == 0 {
		c.Conversation.IdleTimeout = DefaultIdleTimeout
	}
	if c.Conversation.HistoryLimit <= 0 {
		c.Conversation.HistoryLimit = DefaultHistoryLimit
	}
	if c.Booking.Timeout == 0 {
		c.Booking.Timeout = DefaultBookingTimeout
	}
	if c.Booking.HoldTTL == 0 {
		c.Booking.HoldTTL = DefaultHoldTTL
	}
	if c.Booking.ScheduleCacheTTL == 0 {
		c.Booking.ScheduleCacheTTL = DefaultScheduleCacheTTL
	}
	if c.Assistant.Timeout == 0 {
		c.Assistant.Timeout = DefaultAssistantTimeout
	}
	if c.Mail.Queue == "" {
		c.Mail.Queue = DefaultMailQueue
	}
	if c.Redis.ChannelPrefix == "" {
		c.Redis.ChannelPrefix = "hearth:room:"
	}
	if c.RateLimit.Capacity < 1 {
		c.RateLimit.Capacity = 30
	}
	if c.RateLimit.RefillTokens < 1 {
		c.RateLimit.RefillTokens = 1
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = 2 * time.Second
	}
	if c.RateLimit.Prefix == "" {
		c.RateLimit.Prefix = "rl"
	}
	if c.Uploads.MaxBytes <= 0 {
		c.Uploads.MaxBytes = DefaultUploadMaxBytes
	}
	if c.Uploads.URLTTL == 0 {
		c.Uploads.URLTTL = DefaultUploadURLTTL
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or mysql, got %q", c.Database.Driver)
	}

	if len(c.Auth.SessionSecret) < minSecretLength {
		return fmt.Errorf("auth.session_secret must be at least %d bytes", minSecretLength)
	}
	if c.Auth.OperatorSecret != "" && len(c.Auth.OperatorSecret) < minSecretLength {
		return fmt.Errorf("auth.operator_secret must be at least %d bytes", minSecretLength)
	}

	if c.Assistant.BaseURL == "" {
		return fmt.Errorf("assistant.base_url is required")
	}

	if c.Matrix.Enabled && (c.Matrix.Homeserver == "" || c.Matrix.UserID == "" || c.Matrix.AccessToken == "") {
		return fmt.Errorf("matrix.homeserver, matrix.user_id and matrix.access_token are required when matrix is enabled")
	}

	if c.RateLimit.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("rate_limit requires redis.addr")
	}

	if c.Uploads.Enabled && (c.Uploads.Bucket == "" || c.Uploads.Region == "") {
		return fmt.Errorf("uploads.bucket and uploads.region are required when uploads are enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// OperatorSigningSecret returns the operator token secret, falling back to the
// session secret when no dedicated one is configured.
func (c *Config) OperatorSigningSecret() []byte {
	if c.Auth.OperatorSecret != "" {
		return []byte(c.Auth.OperatorSecret)
	}
	return []byte(c.Auth.SessionSecret)
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"auth.operator_ttl", cfg.Auth.OperatorTTLRaw, &cfg.Auth.OperatorTTL},
		{"conversation.idle_timeout", cfg.Conversation.IdleTimeoutRaw, &cfg.Conversation.IdleTimeout},
		{"booking.timeout", cfg.Booking.TimeoutRaw, &cfg.Booking.Timeout},
		{"booking.hold_ttl", cfg.Booking.HoldTTLRaw, &cfg.Booking.HoldTTL},
		{"booking.schedule_cache_ttl", cfg.Booking.ScheduleCacheTTLRaw, &cfg.Booking.ScheduleCacheTTL},
		{"assistant.timeout", cfg.Assistant.TimeoutRaw, &cfg.Assistant.Timeout},
		{"rate_limit.refill_interval", cfg.RateLimit.RefillIntervalRaw, &cfg.RateLimit.RefillInterval},
		{"uploads.url_ttl", cfg.Uploads.URLTTLRaw, &cfg.Uploads.URLTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
