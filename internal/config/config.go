// Package config loads and validates the zapgate configuration from
// $ZAPGATE_HOME/config.yaml with environment variable overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RateLimitConfig controls the per-caller token bucket on API routes.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// CORSConfig controls cross-origin headers on the HTTP API.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// TelegramConfig enables operator alerts (logged-out, QR re-scan) over Telegram.
type TelegramConfig struct {
	Enabled bool    `yaml:"enabled"`
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

// OTelConfig mirrors the otel package configuration.
type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken protects operational endpoints (/metrics, /ws). Empty
	// disables them; the messaging routes themselves are open, matching the
	// original deployment behind a reverse proxy.
	AuthToken string `yaml:"auth_token"`

	// StorePath is the sqlite database holding session credentials.
	// Relative paths resolve under HomeDir.
	StorePath string `yaml:"store_path"`

	// MessageTemplate is the fixed text sent by /enviar-mensagem. The literal
	// {name} is replaced with the recipient name from the request.
	MessageTemplate string `yaml:"message_template"`

	// ReconnectDelaySeconds is the fixed wait after a transient close before
	// the next connection attempt. No exponential backoff.
	ReconnectDelaySeconds int `yaml:"reconnect_delay_seconds"`

	// ConnectErrorDelaySeconds is the longer fixed wait after the connect
	// call itself fails (network unreachable before a session exists).
	ConnectErrorDelaySeconds int `yaml:"connect_error_delay_seconds"`

	// SnapshotCron is a 5-field cron expression for the periodic connection
	// status snapshot. Empty disables the job.
	SnapshotCron string `yaml:"snapshot_cron"`

	// WAVersionPin optionally pins the protocol version announced on connect
	// ("major.minor.patch"). Empty uses the library default.
	WAVersionPin string `yaml:"wa_version_pin"`

	// AllowOrigins controls accepted Origin headers for browser WS connections.
	// Empty list means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// MaxRequestBytes caps request body size. 0 uses the default (1 MiB).
	MaxRequestBytes int64 `yaml:"max_request_bytes"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	OTel      OTelConfig      `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:                 "127.0.0.1:3000",
		LogLevel:                 "info",
		StorePath:                "session.db",
		MessageTemplate:          "Olá {name}! Esta é uma mensagem automática enviada pelo sistema.",
		ReconnectDelaySeconds:    5,
		ConnectErrorDelaySeconds: 15,
		SnapshotCron:             "*/15 * * * *",
		MaxRequestBytes:          1 << 20,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
		},
	}
}

// HomeDir returns the zapgate data directory: $ZAPGATE_HOME or ~/.zapgate.
func HomeDir() string {
	if override := os.Getenv("ZAPGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".zapgate")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create zapgate home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ZAPGATE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("ZAPGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ZAPGATE_TOKEN"); v != "" {
		cfg.AuthToken = v
	}
	if v := os.Getenv("ZAPGATE_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if raw := os.Getenv("ZAPGATE_RECONNECT_DELAY_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.ReconnectDelaySeconds = v
		}
	}
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = "127.0.0.1:3000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.StorePath) == "" {
		cfg.StorePath = "session.db"
	}
	if !filepath.IsAbs(cfg.StorePath) {
		cfg.StorePath = filepath.Join(cfg.HomeDir, cfg.StorePath)
	}
	if strings.TrimSpace(cfg.MessageTemplate) == "" {
		cfg.MessageTemplate = defaultConfig().MessageTemplate
	}
	if cfg.ReconnectDelaySeconds <= 0 {
		cfg.ReconnectDelaySeconds = 5
	}
	if cfg.ConnectErrorDelaySeconds <= 0 {
		cfg.ConnectErrorDelaySeconds = 15
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
}

// ReconnectDelay is the fixed retry interval after a transient close.
func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySeconds) * time.Second
}

// ConnectErrorDelay is the fixed retry interval after a failed connect call.
func (c Config) ConnectErrorDelay() time.Duration {
	return time.Duration(c.ConnectErrorDelaySeconds) * time.Second
}

// RenderMessage expands the {name} placeholder in the configured template.
func (c Config) RenderMessage(name string) string {
	return strings.ReplaceAll(c.MessageTemplate, "{name}", name)
}

// Fingerprint returns a stable hash of the active config, exposed on the
// metrics endpoint so operators can tell which config a process runs.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|store=%s|reconnect=%d|connerr=%d|origins=%v|tpl=%s",
		c.BindAddr, c.LogLevel, c.StorePath,
		c.ReconnectDelaySeconds, c.ConnectErrorDelaySeconds, c.AllowOrigins, c.MessageTemplate)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
