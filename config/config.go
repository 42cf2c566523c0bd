package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Hubs        []HubConfig       `yaml:"hubs"`
	Retry       RetryConfig       `yaml:"retry"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Database    DatabaseConfig    `yaml:"database"`
	Push        PushConfig        `yaml:"push"`
	WorkerPool  WorkerPoolConfig  `yaml:"worker_pool"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	RequestIPHeader string        `yaml:"request_ip_header"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	// CacheTTLSeconds of 0 keeps the default; a negative value disables caching.
	CacheTTLSeconds int           `yaml:"cache_ttl_seconds"`
	CacheTTL        time.Duration `yaml:"-"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HubConfig describes one Crestron hub.
type HubConfig struct {
	Name                  string        `yaml:"name"`
	Host                  string        `yaml:"host"`
	AuthToken             string        `yaml:"auth_token"`
	ScanIntervalSeconds   int           `yaml:"scan_interval_seconds"`
	ScanInterval          time.Duration `yaml:"-"`
	RequestTimeoutSeconds int           `yaml:"request_timeout_seconds"`
	RequestTimeout        time.Duration `yaml:"-"`
	SessionTTLSeconds     int           `yaml:"session_ttl_seconds"`
	SessionTTL            time.Duration `yaml:"-"`
}

// RetryConfig bounds the retry applied to every hub call.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	DelayMillis int           `yaml:"delay_ms"`
	Delay       time.Duration `yaml:"-"`
}

// CoordinatorConfig tunes the polling loop.
type CoordinatorConfig struct {
	FailureThreshold      int           `yaml:"failure_threshold"`
	RefreshCooldownMillis int           `yaml:"refresh_cooldown_ms"`
	RefreshCooldown       time.Duration `yaml:"-"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are set.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// Defaults.
const (
	DefaultPort             = 8080
	DefaultScanInterval     = 30 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 2 * time.Second
	DefaultFailureThreshold = 3
	DefaultRefreshCooldown  = time.Second
	DefaultCacheTTL         = 2 * time.Second
	DefaultDSN              = "file:shades.db?_foreign_keys=on"
)

// envRef matches ${VAR}. A bare $ is left alone so secrets may contain it.
var envRef = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} references with the variable's value.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := envRef.FindSubmatch(ref)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads the configuration from the given path. Variables from a .env
// file next to the working directory are loaded first and ${VAR} references in
// the YAML are expanded before parsing.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Parse decodes YAML data, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(expandEnv(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port <= 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.RateLimitPerSec > 0 && c.Server.RateLimitBurst <= 0 {
		c.Server.RateLimitBurst = int(c.Server.RateLimitPerSec) + 1
	}
	switch {
	case c.Server.CacheTTLSeconds < 0:
		c.Server.CacheTTL = 0
	case c.Server.CacheTTLSeconds == 0:
		c.Server.CacheTTL = DefaultCacheTTL
	default:
		c.Server.CacheTTL = time.Duration(c.Server.CacheTTLSeconds) * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	for i := range c.Hubs {
		h := &c.Hubs[i]
		h.Name = strings.TrimSpace(h.Name)
		if h.Name == "" {
			h.Name = h.Host
		}
		h.ScanInterval = DefaultScanInterval
		if h.ScanIntervalSeconds > 0 {
			h.ScanInterval = time.Duration(h.ScanIntervalSeconds) * time.Second
		}
		h.RequestTimeout = DefaultRequestTimeout
		if h.RequestTimeoutSeconds > 0 {
			h.RequestTimeout = time.Duration(h.RequestTimeoutSeconds) * time.Second
		}
		if h.SessionTTLSeconds > 0 {
			h.SessionTTL = time.Duration(h.SessionTTLSeconds) * time.Second
		}
	}

	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = DefaultRetryAttempts
	}
	c.Retry.Delay = DefaultRetryDelay
	if c.Retry.DelayMillis > 0 {
		c.Retry.Delay = time.Duration(c.Retry.DelayMillis) * time.Millisecond
	}

	if c.Coordinator.FailureThreshold <= 0 {
		c.Coordinator.FailureThreshold = DefaultFailureThreshold
	}
	c.Coordinator.RefreshCooldown = DefaultRefreshCooldown
	if c.Coordinator.RefreshCooldownMillis > 0 {
		c.Coordinator.RefreshCooldown = time.Duration(c.Coordinator.RefreshCooldownMillis) * time.Millisecond
	}

	if c.Database.DSN == "" {
		c.Database.DSN = DefaultDSN
	}

	if c.Push.TTL <= 0 {
		c.Push.TTL = 3600
	}

	if c.WorkerPool.Size <= 0 {
		slog.Debug("worker_pool.size is not set or invalid; defaulting to 1")
		c.WorkerPool.Size = 1
	}
}

// Validate checks that the hub list is usable.
func (c *Config) Validate() error {
	if len(c.Hubs) == 0 {
		return errors.New("config: at least one hub must be configured")
	}
	seen := make(map[string]bool, len(c.Hubs))
	for i, h := range c.Hubs {
		if h.Host == "" {
			return fmt.Errorf("config: hubs[%d]: host is required", i)
		}
		if h.AuthToken == "" {
			return fmt.Errorf("config: hub %q: auth_token is required", h.Name)
		}
		if seen[h.Name] {
			return fmt.Errorf("config: duplicate hub name %q", h.Name)
		}
		seen[h.Name] = true
	}
	if (c.Push.PublicKey == "") != (c.Push.PrivateKey == "") {
		return errors.New("config: push requires both vapid_public_key and vapid_private_key")
	}
	return nil
}

// Masked returns a copy with secrets replaced, safe to print or log.
func (c *Config) Masked() Config {
	m := *c
	m.Hubs = make([]HubConfig, len(c.Hubs))
	for i, h := range c.Hubs {
		h.AuthToken = maskSecret(h.AuthToken)
		m.Hubs[i] = h
	}
	m.Push.PrivateKey = maskSecret(c.Push.PrivateKey)
	m.Database.DSN = maskDSN(c.Database.DSN)
	return m
}

// YAML renders the masked configuration.
func (c *Config) YAML() ([]byte, error) {
	m := c.Masked()
	return yaml.Marshal(&m)
}

// maskSecret keeps the first and last four characters of long secrets.
func maskSecret(s string) string {
	switch {
	case s == "":
		return ""
	case len(s) <= 8:
		return "****"
	default:
		return s[:4] + "..." + s[len(s)-4:]
	}
}

// maskDSN hides the password of a URL-style DSN.
func maskDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	creds, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPass := strings.Cut(creds, ":")
	if !hasPass {
		return dsn
	}
	return scheme + "://" + user + ":****@" + host
}
