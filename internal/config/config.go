// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Source    SourceConfig    `mapstructure:"source"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Pacing    PacingConfig    `mapstructure:"pacing"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots"`
	Events    EventsConfig    `mapstructure:"events"`
}

// ServerConfig controls the protocol surface.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	Transport      string        `mapstructure:"transport"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// SourceConfig locates the registry website.
type SourceConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	SearchPath  string `mapstructure:"search_path"`
	SearchParam string `mapstructure:"search_param"`
	ID          string `mapstructure:"id"`
}

// BrowserConfig configures the driver and session pool.
type BrowserConfig struct {
	Engine          string        `mapstructure:"engine"`
	Headless        bool          `mapstructure:"headless"`
	ExecPath        string        `mapstructure:"exec_path"`
	ControlURL      string        `mapstructure:"control_url"`
	MaxSessions     int           `mapstructure:"max_sessions"`
	MaxAge          time.Duration `mapstructure:"max_age"`
	RestartCooldown time.Duration `mapstructure:"restart_cooldown"`
	NavTimeout      time.Duration `mapstructure:"nav_timeout"`
}

// RateLimitConfig sizes the token bucket. RefillTokens are added evenly over each
// RefillInterval.
type RateLimitConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	RefillTokens   float64       `mapstructure:"refill_tokens"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// RetryConfig controls the orchestrator retry wrapper.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Jitter       bool          `mapstructure:"jitter"`
}

// PacingConfig bounds the random pause between navigation steps.
type PacingConfig struct {
	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`
}

// FetchConfig tunes the navigation state machine.
type FetchConfig struct {
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
	PageTimeout   time.Duration `mapstructure:"page_timeout"`
	BoardScan     string        `mapstructure:"board_scan"`
}

// CacheConfig selects and tunes the cache store.
type CacheConfig struct {
	Driver            string        `mapstructure:"driver"`
	SQLitePath        string        `mapstructure:"sqlite_path"`
	DSN               string        `mapstructure:"dsn"`
	MaxConns          int32         `mapstructure:"max_conns"`
	MaxConnLifetime   time.Duration `mapstructure:"max_conn_lifetime"`
	StaleAfterDays    float64       `mapstructure:"stale_after_days"`
	ServeStaleOnError bool          `mapstructure:"serve_stale_on_error"`
}

// SnapshotsConfig selects where raw detail pages are archived.
type SnapshotsConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig selects where refresh events are published.
type EventsConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.transport", "http")
	v.SetDefault("server.request_timeout", 5*time.Minute)
	v.SetDefault("server.shutdown_grace", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.service_name", "registry-fetcher")
	v.SetDefault("tracing.sample_ratio", 0.1)
	v.SetDefault("source.base_url", "https://registry.example.se")
	v.SetDefault("source.search_path", "/search")
	v.SetDefault("source.search_param", "q")
	v.SetDefault("source.id", "registry")
	v.SetDefault("browser.engine", "chromedp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_sessions", 3)
	v.SetDefault("browser.max_age", 10*time.Minute)
	v.SetDefault("browser.restart_cooldown", 2*time.Second)
	v.SetDefault("browser.nav_timeout", 45*time.Second)
	v.SetDefault("ratelimit.capacity", 10)
	v.SetDefault("ratelimit.refill_tokens", 10)
	v.SetDefault("ratelimit.refill_interval", time.Minute)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", 2*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", 30*time.Second)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("pacing.min_delay", 800*time.Millisecond)
	v.SetDefault("pacing.max_delay", 2500*time.Millisecond)
	v.SetDefault("fetch.search_timeout", 15*time.Second)
	v.SetDefault("fetch.page_timeout", 20*time.Second)
	v.SetDefault("fetch.board_scan", "first")
	v.SetDefault("cache.driver", "sqlite")
	v.SetDefault("cache.sqlite_path", "data/registry-cache.db")
	v.SetDefault("cache.stale_after_days", 7)
	v.SetDefault("cache.serve_stale_on_error", false)
	v.SetDefault("snapshots.backend", "none")
	v.SetDefault("snapshots.prefix", "snapshots")
	v.SetDefault("events.backend", "none")
	v.SetDefault("events.topic", "registry-refresh")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if !oneOf(c.Server.Transport, "http", "stdio") {
		return fmt.Errorf("server.transport must be http or stdio, got %q", c.Server.Transport)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if u, err := url.Parse(c.Source.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("source.base_url must be an absolute URL")
	}
	if !oneOf(c.Browser.Engine, "chromedp", "rod") {
		return fmt.Errorf("browser.engine must be chromedp or rod, got %q", c.Browser.Engine)
	}
	if c.Browser.MaxSessions <= 0 {
		return fmt.Errorf("browser.max_sessions must be > 0")
	}
	if c.Browser.MaxAge <= 0 {
		return fmt.Errorf("browser.max_age must be > 0")
	}
	if c.RateLimit.Capacity <= 0 {
		return fmt.Errorf("ratelimit.capacity must be > 0")
	}
	if c.RateLimit.RefillTokens <= 0 || c.RateLimit.RefillInterval <= 0 {
		return fmt.Errorf("ratelimit.refill_tokens and ratelimit.refill_interval must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Retry.InitialDelay <= 0 || c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry.initial_delay must be > 0 and <= retry.max_delay")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Pacing.MinDelay < 0 || c.Pacing.MaxDelay < c.Pacing.MinDelay {
		return fmt.Errorf("pacing.min_delay must be >= 0 and <= pacing.max_delay")
	}
	if !oneOf(c.Fetch.BoardScan, "first", "all") {
		return fmt.Errorf("fetch.board_scan must be first or all, got %q", c.Fetch.BoardScan)
	}
	switch c.Cache.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.Cache.DSN == "" {
			return fmt.Errorf("cache.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("cache.driver must be sqlite, postgres or memory, got %q", c.Cache.Driver)
	}
	if c.Cache.StaleAfterDays <= 0 {
		return fmt.Errorf("cache.stale_after_days must be > 0")
	}
	switch c.Snapshots.Backend {
	case "none", "memory":
	case "local":
		if c.Snapshots.BaseDir == "" {
			return fmt.Errorf("snapshots.base_dir is required for the local backend")
		}
	case "gcs":
		if c.Snapshots.GCSBucket == "" {
			return fmt.Errorf("snapshots.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("snapshots.backend must be none, memory, local or gcs, got %q", c.Snapshots.Backend)
	}
	switch c.Events.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Events.ProjectID == "" || c.Events.Topic == "" {
			return fmt.Errorf("events.project_id and events.topic are required for the pubsub backend")
		}
	default:
		return fmt.Errorf("events.backend must be none, memory or pubsub, got %q", c.Events.Backend)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
