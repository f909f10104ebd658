// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/yearscan/internal/crawler"
)

// Storage backends accepted by storage.backend.
const (
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server           ServerConfig                         `mapstructure:"server"`
	Auth             AuthConfig                           `mapstructure:"auth"`
	Crawler          CrawlerConfig                        `mapstructure:"crawler"`
	HTTP             HTTPConfig                           `mapstructure:"http"`
	RateLimit        RateLimitConfig                      `mapstructure:"rate_limit"`
	Headless         HeadlessConfig                       `mapstructure:"headless"`
	Listing          ListingConfig                        `mapstructure:"listing"`
	Storage          StorageConfig                        `mapstructure:"storage"`
	Database         DatabaseConfig                       `mapstructure:"database"`
	PubSub           PubSubConfig                         `mapstructure:"pubsub"`
	Progress         ProgressConfig                       `mapstructure:"progress"`
	Logging          LoggingConfig                        `mapstructure:"logging"`
	Tracing          TracingConfig                        `mapstructure:"tracing"`
	StandardSessions map[string]crawler.SessionParameters `mapstructure:"standard_sessions"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs the worker pool and per-session defaults.
type CrawlerConfig struct {
	Concurrency  int    `mapstructure:"concurrency"`
	QueueDepth   int    `mapstructure:"queue_depth"`
	UserAgent    string `mapstructure:"user_agent"`
	IgnoreRobots bool   `mapstructure:"ignore_robots"`
	// Defaults fill knobs a submitted session leaves unset.
	MaxFetchesDefault           int `mapstructure:"max_fetches_default"`
	StartPageDefault            int `mapstructure:"start_page_default"`
	MaxEmptyCollectPagesDefault int `mapstructure:"max_empty_collect_pages_default"`
}

// HTTPConfig configures the page fetch timeout and retries.
type HTTPConfig struct {
	TimeoutSeconds   int               `mapstructure:"timeout_seconds"`
	MaxRetries       int               `mapstructure:"max_retries"`
	BackoffInitialMs int               `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int               `mapstructure:"backoff_max_ms"`
	Headers          map[string]string `mapstructure:"headers"`
}

// RateLimitConfig sets per-host request rates.
type RateLimitConfig struct {
	DefaultRPS   float64    `mapstructure:"default_rps"`
	DefaultBurst int        `mapstructure:"default_burst"`
	PerHost      []HostRate `mapstructure:"per_host"`
}

// HostRate overrides the default rate for one hostname. Hosts are listed
// rather than keyed because Viper splits map keys on dots.
type HostRate struct {
	Host string  `mapstructure:"host"`
	RPS  float64 `mapstructure:"rps"`
}

// HostRates returns rate_limit.per_host keyed by lowercase hostname.
func (r RateLimitConfig) HostRates() map[string]float64 {
	if len(r.PerHost) == 0 {
		return nil
	}
	out := make(map[string]float64, len(r.PerHost))
	for _, hr := range r.PerHost {
		out[strings.ToLower(strings.TrimSpace(hr.Host))] = hr.RPS
	}
	return out
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	MaxParallel     int    `mapstructure:"max_parallel"`
	NavTimeoutSec   int    `mapstructure:"nav_timeout_seconds"`
	PromotionThresh int    `mapstructure:"promotion_threshold"`
	WaitSelector    string `mapstructure:"wait_selector"`
}

// ListingConfig selects item cards on listing pages.
type ListingConfig struct {
	CardSelector   string   `mapstructure:"card_selector"`
	LinkSelectors  []string `mapstructure:"link_selectors"`
	ArticlePattern string   `mapstructure:"article_pattern"`
}

// StorageConfig selects where session reports are written.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// DatabaseConfig controls the Postgres item and progress stores. An empty DSN
// disables both.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	ItemsTable             string `mapstructure:"items_table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds the Pub/Sub project and topics. An empty project keeps
// events in memory.
type PubSubConfig struct {
	ProjectID     string `mapstructure:"project_id"`
	SessionsTopic string `mapstructure:"sessions_topic"`
	ItemsTopic    string `mapstructure:"items_topic"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogSink        bool `mapstructure:"log_sink"`
	PrometheusSink bool `mapstructure:"prometheus_sink"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("YEARSCAN")
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
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("crawler.concurrency", 4)
	v.SetDefault("crawler.queue_depth", 64)
	v.SetDefault("crawler.user_agent", "yearscan-bot/0.1")
	v.SetDefault("crawler.ignore_robots", false)
	v.SetDefault("crawler.max_fetches_default", crawler.DefaultMaxFetches)
	v.SetDefault("crawler.start_page_default", crawler.DefaultStartPage)
	v.SetDefault("crawler.max_empty_collect_pages_default", crawler.DefaultMaxEmptyCollectPages)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 2000)
	v.SetDefault("rate_limit.default_rps", 2.0)
	v.SetDefault("rate_limit.default_burst", 1)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.promotion_threshold", 1500)
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("storage.local_dir", "./data")
	v.SetDefault("database.items_table", "items")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.sessions_topic", "yearscan-sessions")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_sink", true)
	v.SetDefault("progress.prometheus_sink", true)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "yearscan")
	v.SetDefault("tracing.sample_ratio", 0.1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.QueueDepth < 0 {
		return fmt.Errorf("crawler.queue_depth must be >= 0")
	}
	if c.Crawler.MaxEmptyCollectPagesDefault < 0 {
		return fmt.Errorf("crawler.max_empty_collect_pages_default must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("rate_limit.default_rps must be >= 0")
	}
	for i, hr := range c.RateLimit.PerHost {
		if strings.TrimSpace(hr.Host) == "" {
			return fmt.Errorf("rate_limit.per_host[%d].host is required", i)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if strings.TrimSpace(c.Storage.GCSBucket) == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	for name, params := range c.StandardSessions {
		if err := c.ApplySessionDefaults(params).Validate(); err != nil {
			return fmt.Errorf("standard_sessions.%s: %w", name, err)
		}
	}
	return nil
}

// ApplySessionDefaults fills the knobs params leaves unset from the crawler
// section. A zero max_empty_collect_pages is taken as unset here; pass a
// negative value to disable the empty-streak stop.
func (c Config) ApplySessionDefaults(params crawler.SessionParameters) crawler.SessionParameters {
	if params.MaxFetches == 0 {
		params.MaxFetches = c.Crawler.MaxFetchesDefault
	}
	if params.StartPage == 0 {
		params.StartPage = c.Crawler.StartPageDefault
	}
	if params.MaxEmptyCollectPages == 0 {
		params.MaxEmptyCollectPages = c.Crawler.MaxEmptyCollectPagesDefault
	}
	return params
}

// FetchTimeout is the per-page HTTP timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RequestHeaders converts http.headers to an http.Header.
func (c Config) RequestHeaders() http.Header {
	if len(c.HTTP.Headers) == 0 {
		return nil
	}
	h := make(http.Header, len(c.HTTP.Headers))
	for k, v := range c.HTTP.Headers {
		h.Set(k, v)
	}
	return h
}
