// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Limits  LimitsConfig  `mapstructure:"limits"`
	Workers WorkersConfig `mapstructure:"workers"`
	Storage StorageConfig `mapstructure:"storage"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// TrustProxyHeader enables X-Forwarded-For identity resolution; set it
	// only when the service sits behind a trusted proxy.
	TrustProxyHeader bool `mapstructure:"trust_proxy_header"`
	TimeoutSeconds   int  `mapstructure:"timeout_seconds"`
}

// EngineConfig configures the external content-understanding engine client.
type EngineConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIKey         string  `mapstructure:"api_key"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	MaxRPS         float64 `mapstructure:"max_rps"`
	Burst          int     `mapstructure:"burst"`
}

// FetchConfig governs source page capture.
type FetchConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// CacheConfig controls the extraction result cache.
type CacheConfig struct {
	TTLDays       int  `mapstructure:"ttl_days"`
	FailOpenReads bool `mapstructure:"fail_open_reads"`
}

// LimitsConfig holds the admission-control policies.
type LimitsConfig struct {
	ExtractionPerUserHour int `mapstructure:"extraction_per_user_hour"`
	VideoPerUserHour      int `mapstructure:"video_per_user_hour"`
	APIPerIdentityMinute  int `mapstructure:"api_per_identity_minute"`
	AnonymousPerIPMinute  int `mapstructure:"anonymous_per_ip_minute"`
	// FailOpen admits requests when the counter store is unreachable.
	FailOpen bool `mapstructure:"fail_open"`
}

// WorkersConfig sizes the per-kind worker pools and queues.
type WorkersConfig struct {
	Concurrency      int `mapstructure:"concurrency"`
	VideoConcurrency int `mapstructure:"video_concurrency"`
	QueueDepth       int `mapstructure:"queue_depth"`
}

// StorageConfig selects and configures the upload blob store.
type StorageConfig struct {
	// Provider is one of "memory", "local", "gcs".
	Provider  string `mapstructure:"provider"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to Postgres; an empty DSN selects the in-memory
// stores for local development.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// PubSubConfig holds metadata for terminal job event publication.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// WebhookConfig configures inbound webhook verification.
type WebhookConfig struct {
	Secret string `mapstructure:"secret"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RECIPE")
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
	v.SetDefault("server.trust_proxy_header", false)
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("engine.timeout_seconds", 120)
	v.SetDefault("engine.max_rps", 10)
	v.SetDefault("engine.burst", 5)
	v.SetDefault("fetch.user_agent", "recipe-extractor/1.0")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("cache.ttl_days", 30)
	v.SetDefault("cache.fail_open_reads", true)
	v.SetDefault("limits.extraction_per_user_hour", 30)
	v.SetDefault("limits.video_per_user_hour", 5)
	v.SetDefault("limits.api_per_identity_minute", 120)
	v.SetDefault("limits.anonymous_per_ip_minute", 30)
	v.SetDefault("limits.fail_open", true)
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("workers.video_concurrency", 1)
	v.SetDefault("workers.queue_depth", 64)
	v.SetDefault("storage.provider", "memory")
	v.SetDefault("storage.prefix", "uploads")
	v.SetDefault("db.max_open_conns", 8)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.BaseURL == "" {
		return fmt.Errorf("engine.base_url is required")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	if c.Workers.VideoConcurrency <= 0 {
		return fmt.Errorf("workers.video_concurrency must be > 0")
	}
	if c.Cache.TTLDays <= 0 {
		return fmt.Errorf("cache.ttl_days must be > 0")
	}
	switch c.Storage.Provider {
	case "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider must be one of memory, local, gcs")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when a topic is configured")
	}
	return nil
}

// CacheTTL converts the configured day count to a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLDays) * 24 * time.Hour
}

// EngineTimeout returns the engine call budget.
func (c Config) EngineTimeout() time.Duration {
	return time.Duration(c.Engine.TimeoutSeconds) * time.Second
}

// FetchTimeout returns the source capture budget.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// ServerTimeout returns the per-request HTTP budget.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
