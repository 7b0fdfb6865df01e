package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  trust_proxy_header: true
engine:
  base_url: https://engine.internal
  api_key: secret
  timeout_seconds: 90
  max_rps: 4
fetch:
  user_agent: recipe-agent
  respect_robots: false
  timeout_seconds: 20
cache:
  ttl_days: 14
limits:
  extraction_per_user_hour: 10
  video_per_user_hour: 2
workers:
  concurrency: 8
  video_concurrency: 2
  queue_depth: 256
storage:
  provider: gcs
  gcs_bucket: recipe-uploads
db:
  dsn: postgres://localhost/recipes
pubsub:
  project_id: plate-fork
  topic_name: jobs.terminal
webhook:
  secret: hush
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || !cfg.Server.TrustProxyHeader {
		t.Fatalf("expected server overrides to apply, got %+v", cfg.Server)
	}
	if cfg.Engine.BaseURL != "https://engine.internal" || cfg.Engine.APIKey != "secret" {
		t.Fatalf("expected engine overrides to apply, got %+v", cfg.Engine)
	}
	if cfg.Limits.ExtractionPerUserHour != 10 || cfg.Limits.VideoPerUserHour != 2 {
		t.Fatalf("expected limit overrides to apply, got %+v", cfg.Limits)
	}
	if cfg.Workers.Concurrency != 8 || cfg.Workers.VideoConcurrency != 2 {
		t.Fatalf("expected worker overrides to apply, got %+v", cfg.Workers)
	}
	if cfg.Storage.Provider != "gcs" || cfg.Storage.GCSBucket != "recipe-uploads" {
		t.Fatalf("expected storage overrides to apply, got %+v", cfg.Storage)
	}
	if got := cfg.CacheTTL(); got != 14*24*time.Hour {
		t.Fatalf("expected cache TTL 14d, got %v", got)
	}
	if got := cfg.EngineTimeout(); got != 90*time.Second {
		t.Fatalf("expected engine timeout 90s, got %v", got)
	}
	// Defaults survive partial overrides.
	if cfg.Limits.APIPerIdentityMinute != 120 {
		t.Fatalf("expected default api limit, got %d", cfg.Limits.APIPerIdentityMinute)
	}
	if !cfg.Limits.FailOpen {
		t.Fatalf("expected fail-open default to hold")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:  ServerConfig{Port: 8080},
		Engine:  EngineConfig{BaseURL: "https://engine.internal"},
		Cache:   CacheConfig{TTLDays: 30},
		Workers: WorkersConfig{Concurrency: 4, VideoConcurrency: 1},
		Storage: StorageConfig{Provider: "memory"},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid port",
			cfg: func() Config {
				c := base
				c.Server.Port = 0
				return c
			}(),
			want: "server.port",
		},
		{
			name: "missing engine url",
			cfg: func() Config {
				c := base
				c.Engine.BaseURL = ""
				return c
			}(),
			want: "engine.base_url",
		},
		{
			name: "invalid concurrency",
			cfg: func() Config {
				c := base
				c.Workers.Concurrency = 0
				return c
			}(),
			want: "workers.concurrency",
		},
		{
			name: "invalid video concurrency",
			cfg: func() Config {
				c := base
				c.Workers.VideoConcurrency = 0
				return c
			}(),
			want: "workers.video_concurrency",
		},
		{
			name: "invalid cache ttl",
			cfg: func() Config {
				c := base
				c.Cache.TTLDays = 0
				return c
			}(),
			want: "cache.ttl_days",
		},
		{
			name: "local storage without dir",
			cfg: func() Config {
				c := base
				c.Storage.Provider = "local"
				return c
			}(),
			want: "storage.local_dir",
		},
		{
			name: "gcs storage without bucket",
			cfg: func() Config {
				c := base
				c.Storage.Provider = "gcs"
				return c
			}(),
			want: "storage.gcs_bucket",
		},
		{
			name: "unknown storage provider",
			cfg: func() Config {
				c := base
				c.Storage.Provider = "s3"
				return c
			}(),
			want: "storage.provider",
		},
		{
			name: "pubsub topic without project",
			cfg: func() Config {
				c := base
				c.PubSub.TopicName = "jobs.terminal"
				return c
			}(),
			want: "pubsub.project_id",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
