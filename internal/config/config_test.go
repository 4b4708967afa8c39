package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if cfg.Scheduler.Due != "@every 1m" {
		t.Fatalf("unexpected due spec %q", cfg.Scheduler.Due)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stepflow.yaml")
	content := `
storage:
  driver: sqlite
  dsn: file:stepflow.db
records:
  driver: sqlite
queue:
  driver: redis
lease:
  driver: redis
  ttl: 30s
redis:
  address: redis:6379
scheduler:
  discovery: "0 * * * *"
  workers: 4
tracking:
  enabled: true
  base_url: https://mail.example.com
  secret: 0123456789abcdef
mail:
  templates: /etc/stepflow/templates.yaml
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("loaded config should be valid: %v", err)
	}

	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "file:stepflow.db" {
		t.Fatalf("unexpected storage %+v", cfg.Storage)
	}
	if cfg.Lease.TTL != 30*time.Second {
		t.Fatalf("expected lease ttl 30s, got %v", cfg.Lease.TTL)
	}
	if cfg.Redis.Address != "redis:6379" || cfg.Redis.Prefix != "stepflow:" {
		t.Fatalf("unexpected redis %+v", cfg.Redis)
	}
	if cfg.Scheduler.Discovery != "0 * * * *" || cfg.Scheduler.Workers != 4 {
		t.Fatalf("unexpected scheduler %+v", cfg.Scheduler)
	}
	if cfg.Mail.Templates != "/etc/stepflow/templates.yaml" || cfg.Mail.RecipientField != "email" {
		t.Fatalf("unexpected mail %+v", cfg.Mail)
	}
	// Unset keys keep their defaults.
	if cfg.Scheduler.Expiry != "@every 1m" || cfg.Tracking.Listen != ":8080" {
		t.Fatalf("defaults lost: %+v %+v", cfg.Scheduler, cfg.Tracking)
	}
	level, err := ParseLevel(cfg.Log.Level)
	if err != nil || level != slog.LevelDebug {
		t.Fatalf("ParseLevel: %v, %v", level, err)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("storage: [1, 2"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFromFile(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown storage", func(c *Config) { c.Storage.Driver = "oracle" }, "storage.driver"},
		{"sqlite without dsn", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.dsn"},
		{"sqlite records without db", func(c *Config) { c.Records.Driver = "sqlite" }, "records.dsn"},
		{"sql queue on memory", func(c *Config) { c.Queue.Driver = "sql" }, "queue.driver sql"},
		{"sql history on memory", func(c *Config) { c.History.Driver = "sql" }, "history.driver sql"},
		{"zero ttl", func(c *Config) { c.Lease.TTL = 0 }, "lease.ttl"},
		{"redis without address", func(c *Config) { c.Lease.Driver = "redis"; c.Redis.Address = "" }, "redis.address"},
		{"mongo without uri", func(c *Config) { c.History.Driver = "mongo"; c.Mongo.URI = "" }, "mongo.uri"},
		{"no workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"short secret", func(c *Config) { c.Tracking.Enabled = true; c.Tracking.Secret = "x" }, "tracking.secret"},
		{"inbound without url", func(c *Config) { c.Inbound.Enabled = true; c.Inbound.URL = "" }, "inbound.url"},
		{"relative metrics path", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Path = "metrics" }, "metrics.path"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}
