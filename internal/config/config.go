// Package config provides configuration loading for the stepflow service.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Records   RecordsConfig   `yaml:"records"`
	Queue     QueueConfig     `yaml:"queue"`
	Lease     LeaseConfig     `yaml:"lease"`
	History   HistoryConfig   `yaml:"history"`
	Redis     RedisConfig     `yaml:"redis"`
	Mongo     MongoConfig     `yaml:"mongo"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Mail      MailConfig      `yaml:"mail"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Inbound   InboundConfig   `yaml:"inbound"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
}

// StorageConfig selects where configurations, trackers and instances live.
type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RecordsConfig selects the record store the engine reads targets from.
type RecordsConfig struct {
	// Driver is memory or sqlite. A sqlite store with an empty DSN shares
	// the storage database.
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// QueueConfig selects the wake-up queue.
type QueueConfig struct {
	// Driver is memory, sql, redis or mongo. sql reuses the storage database.
	Driver string `yaml:"driver"`
}

// LeaseConfig controls instance leases.
type LeaseConfig struct {
	// Driver is store or redis.
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
}

// HistoryConfig selects where step history events are written.
type HistoryConfig struct {
	// Driver is none, sql or mongo.
	Driver string `yaml:"driver"`
}

// RedisConfig is shared by the redis queue and lease drivers.
type RedisConfig struct {
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
}

// MongoConfig is shared by the mongo queue and history drivers.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// SchedulerConfig holds the cron specs and worker settings.
type SchedulerConfig struct {
	Discovery   string        `yaml:"discovery"`
	Due         string        `yaml:"due"`
	Expiry      string        `yaml:"expiry"`
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

// MailConfig configures message composition.
type MailConfig struct {
	// Templates is a YAML file of stored templates keyed by id. Mail steps
	// that reference a template id fail when it is unset.
	Templates string `yaml:"templates"`
	// RecipientField names the record field holding the address.
	RecipientField string `yaml:"recipient_field"`
}

// TrackingConfig configures the pixel and click endpoints.
type TrackingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	BaseURL string `yaml:"base_url"`
	Secret  string `yaml:"secret"`
}

// InboundConfig configures the NATS feedback subscriber.
type InboundConfig struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Prefix     string `yaml:"prefix"`
	QueueGroup string `yaml:"queue_group"`
}

// MetricsConfig configures the Prometheus endpoint. It is served on the
// tracking listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LogConfig configures the default slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with sensible defaults: everything in
// memory, sweeps every minute, discovery every hour.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{Driver: "memory"},
		Records: RecordsConfig{Driver: "memory"},
		Queue:   QueueConfig{Driver: "memory"},
		Lease:   LeaseConfig{Driver: "store", TTL: 2 * time.Minute},
		History: HistoryConfig{Driver: "none"},
		Redis:   RedisConfig{Address: "localhost:6379", Prefix: "stepflow:"},
		Mongo:   MongoConfig{URI: "mongodb://localhost:27017", Database: "stepflow"},
		Scheduler: SchedulerConfig{
			Discovery:   "@every 1h",
			Due:         "@every 1m",
			Expiry:      "@every 1m",
			Workers:     2,
			MaxAttempts: 3,
			Backoff:     5 * time.Second,
		},
		Mail: MailConfig{RecipientField: "email"},
		Tracking: TrackingConfig{
			Listen:  ":8080",
			BaseURL: "http://localhost:8080",
		},
		Inbound: InboundConfig{
			URL:    "nats://localhost:4222",
			Prefix: "stepflow",
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Log:     LogConfig{Level: "info"},
	}
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, ", "), value)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if err := oneOf("storage.driver", c.Storage.Driver, "memory", "sqlite", "postgres"); err != nil {
		return err
	}
	if c.Storage.Driver != "memory" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
	}
	if err := oneOf("records.driver", c.Records.Driver, "memory", "sqlite"); err != nil {
		return err
	}
	if c.Records.Driver == "sqlite" && c.Records.DSN == "" && c.Storage.Driver != "sqlite" {
		return fmt.Errorf("records.dsn is required unless storage.driver is sqlite")
	}
	if err := oneOf("queue.driver", c.Queue.Driver, "memory", "sql", "redis", "mongo"); err != nil {
		return err
	}
	if c.Queue.Driver == "sql" && c.Storage.Driver == "memory" {
		return fmt.Errorf("queue.driver sql requires a sql storage driver")
	}
	if err := oneOf("lease.driver", c.Lease.Driver, "store", "redis"); err != nil {
		return err
	}
	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be positive")
	}
	if err := oneOf("history.driver", c.History.Driver, "none", "sql", "mongo"); err != nil {
		return err
	}
	if c.History.Driver == "sql" && c.Storage.Driver == "memory" {
		return fmt.Errorf("history.driver sql requires a sql storage driver")
	}
	if (c.Queue.Driver == "redis" || c.Lease.Driver == "redis") && c.Redis.Address == "" {
		return fmt.Errorf("redis.address is required")
	}
	if (c.Queue.Driver == "mongo" || c.History.Driver == "mongo") && c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1")
	}
	if c.Tracking.Enabled {
		if c.Tracking.Listen == "" || c.Tracking.BaseURL == "" {
			return fmt.Errorf("tracking.listen and tracking.base_url are required")
		}
		if len(c.Tracking.Secret) < 16 {
			return fmt.Errorf("tracking.secret must be at least 16 characters")
		}
	}
	if c.Inbound.Enabled && c.Inbound.URL == "" {
		return fmt.Errorf("inbound.url is required")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}
