// Package config loads signalwatch's runtime configuration via viper,
// binding environment variables under the SIGNALWATCH_ prefix.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// QueueBackend selects which substrate backs the job abstraction.
type QueueBackend string

const (
	QueueBackendInDB    QueueBackend = "in-db"
	QueueBackendKVStore QueueBackend = "kv-store"
)

// Config holds all configuration for the signalwatch core pipeline.
type Config struct {
	QueueBackend QueueBackend `mapstructure:"queue_backend"`

	DBURL string `mapstructure:"db_url"`
	KVURL string `mapstructure:"kv_url"`

	WorkerConcurrency            int           `mapstructure:"worker_concurrency"`
	PollInterval                 time.Duration `mapstructure:"poll_interval"`
	ListenerMaxReconnectAttempts int           `mapstructure:"listener_max_reconnect_attempts"`

	DBPoolSize int `mapstructure:"db_pool_size"`

	// LogChannel is the Postgres NOTIFY channel name used for the
	// publisher/listener pair. Defaults to "logs_new" per the wire spec.
	LogChannel string `mapstructure:"log_channel"`

	// NotificationMaxPayloadBytes and NotificationChunkThresholdBytes are
	// loaded from configuration but not read by the publisher, which
	// splits a batch's ids with its own fixed 7900-byte threshold and
	// 40-bytes-per-id estimate.
	NotificationMaxPayloadBytes   int `mapstructure:"notification_max_payload_bytes"`
	NotificationChunkThresholdBytes int `mapstructure:"notification_chunk_threshold_bytes"`

	LogLevel string `mapstructure:"log_level"`
}

// Validate checks cross-field invariants that struct tags alone can't
// express (e.g. KVURL is only required when the kv-store backend is
// selected).
func (c *Config) Validate() error {
	if c.DBURL == "" {
		return fmt.Errorf("db_url is required")
	}
	switch c.QueueBackend {
	case QueueBackendInDB:
	case QueueBackendKVStore:
		if c.KVURL == "" {
			return fmt.Errorf("kv_url is required when queue_backend=kv-store")
		}
	default:
		return fmt.Errorf("queue_backend must be %q or %q, got %q", QueueBackendInDB, QueueBackendKVStore, c.QueueBackend)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue_backend", string(QueueBackendInDB))
	v.SetDefault("worker_concurrency", 5)
	v.SetDefault("poll_interval", 1*time.Second)
	v.SetDefault("listener_max_reconnect_attempts", 10)
	v.SetDefault("db_pool_size", 10)
	v.SetDefault("log_channel", "logs_new")
	v.SetDefault("notification_max_payload_bytes", 8*1024)
	v.SetDefault("notification_chunk_threshold_bytes", 7900)
	v.SetDefault("log_level", "info")
}

// Load reads configuration from environment variables (prefix
// SIGNALWATCH_, e.g. SIGNALWATCH_DB_URL) and returns a validated Config.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("signalwatch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"queue_backend", "db_url", "kv_url", "worker_concurrency",
		"poll_interval", "listener_max_reconnect_attempts", "db_pool_size",
		"log_channel", "notification_max_payload_bytes",
		"notification_chunk_threshold_bytes", "log_level",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.QueueBackend = QueueBackend(strings.ToLower(string(cfg.QueueBackend)))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
