// Package config loads and validates progressd configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Progress ProgressConfig `mapstructure:"progress"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	DB       DBConfig       `mapstructure:"db"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features. Development also turns
// completion-gate misuse into a panic.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig tunes the coordinator.
type ProgressConfig struct {
	DebounceMs             int `mapstructure:"debounce_ms"`
	InboxSize              int `mapstructure:"inbox_size"`
	SinkTimeoutSeconds     int `mapstructure:"sink_timeout_seconds"`
	StaleAfterSeconds      int `mapstructure:"stale_after_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// Channel kinds.
const (
	ChannelMemory    = "memory"
	ChannelWebsocket = "websocket"
	ChannelPubSub    = "pubsub"
)

// ChannelConfig selects the push channel progress events arrive on.
type ChannelConfig struct {
	Kind      string          `mapstructure:"kind"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
}

// WebsocketConfig configures the websocket channel client.
type WebsocketConfig struct {
	URL          string `mapstructure:"url"`
	MinBackoffMs int    `mapstructure:"min_backoff_ms"`
	MaxBackoffMs int    `mapstructure:"max_backoff_ms"`
}

// PubSubConfig names the subscription progress events are pulled from.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
}

// DBConfig controls run history persistence. An empty DSN keeps history in
// memory.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Archive kinds.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// ArchiveConfig selects where terminal snapshots are archived.
type ArchiveConfig struct {
	Kind    string `mapstructure:"kind"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESSD")
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
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("progress.debounce_ms", 150)
	v.SetDefault("progress.inbox_size", 1024)
	v.SetDefault("progress.sink_timeout_seconds", 10)
	v.SetDefault("progress.stale_after_seconds", 120)
	v.SetDefault("progress.shutdown_timeout_seconds", 15)
	v.SetDefault("channel.kind", ChannelMemory)
	v.SetDefault("channel.websocket.url", "")
	v.SetDefault("channel.websocket.min_backoff_ms", 500)
	v.SetDefault("channel.websocket.max_backoff_ms", 30000)
	v.SetDefault("channel.pubsub.project_id", "")
	v.SetDefault("channel.pubsub.subscription_id", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "run_history")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("archive.kind", ArchiveNone)
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.prefix", "runs")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Progress.InboxSize <= 0 {
		return fmt.Errorf("progress.inbox_size must be > 0")
	}
	if c.Progress.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("progress.shutdown_timeout_seconds must be > 0")
	}
	switch c.Channel.Kind {
	case ChannelMemory:
	case ChannelWebsocket:
		if c.Channel.Websocket.URL == "" {
			return fmt.Errorf("channel.websocket.url must be set for the websocket channel")
		}
	case ChannelPubSub:
		if c.Channel.PubSub.ProjectID == "" || c.Channel.PubSub.SubscriptionID == "" {
			return fmt.Errorf("channel.pubsub.project_id and subscription_id must be set for the pubsub channel")
		}
	default:
		return fmt.Errorf("channel.kind %q is not one of memory, websocket, pubsub", c.Channel.Kind)
	}
	switch c.Archive.Kind {
	case ArchiveNone, "":
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.kind %q is not one of none, local, gcs", c.Archive.Kind)
	}
	return nil
}

// DebounceWindow converts progress.debounce_ms. Zero disables coalescing.
func (c Config) DebounceWindow() time.Duration {
	if c.Progress.DebounceMs <= 0 {
		return -1
	}
	return time.Duration(c.Progress.DebounceMs) * time.Millisecond
}

// StaleAfter converts progress.stale_after_seconds.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Progress.StaleAfterSeconds) * time.Second
}

// SinkTimeout converts progress.sink_timeout_seconds.
func (c Config) SinkTimeout() time.Duration {
	return time.Duration(c.Progress.SinkTimeoutSeconds) * time.Second
}

// ShutdownTimeout converts progress.shutdown_timeout_seconds.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Progress.ShutdownTimeoutSeconds) * time.Second
}

// WebsocketBackoff returns the min and max redial delays.
func (c Config) WebsocketBackoff() (time.Duration, time.Duration) {
	return time.Duration(c.Channel.Websocket.MinBackoffMs) * time.Millisecond,
		time.Duration(c.Channel.Websocket.MaxBackoffMs) * time.Millisecond
}
