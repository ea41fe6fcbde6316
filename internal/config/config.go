// Package config holds all configuration types and loading logic for Herald.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a Herald server instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Producers ProducerConfig  `yaml:"producers"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// Backend selects the message store implementation.
type Backend string

const (
	BackendBolt   Backend = "bolt"   // single-node bbolt file (default)
	BackendMemory Backend = "memory" // lost on restart (dev/test only)
	BackendRedis  Backend = "redis"  // shared store for several server nodes
)

// StorageConfig controls where messages are persisted.
type StorageConfig struct {
	Backend Backend `yaml:"backend"`
	// RedisURL is used when Backend == "redis", e.g. redis://localhost:6379/0.
	RedisURL string `yaml:"redis_url"`
	// RedisPrefix namespaces every key the redis store writes.
	RedisPrefix string `yaml:"redis_prefix"`
	// BoltTimeout bounds how long opening the bbolt file waits for its lock.
	BoltTimeout string `yaml:"bolt_timeout"`
}

// DeliveryMode selects the message service variant.
type DeliveryMode string

const (
	ModeLocal DeliveryMode = "local" // operate directly on the store
	ModeActor DeliveryMode = "actor" // route every operation through a keyed actor
)

// DeliveryConfig sets the retry and expiry policy.
type DeliveryConfig struct {
	Mode DeliveryMode `yaml:"mode"`
	// RetryInterval is the fixed period of the retry sweep.
	RetryInterval string `yaml:"retry_interval"`
	// MaxRetryAttempts is the default ceiling applied when a send does not
	// override it.
	MaxRetryAttempts int `yaml:"max_retry_attempts"`
	// MessageTimeout is the default lifetime of an unacknowledged message.
	MessageTimeout string `yaml:"message_timeout"`
	// PushTimeout bounds a single push over the realtime channel.
	PushTimeout string `yaml:"push_timeout"`
	// ActorShards is the number of mailbox goroutines in actor mode.
	ActorShards int `yaml:"actor_shards"`
}

// WebSocketConfig tunes the realtime push channel.
type WebSocketConfig struct {
	WriteTimeout    string `yaml:"write_timeout"`
	PingInterval    string `yaml:"ping_interval"`
	SendBuffer      int    `yaml:"send_buffer"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
}

// ProducerConfig sets the per-client HTTP rate limit.
type ProducerConfig struct {
	// MaxRate is requests per second per client IP.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Backend:     BackendBolt,
			RedisURL:    "redis://localhost:6379/0",
			RedisPrefix: "herald:",
			BoltTimeout: "1s",
		},
		Delivery: DeliveryConfig{
			Mode:             ModeLocal,
			RetryInterval:    "1m",
			MaxRetryAttempts: 3,
			MessageTimeout:   "24h",
			PushTimeout:      "5s",
			ActorShards:      16,
		},
		WebSocket: WebSocketConfig{
			WriteTimeout:    "10s",
			PingInterval:    "30s",
			SendBuffer:      64,
			MaxMessageBytes: 64 << 10,
		},
		Producers: ProducerConfig{
			MaxRate: 100,
			Burst:   200,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	HERALD_API_KEY          sets auth.api_key and enables auth
//	HERALD_DATA_DIR         sets node.data_dir
//	HERALD_PORT             sets node.port
//	HERALD_STORAGE_BACKEND  sets storage.backend
//	HERALD_REDIS_URL        sets storage.redis_url
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HERALD_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("HERALD_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("HERALD_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("HERALD_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = Backend(v)
	}
	if v := os.Getenv("HERALD_REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	switch c.Storage.Backend {
	case BackendBolt:
		if c.Node.DataDir == "" {
			return errors.New("node.data_dir must not be empty for the bolt backend")
		}
		if _, err := parsePositive(c.Storage.BoltTimeout); err != nil {
			return fmt.Errorf("storage.bolt_timeout: %w", err)
		}
	case BackendMemory:
	case BackendRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url must be set for the redis backend")
		}
	default:
		return errors.New(`storage.backend must be one of "bolt", "memory", "redis"`)
	}
	switch c.Delivery.Mode {
	case ModeLocal, ModeActor:
	default:
		return errors.New(`delivery.mode must be one of "local", "actor"`)
	}
	if c.Delivery.MaxRetryAttempts < 1 {
		return errors.New("delivery.max_retry_attempts must be at least 1")
	}
	if c.Delivery.Mode == ModeActor && c.Delivery.ActorShards < 1 {
		return errors.New("delivery.actor_shards must be at least 1")
	}
	for name, v := range map[string]string{
		"delivery.retry_interval":  c.Delivery.RetryInterval,
		"delivery.message_timeout": c.Delivery.MessageTimeout,
		"delivery.push_timeout":    c.Delivery.PushTimeout,
		"websocket.write_timeout":  c.WebSocket.WriteTimeout,
		"websocket.ping_interval":  c.WebSocket.PingInterval,
	} {
		if _, err := parsePositive(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if c.WebSocket.SendBuffer < 1 {
		return errors.New("websocket.send_buffer must be at least 1")
	}
	if c.Producers.MaxRate < 1 || c.Producers.Burst < 1 {
		return errors.New("producers.max_rate and producers.burst must be at least 1")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	return nil
}

func parsePositive(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}

// duration parses s, falling back to def when s is empty or invalid.
// Validate has already rejected invalid values for a loaded config.
func duration(s string, def time.Duration) time.Duration {
	d, err := parsePositive(s)
	if err != nil {
		return def
	}
	return d
}

// RetryInterval returns delivery.retry_interval as a duration.
func (c *Config) RetryInterval() time.Duration {
	return duration(c.Delivery.RetryInterval, time.Minute)
}

// MessageTimeout returns delivery.message_timeout as a duration.
func (c *Config) MessageTimeout() time.Duration {
	return duration(c.Delivery.MessageTimeout, 24*time.Hour)
}

// PushTimeout returns delivery.push_timeout as a duration.
func (c *Config) PushTimeout() time.Duration {
	return duration(c.Delivery.PushTimeout, 5*time.Second)
}

// BoltTimeout returns storage.bolt_timeout as a duration.
func (c *Config) BoltTimeout() time.Duration {
	return duration(c.Storage.BoltTimeout, time.Second)
}

// WriteTimeout returns websocket.write_timeout as a duration.
func (c *Config) WriteTimeout() time.Duration {
	return duration(c.WebSocket.WriteTimeout, 10*time.Second)
}

// PingInterval returns websocket.ping_interval as a duration.
func (c *Config) PingInterval() time.Duration {
	return duration(c.WebSocket.PingInterval, 30*time.Second)
}
