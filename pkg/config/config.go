// Package config loads runtime configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "300s" parse directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// AsDuration returns the wrapped time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// Config represents the application configuration.
type Config struct {
	// Runtime Configuration
	Runtime RuntimeConfig `yaml:"runtime"`

	// State Store
	State StateConfig `yaml:"state"`

	// Observability server
	Server ServerConfig `yaml:"server"`
}

// RuntimeConfig holds message-routing tuning knobs.
type RuntimeConfig struct {
	// MailboxBufferSize is the dispatch queue capacity. Default: 1024.
	MailboxBufferSize int `yaml:"mailbox_buffer_size"`

	// RPCTimeout bounds how long SendMessage waits for a response.
	// Default: "300s".
	RPCTimeout Duration `yaml:"rpc_timeout"`

	// MaxConcurrentPublish limits parallel deliveries during publish
	// fan-out (0 = one goroutine per subscriber). Default: 0.
	MaxConcurrentPublish int `yaml:"max_concurrent_publish"`

	// EnableMetrics enables Prometheus metrics collection. Default: true.
	EnableMetrics bool `yaml:"enable_metrics"`
}

// StateConfig selects and configures the agent state backend.
type StateConfig struct {
	// Backend is "memory", "file" or "redis". Default: "memory".
	Backend string `yaml:"backend"`

	// BaseDir is the base directory for the file backend.
	// Default: ~/.agentbus/state
	BaseDir string `yaml:"base_dir"`

	// Redis holds connection settings for the redis backend.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string   `yaml:"addr"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	Prefix   string   `yaml:"prefix"`
	StateTTL Duration `yaml:"state_ttl"`
}

// ServerConfig holds the observability HTTP server settings.
type ServerConfig struct {
	// Port for /health and /metrics. Default: 8080.
	Port int `yaml:"port"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			MailboxBufferSize: 1024,
			RPCTimeout:        Duration(300 * time.Second),
			EnableMetrics:     true,
		},
		State: StateConfig{
			Backend: "memory",
		},
		Server: ServerConfig{
			Port: 8080,
		},
	}
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is operator-supplied
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{Runtime: RuntimeConfig{EnableMetrics: true}}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults
	if cfg.Runtime.MailboxBufferSize == 0 {
		cfg.Runtime.MailboxBufferSize = 1024
	}
	if cfg.Runtime.RPCTimeout == 0 {
		cfg.Runtime.RPCTimeout = Duration(300 * time.Second)
	}
	if cfg.State.Backend == "" {
		cfg.State.Backend = "memory"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}

	// Load connection settings from environment if not in config
	if cfg.State.Redis.Addr == "" {
		cfg.State.Redis.Addr = os.Getenv("REDIS_ADDR")
	}
	if cfg.State.Redis.Password == "" {
		cfg.State.Redis.Password = os.Getenv("REDIS_PASSWORD")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.State.Backend {
	case "memory", "file":
	case "redis":
		if c.State.Redis.Addr == "" {
			return fmt.Errorf("state backend is redis but no address is configured")
		}
	default:
		return fmt.Errorf("unknown state backend: %s", c.State.Backend)
	}

	if c.Runtime.MailboxBufferSize < 0 {
		return fmt.Errorf("mailbox_buffer_size must be non-negative")
	}
	if c.Runtime.RPCTimeout < 0 {
		return fmt.Errorf("rpc_timeout must be non-negative")
	}
	return nil
}
