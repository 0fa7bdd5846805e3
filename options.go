package agentbus

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/agentbus-dev/agentbus/internal/mailbox"
	"github.com/agentbus-dev/agentbus/internal/rpc"
	"github.com/agentbus-dev/agentbus/pkg/state"
)

// Config contains configuration options for creating a runtime
type Config struct {
	// MailboxBufferSize sets the dispatch queue capacity
	// Default: 1024
	MailboxBufferSize int

	// RPCTimeout bounds how long SendMessage waits for a response
	// Default: 300s
	RPCTimeout time.Duration

	// MaxConcurrentPublish limits parallel deliveries during publish
	// fan-out (0 = one goroutine per subscriber)
	// Default: 0 (unlimited)
	MaxConcurrentPublish int

	// EnableMetrics enables Prometheus metrics collection
	// Default: true
	EnableMetrics bool

	// PublishRate caps per-topic publish throughput (0 = no limit)
	PublishRate rate.Limit

	// PublishBurst is the burst size for the per-topic limiter
	PublishBurst int

	// Store persists agent state blobs. Defaults to an in-memory store.
	Store state.Store
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		MailboxBufferSize: mailbox.DefaultBufferSize,
		RPCTimeout:        rpc.DefaultTimeout,
		EnableMetrics:     true,
	}
}

// Option is a functional option for configuring a runtime
type Option func(*Config)

// WithMailboxBufferSize sets the dispatch queue capacity
func WithMailboxBufferSize(size int) Option {
	return func(cfg *Config) {
		cfg.MailboxBufferSize = size
	}
}

// WithRPCTimeout sets the wait bound for SendMessage responses
func WithRPCTimeout(timeout time.Duration) Option {
	return func(cfg *Config) {
		cfg.RPCTimeout = timeout
	}
}

// WithMaxConcurrentPublish limits parallel deliveries during publish fan-out
func WithMaxConcurrentPublish(limit int) Option {
	return func(cfg *Config) {
		cfg.MaxConcurrentPublish = limit
	}
}

// WithMetrics enables or disables metrics collection
func WithMetrics(enabled bool) Option {
	return func(cfg *Config) {
		cfg.EnableMetrics = enabled
	}
}

// WithPublishRateLimit caps per-topic publish throughput
func WithPublishRateLimit(limit rate.Limit, burst int) Option {
	return func(cfg *Config) {
		cfg.PublishRate = limit
		cfg.PublishBurst = burst
	}
}

// WithStateStore sets the state store backing SaveState and LoadState
func WithStateStore(store state.Store) Option {
	return func(cfg *Config) {
		cfg.Store = store
	}
}
