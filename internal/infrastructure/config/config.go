package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all engine configuration.
type Config struct {
	Server    ServerConfig
	Engine    EngineConfig
	Signaling SignalingConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8700"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// EngineConfig holds injection orchestration configuration.
type EngineConfig struct {
	// MinInjectInterval is the minimum spacing between two actual injections.
	MinInjectInterval time.Duration `envconfig:"ENGINE_MIN_INJECT_INTERVAL" default:"300ms"`
	// ScriptCeilingBytes is the hard size ceiling for fallback scripts.
	ScriptCeilingBytes int `envconfig:"ENGINE_SCRIPT_CEILING_BYTES" default:"262144"`
	// PermissionQueueDepth bounds the permission request queue.
	PermissionQueueDepth int `envconfig:"ENGINE_PERMISSION_QUEUE_DEPTH" default:"32"`
	// RequestTimeout bounds correlated request/response round trips on the bus.
	RequestTimeout time.Duration `envconfig:"ENGINE_REQUEST_TIMEOUT" default:"10s"`
}

// SignalingConfig holds loopback signaling configuration.
type SignalingConfig struct {
	// Timeout is measured from offer receipt to connection establishment.
	Timeout time.Duration `envconfig:"SIGNALING_TIMEOUT" default:"30s"`
	// MaxSessions bounds the active session set.
	MaxSessions int `envconfig:"SIGNALING_MAX_SESSIONS" default:"8"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8700",
			Host: "127.0.0.1",
		},
		Engine: EngineConfig{
			MinInjectInterval:    300 * time.Millisecond,
			ScriptCeilingBytes:   256 * 1024,
			PermissionQueueDepth: 32,
			RequestTimeout:       10 * time.Second,
		},
		Signaling: SignalingConfig{
			Timeout:     30 * time.Second,
			MaxSessions: 8,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
