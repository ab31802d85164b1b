// Package config loads Ops-Core's process configuration from environment
// variables (spec §6). The teacher binds its richer, file-backed config
// through spf13/viper; Ops-Core's configuration surface is a fixed, flat set
// of OPSCORE_* variables with no config file to merge in, so this package
// binds them directly with envconfig and validates the result the same way
// the teacher's Config.Validate does for workline.yml.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Backend selects the state-store implementation (spec §4.1, §6).
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
)

// Config is the process-wide configuration, bound from environment
// variables with the OPSCORE_ prefix.
type Config struct {
	APIKey            string `envconfig:"API_KEY" required:"true"`
	StorageBackend    string `envconfig:"STORAGE_BACKEND" default:"memory"`
	RedisHost         string `envconfig:"REDIS_HOST"`
	RedisPort         int    `envconfig:"REDIS_PORT" default:"6379"`
	RedisDB           int    `envconfig:"REDIS_DB" default:"0"`
	RoutingBaseURL    string `envconfig:"ROUTING_BASE_URL"`
	RoutingTimeoutSec int    `envconfig:"ROUTING_TIMEOUT_SECONDS" default:"30"`
	HTTPListenAddr    string `envconfig:"HTTP_LISTEN_ADDR" default:"0.0.0.0:8000"`
	SeedWorkflows     string `envconfig:"SEED_WORKFLOWS"`
	WebhookJWT        bool   `envconfig:"WEBHOOK_JWT" default:"false"`
}

// Load binds and validates Config from the process environment. A returned
// error is a plain error describing the configuration problem (not an
// opserr value); the caller (cmd/) exits 1 per spec §6's "Exit codes" table
// without starting the server.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("opscore", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the invariants spec §6 implies: a redis backend needs
// connection details, and the backend identifier must be one of the two
// recognized values.
func (c *Config) Validate() error {
	switch Backend(c.StorageBackend) {
	case BackendMemory:
	case BackendRedis:
		if c.RedisHost == "" {
			return fmt.Errorf("OPSCORE_REDIS_HOST is required when OPSCORE_STORAGE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("OPSCORE_STORAGE_BACKEND must be %q or %q, got %q", BackendMemory, BackendRedis, c.StorageBackend)
	}
	if c.APIKey == "" {
		return fmt.Errorf("OPSCORE_API_KEY is required")
	}
	return nil
}

// RoutingTimeout is RoutingTimeoutSec as a time.Duration.
func (c *Config) RoutingTimeout() time.Duration {
	return time.Duration(c.RoutingTimeoutSec) * time.Second
}

// RedisAddr formats the configured Redis host/port for go-redis.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
