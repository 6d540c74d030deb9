// Copyright 2025 ModelGate
// SPDX-License-Identifier: Apache-2.0

// Package config loads gateway configuration from a YAML file with
// environment variable overrides. Every setting has a default; a
// missing file yields a fully usable configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"modelgate/gateway/orchestrator/router"
)

// Config is the root gateway configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Circuit      CircuitConfig      `yaml:"circuit"`
	Async        AsyncConfig        `yaml:"async"`
	Health       HealthConfig       `yaml:"health"`
	Router       RouterConfig       `yaml:"router"`
	Quota        QuotaConfig        `yaml:"quota"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Providers    []ProviderConfig   `yaml:"providers"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	ShutdownGraceMs int      `yaml:"shutdown_grace_ms"`
}

// AuthConfig controls bearer token authentication.
type AuthConfig struct {
	Enabled   bool   `yaml:"enabled"`
	JWTSecret string `yaml:"jwt_secret"`
}

// OrchestratorConfig controls retry and streaming behavior.
type OrchestratorConfig struct {
	MaxAttempts        int `yaml:"max_attempts"`
	FirstByteTimeoutMs int `yaml:"first_byte_timeout_ms"`
	BackoffInitialMs   int `yaml:"backoff_initial_ms"`
	BackoffMaxMs       int `yaml:"backoff_max_ms"`
}

// CircuitConfig controls the per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	HalfOpenAfterMs  int `yaml:"half_open_after_ms"`
}

// AsyncConfig controls the background job manager. Workers 0 means
// one per CPU capped at four.
type AsyncConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
	Workers       int `yaml:"workers"`
	JobTTLHours   int `yaml:"job_ttl_hours"`
}

// HealthConfig controls provider health polling.
type HealthConfig struct {
	IntervalMs     int `yaml:"interval_ms"`
	ProbeTimeoutMs int `yaml:"probe_timeout_ms"`
}

// RouterConfig selects the routing strategy. Weights apply to the
// weighted_random strategy as "provider:weight" entries.
type RouterConfig struct {
	Strategy string             `yaml:"strategy"`
	Weights  map[string]float64 `yaml:"weights"`
}

// QuotaConfig sets per-tenant request rate limits. Zero disables
// enforcement. TenantLimits overrides the default per tenant id.
type QuotaConfig struct {
	DefaultPerMinute int            `yaml:"default_per_minute"`
	TenantLimits     map[string]int `yaml:"tenant_limits"`
}

// DatabaseConfig points at the Postgres instance used for the provider
// catalog and audit events. Empty URL disables persistence.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig points at the Redis instance used for quota windows, job
// storage and idempotency keys. Empty URL falls back to in-memory.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// ProviderConfig declares one OpenAI-compatible backend to register at
// startup.
type ProviderConfig struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	BaseURL   string   `yaml:"base_url"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Models    []string `yaml:"models"`
	Pool      string   `yaml:"pool"`
	Device    string   `yaml:"device"`
	Version   string   `yaml:"version"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownGraceMs: 30000,
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:        3,
			FirstByteTimeoutMs: 10000,
			BackoffInitialMs:   100,
			BackoffMaxMs:       30000,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			HalfOpenAfterMs:  30000,
		},
		Async: AsyncConfig{
			QueueCapacity: 1000,
			Workers:       0,
			JobTTLHours:   24,
		},
		Health: HealthConfig{
			IntervalMs:     15000,
			ProbeTimeoutMs: 5000,
		},
		Router: RouterConfig{
			Strategy: string(router.StrategyRoundRobin),
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment environments override file settings without
// templating the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("MODELGATE_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("MODELGATE_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
		c.Auth.Enabled = true
	}
	if v := os.Getenv("MODELGATE_ROUTER_STRATEGY"); v != "" {
		c.Router.Strategy = v
	}
	if v := os.Getenv("MODELGATE_ASYNC_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Async.Workers = n
		}
	}
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	if !router.IsValidStrategy(c.Router.Strategy) {
		return fmt.Errorf("unknown router strategy %q", c.Router.Strategy)
	}
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be at least 1, got %d", c.Orchestrator.MaxAttempts)
	}
	if c.Circuit.FailureThreshold < 1 {
		return fmt.Errorf("circuit.failure_threshold must be at least 1, got %d", c.Circuit.FailureThreshold)
	}
	if c.Async.QueueCapacity < 1 {
		return fmt.Errorf("async.queue_capacity must be at least 1, got %d", c.Async.QueueCapacity)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when auth is enabled")
	}
	for i, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("providers[%d]: id is required", i)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("provider %s: base_url is required", p.ID)
		}
	}
	return nil
}

// FirstByteTimeout returns the streaming first-byte timeout as a
// duration.
func (c *Config) FirstByteTimeout() time.Duration {
	return time.Duration(c.Orchestrator.FirstByteTimeoutMs) * time.Millisecond
}

// BackoffInitial returns the initial retry backoff as a duration.
func (c *Config) BackoffInitial() time.Duration {
	return time.Duration(c.Orchestrator.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry backoff ceiling as a duration.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Orchestrator.BackoffMaxMs) * time.Millisecond
}

// HalfOpenAfter returns the circuit half-open delay as a duration.
func (c *Config) HalfOpenAfter() time.Duration {
	return time.Duration(c.Circuit.HalfOpenAfterMs) * time.Millisecond
}

// JobTTL returns the async job retention as a duration.
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.Async.JobTTLHours) * time.Hour
}

// HealthInterval returns the provider health polling interval.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalMs) * time.Millisecond
}

// ProbeTimeout returns the per-probe health check timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Health.ProbeTimeoutMs) * time.Millisecond
}

// ShutdownGrace returns how long in-flight requests may drain on
// shutdown.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceMs) * time.Millisecond
}
