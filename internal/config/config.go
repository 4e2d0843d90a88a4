// Package config loads the service configuration from the environment.
//
// Values come from process environment variables, optionally seeded from a .env file in the
// working directory. Configuration is read once at startup; there is no hot reload.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Docker     DockerConfig     `mapstructure:"docker"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	TraceStore TraceStoreConfig `mapstructure:"trace_store"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Hub        HubConfig        `mapstructure:"hub"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig selects the slog handler and level
type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// DockerConfig holds container runtime connection settings.
// An empty Host leaves the SDK defaults (DOCKER_HOST or the local socket) in place.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// SandboxConfig holds the resource policy and lifecycle shape for guest containers
type SandboxConfig struct {
	Lifecycle         string        `mapstructure:"lifecycle"`
	MemoryMB          int           `mapstructure:"memory_mb"`
	CPUs              float64       `mapstructure:"cpus"`
	ExecTimeout       time.Duration `mapstructure:"exec_timeout"`
	ContainerPrefix   string        `mapstructure:"container_prefix"`
	BuildContextDir   string        `mapstructure:"build_context_dir"`
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
}

// TraceStoreConfig holds the external trace store endpoint
type TraceStoreConfig struct {
	URL     string        `mapstructure:"url"`
	Key     string        `mapstructure:"key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RedisConfig enables the cross-process broadcast bridge when Addr is set
type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

// HubConfig sizes the per-subscriber buffers of the job channel registry
type HubConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// RateLimitConfig configures the token bucket in front of the execute endpoint
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst float64 `mapstructure:"burst"`
}

// Lifecycle shapes accepted by sandbox.lifecycle.
const (
	LifecycleEphemeral = "ephemeral"
	LifecyclePooled    = "pooled"
)

// Load reads .env (if present) and the environment, applies defaults and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:3001")

	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")

	v.SetDefault("docker.host", "")

	v.SetDefault("sandbox.lifecycle", LifecycleEphemeral)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpus", 1.0)
	v.SetDefault("sandbox.exec_timeout", 60*time.Second)
	v.SetDefault("sandbox.container_prefix", "okernel")
	v.SetDefault("sandbox.build_context_dir", "docker")
	v.SetDefault("sandbox.max_concurrent_jobs", 8)

	v.SetDefault("trace_store.url", "")
	v.SetDefault("trace_store.key", "")
	v.SetDefault("trace_store.timeout", 30*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.channel", "syscore:logs")

	v.SetDefault("hub.buffer", 64)

	v.SetDefault("ratelimit.rate", 0.5)
	v.SetDefault("ratelimit.burst", 5.0)
}

// envBindings lists, per key, the environment variables consulted in order.
var envBindings = map[string][]string{
	"server.addr":                 {"SYSCORE_ADDR"},
	"log.format":                  {"SYSCORE_LOG_FORMAT"},
	"log.level":                   {"SYSCORE_LOG_LEVEL"},
	"docker.host":                 {"SYSCORE_DOCKER_HOST"},
	"sandbox.lifecycle":           {"SYSCORE_LIFECYCLE"},
	"sandbox.memory_mb":           {"SYSCORE_MEMORY_MB"},
	"sandbox.cpus":                {"SYSCORE_CPUS"},
	"sandbox.exec_timeout":        {"SYSCORE_EXEC_TIMEOUT"},
	"sandbox.container_prefix":    {"SYSCORE_CONTAINER_PREFIX"},
	"sandbox.build_context_dir":   {"SYSCORE_BUILD_CONTEXT_DIR"},
	"sandbox.max_concurrent_jobs": {"SYSCORE_MAX_CONCURRENT_JOBS"},
	"trace_store.url":             {"SYSCORE_TRACE_STORE_URL", "SUPABASE_URL", "VITE_SUPABASE_URL"},
	"trace_store.key":             {"SYSCORE_TRACE_STORE_KEY", "SUPABASE_ANON_KEY", "VITE_SUPABASE_ANON_KEY"},
	"trace_store.timeout":         {"SYSCORE_TRACE_STORE_TIMEOUT"},
	"redis.addr":                  {"REDIS_ADDR"},
	"redis.channel":               {"SYSCORE_REDIS_CHANNEL"},
	"hub.buffer":                  {"SYSCORE_HUB_BUFFER"},
	"ratelimit.rate":              {"SYSCORE_RATE"},
	"ratelimit.burst":             {"SYSCORE_BURST"},
}

func bindEnv(v *viper.Viper) error {
	for key, envs := range envBindings {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Validate ensures the configuration is usable
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log.format: %s, must be 'text' or 'json'", c.Log.Format)
	}

	if c.Sandbox.Lifecycle != LifecycleEphemeral && c.Sandbox.Lifecycle != LifecyclePooled {
		return fmt.Errorf("invalid sandbox.lifecycle: %s, must be '%s' or '%s'",
			c.Sandbox.Lifecycle, LifecycleEphemeral, LifecyclePooled)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %g", c.Sandbox.CPUs)
	}

	if c.Sandbox.ExecTimeout < 0 {
		return fmt.Errorf("sandbox.exec_timeout must not be negative, got: %s", c.Sandbox.ExecTimeout)
	}

	if c.Sandbox.ContainerPrefix == "" {
		return errors.New("sandbox.container_prefix must not be empty")
	}

	if c.Sandbox.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("sandbox.max_concurrent_jobs must be positive, got: %d", c.Sandbox.MaxConcurrentJobs)
	}

	if c.Hub.Buffer <= 0 {
		return fmt.Errorf("hub.buffer must be positive, got: %d", c.Hub.Buffer)
	}

	if c.RateLimit.Rate <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("ratelimit needs rate > 0 and burst >= 1, got: %g/%g", c.RateLimit.Rate, c.RateLimit.Burst)
	}

	return nil
}

// MemoryBytes returns the container memory cap in bytes
func (c *Config) MemoryBytes() int64 {
	return int64(c.Sandbox.MemoryMB) * 1024 * 1024
}

// NanoCPUs returns the container CPU cap in units of 1e-9 CPUs
func (c *Config) NanoCPUs() int64 {
	return int64(c.Sandbox.CPUs * 1e9)
}
