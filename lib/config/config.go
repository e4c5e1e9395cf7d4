// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Duration is a time.Duration written as a Go duration string ("15s")
// in both YAML and JSON.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the master configuration for Sockethub.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment" json:"environment"`

	// Public configures the client-facing HTTP listener.
	Public PublicConfig `yaml:"public" json:"public"`

	// Redis selects the backing store for queues and credentials.
	Redis RedisConfig `yaml:"redis" json:"redis"`

	// Platforms lists the enabled platform names. Messages for any
	// other context are rejected.
	Platforms []string `yaml:"platforms" json:"platforms"`

	// PlatformBinary is the platform process executable. Empty means
	// sockethub-platform next to the dispatcher binary, then PATH.
	PlatformBinary string `yaml:"platform_binary" json:"platform_binary"`

	// Janitor configures the idle instance sweep.
	Janitor JanitorConfig `yaml:"janitor" json:"janitor"`

	// Queue configures job queues and workers.
	Queue QueueConfig `yaml:"queue" json:"queue"`

	// Session configures per-connection limits.
	Session SessionConfig `yaml:"session" json:"session"`

	// ActivityObjects configures the shared activity object cache.
	ActivityObjects ActivityObjectsConfig `yaml:"activity_objects" json:"activity_objects"`

	// Log configures logging.
	Log LogConfig `yaml:"log" json:"log"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty" json:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty" json:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Public  *PublicConfig  `yaml:"public,omitempty" json:"public,omitempty"`
	Redis   *RedisConfig   `yaml:"redis,omitempty" json:"redis,omitempty"`
	Session *SessionConfig `yaml:"session,omitempty" json:"session,omitempty"`
	Log     *LogConfig     `yaml:"log,omitempty" json:"log,omitempty"`
}

// PublicConfig configures the client-facing listener.
type PublicConfig struct {
	// Host is the listen address. Default: localhost
	Host string `yaml:"host" json:"host"`

	// Port is the listen port. Default: 10550
	Port int `yaml:"port" json:"port"`

	// Path is the websocket endpoint. Default: /sockethub
	Path string `yaml:"path" json:"path"`
}

// Address returns host:port.
func (p PublicConfig) Address() string {
	return p.Host + ":" + strconv.Itoa(p.Port)
}

// RedisConfig selects the Redis server. URL wins over Host and Port.
type RedisConfig struct {
	URL  string `yaml:"url" json:"url"`
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	DB   int    `yaml:"db" json:"db"`
}

// JanitorConfig configures the idle instance sweep.
type JanitorConfig struct {
	// Interval between sweeps. An instance is destroyed after two
	// consecutive empty sweeps. Default: 15s
	Interval Duration `yaml:"interval" json:"interval"`
}

// QueueConfig configures job queues and the workers in platform
// processes.
type QueueConfig struct {
	// JobExpiry is how long settled jobs stay readable. Default: 5m
	JobExpiry Duration `yaml:"job_expiry" json:"job_expiry"`

	// StalledInterval is how often workers look for stalled jobs.
	// Default: 30s
	StalledInterval Duration `yaml:"stalled_interval" json:"stalled_interval"`

	// MaxStalledCount is how many times a job may stall before it
	// fails. Default: 3
	MaxStalledCount int `yaml:"max_stalled_count" json:"max_stalled_count"`

	// LockDuration is the worker lock lifetime, renewed at half
	// this interval. Default: 30s
	LockDuration Duration `yaml:"lock_duration" json:"lock_duration"`
}

// SessionConfig configures per-connection limits.
type SessionConfig struct {
	// MessagesPerSecond is the sustained message rate per session.
	// Default: 20
	MessagesPerSecond float64 `yaml:"messages_per_second" json:"messages_per_second"`

	// Burst is the number of messages allowed above the rate.
	// Default: 40
	Burst int `yaml:"burst" json:"burst"`
}

// ActivityObjectsConfig configures the activity object cache.
type ActivityObjectsConfig struct {
	// CacheSize is the number of objects kept. Default: 4096
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: debug
	// (development), info (production)
	Level string `yaml:"level" json:"level"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file,
// and on their own when no file is given.
func Default() *Config {
	return &Config{
		Environment: Development,
		Public: PublicConfig{
			Host: "localhost",
			Port: 10550,
			Path: "/sockethub",
		},
		Redis: RedisConfig{
			Host: "127.0.0.1",
			Port: 6379,
		},
		Platforms: []string{"dummy", "feeds"},
		Janitor: JanitorConfig{
			Interval: Duration(15 * time.Second),
		},
		Queue: QueueConfig{
			JobExpiry:       Duration(5 * time.Minute),
			StalledInterval: Duration(30 * time.Second),
			MaxStalledCount: 3,
			LockDuration:    Duration(30 * time.Second),
		},
		Session: SessionConfig{
			MessagesPerSecond: 20,
			Burst:             40,
		},
		ActivityObjects: ActivityObjectsConfig{
			CacheSize: 4096,
		},
		Log: LogConfig{
			Level: "debug",
		},
	}
}

// Load loads configuration from the SOCKETHUB_CONFIG environment
// variable. When it is unset the defaults are used, with the
// environment variable overrides applied.
func Load() (*Config, error) {
	configPath := os.Getenv("SOCKETHUB_CONFIG")
	if configPath == "" {
		cfg := Default()
		if err := cfg.applyEnvironmentVariables(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	if err := cfg.applyEnvironmentVariables(); err != nil {
		return nil, err
	}

	cfg.PlatformBinary = expandVars(cfg.PlatformBinary)

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: quieter logging.
		if overrides == nil {
			overrides = &ConfigOverrides{Log: &LogConfig{}}
		}
		if overrides.Log == nil {
			overrides.Log = &LogConfig{}
		}
		if overrides.Log.Level == "" && c.Log.Level == "debug" {
			overrides.Log.Level = "info"
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Public != nil {
		if overrides.Public.Host != "" {
			c.Public.Host = overrides.Public.Host
		}
		if overrides.Public.Port != 0 {
			c.Public.Port = overrides.Public.Port
		}
		if overrides.Public.Path != "" {
			c.Public.Path = overrides.Public.Path
		}
	}

	if overrides.Redis != nil {
		if overrides.Redis.URL != "" {
			c.Redis.URL = overrides.Redis.URL
		}
		if overrides.Redis.Host != "" {
			c.Redis.Host = overrides.Redis.Host
		}
		if overrides.Redis.Port != 0 {
			c.Redis.Port = overrides.Redis.Port
		}
		if overrides.Redis.DB != 0 {
			c.Redis.DB = overrides.Redis.DB
		}
	}

	if overrides.Session != nil {
		if overrides.Session.MessagesPerSecond != 0 {
			c.Session.MessagesPerSecond = overrides.Session.MessagesPerSecond
		}
		if overrides.Session.Burst != 0 {
			c.Session.Burst = overrides.Session.Burst
		}
	}

	if overrides.Log != nil && overrides.Log.Level != "" {
		c.Log.Level = overrides.Log.Level
	}
}

// applyEnvironmentVariables applies the connection overrides
// deployments inject through the environment.
func (c *Config) applyEnvironmentVariables() error {
	if value := os.Getenv("REDIS_URL"); value != "" {
		c.Redis.URL = value
	}
	if value := os.Getenv("REDIS_HOST"); value != "" {
		c.Redis.Host = value
	}
	if value := os.Getenv("REDIS_PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("REDIS_PORT: %w", err)
		}
		c.Redis.Port = port
	}
	if value := os.Getenv("SOCKETHUB_HOST"); value != "" {
		c.Public.Host = value
	}
	if value := os.Getenv("SOCKETHUB_PORT"); value != "" {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("SOCKETHUB_PORT: %w", err)
		}
		c.Public.Port = port
	}
	return nil
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Public.Port <= 0 || c.Public.Port > 65535 {
		errs = append(errs, fmt.Errorf("public.port must be between 1 and 65535, got %d", c.Public.Port))
	}
	if !strings.HasPrefix(c.Public.Path, "/") {
		errs = append(errs, fmt.Errorf("public.path must start with /"))
	}

	if c.Redis.URL == "" && c.Redis.Host == "" {
		errs = append(errs, fmt.Errorf("redis.url or redis.host is required"))
	}

	if len(c.Platforms) == 0 {
		errs = append(errs, fmt.Errorf("platforms must list at least one platform"))
	}

	if c.Janitor.Interval.Std() <= 0 {
		errs = append(errs, fmt.Errorf("janitor.interval must be positive"))
	}
	if c.Queue.JobExpiry.Std() <= 0 {
		errs = append(errs, fmt.Errorf("queue.job_expiry must be positive"))
	}
	if c.Queue.MaxStalledCount <= 0 {
		errs = append(errs, fmt.Errorf("queue.max_stalled_count must be positive"))
	}

	if c.Session.MessagesPerSecond <= 0 || c.Session.Burst <= 0 {
		errs = append(errs, fmt.Errorf("session.messages_per_second and session.burst must be positive"))
	}

	if c.ActivityObjects.CacheSize <= 0 {
		errs = append(errs, fmt.Errorf("activity_objects.cache_size must be positive"))
	}

	levels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(levels, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levels))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// PlatformBinaryPath returns the platform process executable.
// A configured PlatformBinary is used as is. Otherwise it looks next
// to the running executable first, then falls back to exec.LookPath.
func (c *Config) PlatformBinaryPath(name string) (string, error) {
	if c.PlatformBinary != "" {
		if _, err := os.Stat(c.PlatformBinary); err != nil {
			return "", fmt.Errorf("platform_binary: %w", err)
		}
		return c.PlatformBinary, nil
	}

	if executable, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(executable), name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found next to the dispatcher or in PATH", name)
	}
	return path, nil
}
