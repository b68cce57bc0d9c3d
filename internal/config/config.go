// Package config loads cronrelay settings from defaults, an optional YAML
// file and CRONRELAY_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"cronrelay/internal/auth"
	"cronrelay/internal/schedule"
)

const envPrefix = "CRONRELAY_"

type Config struct {
	Addr       string `yaml:"addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
	JWTSecret  string `yaml:"jwt_secret"`
	AdminToken string `yaml:"admin_token"`
	// Timezone defines the day and month boundaries of usage counters.
	Timezone        string        `yaml:"timezone"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Dispatch  Dispatch  `yaml:"dispatch"`
	Queue     Queue     `yaml:"queue"`
	RateLimit RateLimit `yaml:"rate_limit"`
}

type Dispatch struct {
	// Enabled runs the built-in ticker. Disable it when an external cron
	// calls the admin dispatch endpoint instead.
	Enabled               bool          `yaml:"enabled"`
	Interval              time.Duration `yaml:"interval"`
	Width                 int           `yaml:"width"`
	Timeout               time.Duration `yaml:"timeout"`
	EnforceScheduledQuota bool          `yaml:"enforce_scheduled_quota"`
	RetentionInterval     time.Duration `yaml:"retention_interval"`
}

type Queue struct {
	Size        int           `yaml:"size"`
	Workers     int           `yaml:"workers"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func Default() *Config {
	return &Config{
		Addr:            ":8080",
		DBPath:          "cronrelay.db",
		LogLevel:        "info",
		LogFormat:       "console",
		Timezone:        schedule.DefaultTimezone,
		SessionTTL:      24 * time.Hour,
		ShutdownTimeout: 10 * time.Second,
		Dispatch: Dispatch{
			Enabled:           true,
			Interval:          time.Minute,
			Width:             5,
			Timeout:           10 * time.Second,
			RetentionInterval: time.Hour,
		},
		Queue: Queue{
			Size:        1024,
			Workers:     4,
			MaxAttempts: 3,
			Backoff:     500 * time.Millisecond,
		},
		RateLimit: RateLimit{RPS: 10, Burst: 20},
	}
}

// Load returns the defaults overlaid with the YAML file at path (if not
// empty) and then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	float := func(name string, dst *float64) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Addr)
	str("DB_PATH", &c.DBPath)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("JWT_SECRET", &c.JWTSecret)
	str("ADMIN_TOKEN", &c.AdminToken)
	str("TIMEZONE", &c.Timezone)
	duration("SESSION_TTL", &c.SessionTTL)
	duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	boolean("DISPATCH_ENABLED", &c.Dispatch.Enabled)
	duration("DISPATCH_INTERVAL", &c.Dispatch.Interval)
	integer("DISPATCH_WIDTH", &c.Dispatch.Width)
	duration("DISPATCH_TIMEOUT", &c.Dispatch.Timeout)
	boolean("ENFORCE_SCHEDULED_QUOTA", &c.Dispatch.EnforceScheduledQuota)
	duration("RETENTION_INTERVAL", &c.Dispatch.RetentionInterval)

	integer("QUEUE_SIZE", &c.Queue.Size)
	integer("QUEUE_WORKERS", &c.Queue.Workers)
	integer("QUEUE_MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	duration("QUEUE_BACKOFF", &c.Queue.Backoff)

	float("RATE_LIMIT_RPS", &c.RateLimit.RPS)
	integer("RATE_LIMIT_BURST", &c.RateLimit.Burst)

	return errors.Join(errs...)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < auth.MinSecretLength {
		errs = append(errs, fmt.Errorf("jwt_secret must be at least %d characters", auth.MinSecretLength))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if _, err := schedule.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.Dispatch.Width <= 0 {
		errs = append(errs, errors.New("dispatch.width must be positive"))
	}
	if c.Dispatch.Timeout <= 0 {
		errs = append(errs, errors.New("dispatch.timeout must be positive"))
	}
	if c.Dispatch.Enabled && c.Dispatch.Interval <= 0 {
		errs = append(errs, errors.New("dispatch.interval must be positive"))
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be console or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}
