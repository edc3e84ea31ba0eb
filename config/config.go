// Package config loads bus settings from a YAML file with environment
// overrides. Environment variables use the MMATE prefix, for example
// MMATE_REPLY_TIMEOUT=30s or MMATE_RATE_LIMIT_PER_SECOND=100.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/glimte/mmate-bus/contracts"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "MMATE"

// Config holds everything needed to build a bus
type Config struct {
	ServiceName      string        `yaml:"serviceName" envconfig:"SERVICE_NAME"`
	ReplyTimeout     time.Duration `yaml:"replyTimeout" envconfig:"REPLY_TIMEOUT"`
	SweepInterval    time.Duration `yaml:"sweepInterval" envconfig:"SWEEP_INTERVAL"`
	LateReplyGrace   time.Duration `yaml:"lateReplyGrace" envconfig:"LATE_REPLY_GRACE"`
	ErrorMessageType string        `yaml:"errorMessageType" envconfig:"ERROR_MESSAGE_TYPE"`

	Log       LogConfig       `yaml:"log" envconfig:"LOG"`
	RateLimit RateLimitConfig `yaml:"rateLimit" envconfig:"RATE_LIMIT"`
	Retry     RetryConfig     `yaml:"retry" envconfig:"RETRY"`
	Metrics   MetricsConfig   `yaml:"metrics" envconfig:"METRICS"`
	Tracing   TracingConfig   `yaml:"tracing" envconfig:"TRACING"`
	Journal   JournalConfig   `yaml:"journal" envconfig:"JOURNAL"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL"`
	Format string `yaml:"format" envconfig:"FORMAT"`
}

// RateLimitConfig limits handler invocations per message type. Zero
// PerSecond disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"perSecond" envconfig:"PER_SECOND"`
	Burst     int     `yaml:"burst" envconfig:"BURST"`
}

// RetryConfig retries failing handlers. Zero MaxRetries disables retries.
type RetryConfig struct {
	MaxRetries      int           `yaml:"maxRetries" envconfig:"MAX_RETRIES"`
	InitialInterval time.Duration `yaml:"initialInterval" envconfig:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"maxInterval" envconfig:"MAX_INTERVAL"`
	Multiplier      float64       `yaml:"multiplier" envconfig:"MULTIPLIER"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	Namespace string `yaml:"namespace" envconfig:"NAMESPACE"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED"`
}

// JournalConfig keeps the last MaxEntries message outcomes in memory
type JournalConfig struct {
	Enabled    bool `yaml:"enabled" envconfig:"ENABLED"`
	MaxEntries int  `yaml:"maxEntries" envconfig:"MAX_ENTRIES"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		ServiceName:      "mmate",
		ReplyTimeout:     60 * time.Second,
		SweepInterval:    30 * time.Second,
		LateReplyGrace:   time.Minute,
		ErrorMessageType: contracts.SystemErrorType,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		RateLimit: RateLimitConfig{
			Burst: 1,
		},
		Retry: RetryConfig{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			Multiplier:      2,
		},
		Metrics: MetricsConfig{
			Namespace: "mmate",
		},
		Journal: JournalConfig{
			MaxEntries: 10000,
		},
	}
}

// Load starts from Default, applies the YAML file at path if path is not
// empty, then applies environment overrides and validates the result
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

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ServiceName) == "" {
		errs = append(errs, errors.New("serviceName must not be empty"))
	}
	if c.ReplyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("replyTimeout must be positive, got %s", c.ReplyTimeout))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweepInterval must be positive, got %s", c.SweepInterval))
	}
	if c.LateReplyGrace < 0 {
		errs = append(errs, fmt.Errorf("lateReplyGrace must not be negative, got %s", c.LateReplyGrace))
	}
	if _, err := c.Log.level(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format must be text or json, got %q", c.Log.Format))
	}
	if c.RateLimit.PerSecond < 0 {
		errs = append(errs, fmt.Errorf("rateLimit.perSecond must not be negative, got %v", c.RateLimit.PerSecond))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.maxRetries must not be negative, got %d", c.Retry.MaxRetries))
	}
	if c.Journal.Enabled && c.Journal.MaxEntries < 1 {
		errs = append(errs, fmt.Errorf("journal.maxEntries must be positive, got %d", c.Journal.MaxEntries))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// NewLogger builds the configured slog logger writing to w
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := c.Log.level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
