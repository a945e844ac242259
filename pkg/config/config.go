// Package config provides configuration file support for the lock daemon.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ModeShape/modeshape-sub003/pkg/errclass"
	"github.com/ModeShape/modeshape-sub003/pkg/fsutil"
	"github.com/ModeShape/modeshape-sub003/pkg/model"
)

// DefaultFileName is the config file looked up when no path is given.
const DefaultFileName = "lockd.yaml"

// Config represents the lock daemon configuration.
type Config struct {
	Repository string         `yaml:"repository" json:"repository"`
	Store      StoreConfig    `yaml:"store" json:"store"`
	Locks      LocksConfig    `yaml:"locks" json:"locks"`
	Logging    LoggingConfig  `yaml:"logging" json:"logging"`
	Audit      AuditConfig    `yaml:"audit" json:"audit"`
	Metrics    MetricsConfig  `yaml:"metrics" json:"metrics"`
	Webhooks   WebhooksConfig `yaml:"webhooks" json:"webhooks"`
}

// StoreConfig selects and configures the content store.
type StoreConfig struct {
	Driver       string   `yaml:"driver" json:"driver"` // memory, sqlite
	Path         string   `yaml:"path" json:"path"`
	PollInterval Duration `yaml:"poll_interval" json:"poll_interval"`
}

// LocksConfig configures lock timing.
type LocksConfig struct {
	SweepInterval   Duration `yaml:"sweep_interval" json:"sweep_interval"`
	ExtensionWindow Duration `yaml:"extension_window" json:"extension_window"`
	EnforceTimeout  Duration `yaml:"enforce_timeout" json:"enforce_timeout"`
	RetryAttempts   int      `yaml:"retry_attempts" json:"retry_attempts"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json, text
}

// AuditConfig configures the lock audit trail. An empty path disables it.
type AuditConfig struct {
	Path string `yaml:"path" json:"path"`
}

// MetricsConfig toggles Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// WebhooksConfig lists endpoints notified of lock events.
type WebhooksConfig struct {
	Hooks      []HookConfig `yaml:"hooks,omitempty" json:"hooks"`
	MaxRetries int          `yaml:"max_retries" json:"max_retries"`
	RetryDelay Duration     `yaml:"retry_delay" json:"retry_delay"`
	QueueSize  int          `yaml:"queue_size" json:"queue_size"`
}

// HookConfig is one webhook endpoint. Events holds audit event types such
// as lock_acquire, or "*" for all of them.
type HookConfig struct {
	URL     string   `yaml:"url" json:"url"`
	Secret  string   `yaml:"secret,omitempty" json:"-"`
	Events  []string `yaml:"events" json:"events"`
	Timeout Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Duration is a time.Duration that reads and writes as a Go duration string.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON writes the duration as a Go duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(time.Duration(d).String())), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the default configuration.
func Default() *Config {
	policy := model.DefaultLockPolicy()
	return &Config{
		Repository: "default",
		Store: StoreConfig{
			Driver:       "memory",
			PollInterval: Duration(250 * time.Millisecond),
		},
		Locks: LocksConfig{
			SweepInterval:   Duration(policy.SweepInterval),
			ExtensionWindow: Duration(policy.ExtensionWindow),
			EnforceTimeout:  Duration(policy.EnforceTimeout),
			RetryAttempts:   3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Webhooks: WebhooksConfig{
			MaxRetries: 3,
			RetryDelay: Duration(time.Second),
			QueueSize:  100,
		},
	}
}

// Policy returns the lock timing policy described by the config.
func (c *Config) Policy() model.LockPolicy {
	return model.LockPolicy{
		SweepInterval:   c.Locks.SweepInterval.D(),
		ExtensionWindow: c.Locks.ExtensionWindow.D(),
		EnforceTimeout:  c.Locks.EnforceTimeout.D(),
	}
}

// Validate checks the configuration for values the subsystem cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return errclass.ErrConfigInvalid.WithMessage("store.path is required for the sqlite driver")
		}
	default:
		return errclass.ErrConfigInvalid.WithMessagef("unknown store driver %q", c.Store.Driver)
	}
	if c.Locks.SweepInterval <= 0 {
		return errclass.ErrConfigInvalid.WithMessage("locks.sweep_interval must be positive")
	}
	// A live lock must never expire between two sweeps.
	if c.Locks.ExtensionWindow < 2*c.Locks.SweepInterval {
		return errclass.ErrConfigInvalid.WithMessagef(
			"locks.extension_window (%s) must be at least twice locks.sweep_interval (%s)",
			c.Locks.ExtensionWindow.D(), c.Locks.SweepInterval.D())
	}
	if c.Locks.EnforceTimeout <= 0 {
		return errclass.ErrConfigInvalid.WithMessage("locks.enforce_timeout must be positive")
	}
	if c.Locks.RetryAttempts < 0 {
		return errclass.ErrConfigInvalid.WithMessage("locks.retry_attempts must be non-negative")
	}
	if c.Webhooks.MaxRetries < 0 || c.Webhooks.RetryDelay < 0 || c.Webhooks.QueueSize < 0 {
		return errclass.ErrConfigInvalid.WithMessage("webhooks.max_retries, retry_delay and queue_size must be non-negative")
	}
	for i, h := range c.Webhooks.Hooks {
		u, err := url.Parse(h.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errclass.ErrConfigInvalid.WithMessagef("webhooks.hooks[%d].url %q is not an http(s) URL", i, h.URL)
		}
		if len(h.Events) == 0 {
			return errclass.ErrConfigInvalid.WithMessagef("webhooks.hooks[%d] subscribes to no events", i)
		}
	}
	return nil
}

// Load loads configuration from path.
// Returns default config if the file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Webhooks.Hooks) == 0 {
		cfg.Webhooks.Hooks = nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes configuration to path atomically, replacing any existing file.
func Save(path string, cfg *Config) error {
	return write(path, cfg, fsutil.AtomicWrite)
}

// Create is Save that fails with an error wrapping os.ErrExist when path is
// already taken.
func Create(path string, cfg *Config) error {
	return write(path, cfg, fsutil.AtomicCreate)
}

func write(path string, cfg *Config, put func(string, []byte, os.FileMode) error) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := put(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Get returns a single configuration value by its dotted key.
func (c *Config) Get(key string) (string, error) {
	switch key {
	case "repository":
		return c.Repository, nil
	case "store.driver":
		return c.Store.Driver, nil
	case "store.path":
		return c.Store.Path, nil
	case "store.poll_interval":
		return c.Store.PollInterval.D().String(), nil
	case "locks.sweep_interval":
		return c.Locks.SweepInterval.D().String(), nil
	case "locks.extension_window":
		return c.Locks.ExtensionWindow.D().String(), nil
	case "locks.enforce_timeout":
		return c.Locks.EnforceTimeout.D().String(), nil
	case "locks.retry_attempts":
		return strconv.Itoa(c.Locks.RetryAttempts), nil
	case "logging.level":
		return c.Logging.Level, nil
	case "logging.format":
		return c.Logging.Format, nil
	case "audit.path":
		return c.Audit.Path, nil
	case "metrics.enabled":
		return strconv.FormatBool(c.Metrics.Enabled), nil
	case "webhooks.max_retries":
		return strconv.Itoa(c.Webhooks.MaxRetries), nil
	case "webhooks.retry_delay":
		return c.Webhooks.RetryDelay.D().String(), nil
	case "webhooks.queue_size":
		return strconv.Itoa(c.Webhooks.QueueSize), nil
	default:
		return "", errclass.ErrConfigInvalid.WithMessagef("unknown key %q", key)
	}
}

// Set updates a single configuration value by its dotted key and revalidates.
func (c *Config) Set(key, value string) error {
	next := *c
	var err error
	switch key {
	case "repository":
		next.Repository = value
	case "store.driver":
		next.Store.Driver = value
	case "store.path":
		next.Store.Path = value
	case "store.poll_interval":
		err = setDuration(&next.Store.PollInterval, value)
	case "locks.sweep_interval":
		err = setDuration(&next.Locks.SweepInterval, value)
	case "locks.extension_window":
		err = setDuration(&next.Locks.ExtensionWindow, value)
	case "locks.enforce_timeout":
		err = setDuration(&next.Locks.EnforceTimeout, value)
	case "locks.retry_attempts":
		next.Locks.RetryAttempts, err = strconv.Atoi(value)
	case "logging.level":
		next.Logging.Level = value
	case "logging.format":
		next.Logging.Format = value
	case "audit.path":
		next.Audit.Path = value
	case "metrics.enabled":
		next.Metrics.Enabled, err = strconv.ParseBool(value)
	case "webhooks.max_retries":
		next.Webhooks.MaxRetries, err = strconv.Atoi(value)
	case "webhooks.retry_delay":
		err = setDuration(&next.Webhooks.RetryDelay, value)
	case "webhooks.queue_size":
		next.Webhooks.QueueSize, err = strconv.Atoi(value)
	default:
		return errclass.ErrConfigInvalid.WithMessagef("unknown key %q", key)
	}
	if err != nil {
		return errclass.ErrConfigInvalid.WithMessagef("invalid value for %s: %v", key, err)
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*c = next
	return nil
}

func setDuration(dst *Duration, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return err
	}
	*dst = Duration(d)
	return nil
}
