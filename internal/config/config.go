// Package config loads and validates the daemon's configuration surface
// (§6), and supports SIGHUP hot-reload of its non-destructive fields.
package config

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// Destructive fields (require a process restart to take effect):
// SocketPath, OperatorSocketPath, QueueCapacity, MetricsAddr, ArchivePath.
//
// Non-destructive fields (copied by ApplyNonDestructive on SIGHUP):
// DefaultCooldownNS, DefaultPullTimeoutNS, MaxPushedAtomID,
// AlarmAlignmentNS, LogLossHistoryCap, OverflowHistoryCap,
// MaxSubscribersPerTag, ArchiveRetentionDays, LogLevel. The daemon keeps
// the reloaded values in its own Config copy; components that were built
// from the startup Config keep the values they were constructed with.
type Config struct {
	SocketPath string `yaml:"socket_path"`

	QueueCapacity        int    `yaml:"queue_capacity"`
	DefaultCooldownNS    int64  `yaml:"default_cooldown_ns"`
	DefaultPullTimeoutNS int64  `yaml:"default_pull_timeout_ns"`
	MaxPushedAtomID      uint32 `yaml:"max_pushed_atom_id"`
	AlarmAlignmentNS     int64  `yaml:"alarm_alignment_ns"`
	LogLossHistoryCap    int    `yaml:"log_loss_history_cap"`
	OverflowHistoryCap   int    `yaml:"overflow_history_cap"`
	MaxSubscribersPerTag int    `yaml:"max_subscribers_per_tag"`

	OperatorSocketPath string `yaml:"operator_socket_path"`
	MetricsAddr        string `yaml:"metrics_addr"`

	ArchivePath          string `yaml:"archive_path"`
	ArchiveRetentionDays int    `yaml:"archive_retention_days"`

	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`
}

// Defaults returns a Config populated with §6's documented defaults.
func Defaults() *Config {
	return &Config{
		SocketPath:           "/dev/socket/statsdw",
		QueueCapacity:        2000,
		DefaultCooldownNS:    1_000_000_000,
		DefaultPullTimeoutNS: 10_000_000_000,
		MaxPushedAtomID:      10000,
		AlarmAlignmentNS:     1_000_000_000,
		LogLossHistoryCap:    20,
		OverflowHistoryCap:   20,
		MaxSubscribersPerTag: 64,
		OperatorSocketPath:   "/run/statsd/operator.sock",
		MetricsAddr:          "127.0.0.1:9102",
		ArchivePath:          "/var/lib/statsd/diagnostics.db",
		ArchiveRetentionDays: 7,
		LogLevel:             "info",
		LogDevelopment:       false,
	}
}

// Load reads a YAML file at path, overlays it onto Defaults(), and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate accumulates every violation into a single combined error rather
// than returning on the first one found.
func (c *Config) Validate() error {
	var errs error
	req := func(cond bool, msg string) {
		if !cond {
			errs = multierr.Append(errs, fmt.Errorf("%s", msg))
		}
	}

	req(c.SocketPath != "", "socket_path must be set")
	req(c.QueueCapacity > 0, "queue_capacity must be > 0")
	req(c.DefaultCooldownNS >= 0, "default_cooldown_ns must be >= 0")
	req(c.DefaultPullTimeoutNS > 0, "default_pull_timeout_ns must be > 0")
	req(c.AlarmAlignmentNS > 0, "alarm_alignment_ns must be > 0")
	req(c.LogLossHistoryCap > 0, "log_loss_history_cap must be > 0")
	req(c.OverflowHistoryCap > 0, "overflow_history_cap must be > 0")
	req(c.MaxSubscribersPerTag >= 0, "max_subscribers_per_tag must be >= 0")
	req(c.OperatorSocketPath != "", "operator_socket_path must be set")
	req(c.MetricsAddr != "", "metrics_addr must be set")
	req(c.ArchivePath != "", "archive_path must be set")
	req(c.ArchiveRetentionDays > 0, "archive_retention_days must be > 0")
	req(isValidLogLevel(c.LogLevel), "log_level must be one of debug, info, warn, error")

	return errs
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// DestructiveDiff reports whether any field requiring a restart differs
// between c and other.
func (c *Config) DestructiveDiff(other *Config) bool {
	return c.SocketPath != other.SocketPath ||
		c.OperatorSocketPath != other.OperatorSocketPath ||
		c.QueueCapacity != other.QueueCapacity ||
		c.MetricsAddr != other.MetricsAddr ||
		c.ArchivePath != other.ArchivePath
}

// ApplyNonDestructive copies every hot-reloadable field from src into c.
// Destructive fields are left untouched; callers should have already
// checked DestructiveDiff and logged a restart-required warning.
func (c *Config) ApplyNonDestructive(src *Config) {
	c.DefaultCooldownNS = src.DefaultCooldownNS
	c.DefaultPullTimeoutNS = src.DefaultPullTimeoutNS
	c.MaxPushedAtomID = src.MaxPushedAtomID
	c.AlarmAlignmentNS = src.AlarmAlignmentNS
	c.LogLossHistoryCap = src.LogLossHistoryCap
	c.OverflowHistoryCap = src.OverflowHistoryCap
	c.MaxSubscribersPerTag = src.MaxSubscribersPerTag
	c.ArchiveRetentionDays = src.ArchiveRetentionDays
	c.LogLevel = src.LogLevel
}
