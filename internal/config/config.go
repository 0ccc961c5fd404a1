// Package config handles configuration loading, validation, and management
// for advisorlink.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"advisorlink/internal/tier"
)

// Config holds the complete client-core configuration.
type Config struct {
	// Tiers is the service tier hierarchy, one entry per candidate
	// backend. Priority orders the hierarchy; higher wins.
	Tiers []TierConfig `toml:"tiers" json:"tiers" yaml:"tiers"`

	// Probe configuration for the connection state machine.
	Probe ProbeConfig `toml:"probe" json:"probe" yaml:"probe"`

	// Handshake configuration for capability negotiation.
	Handshake HandshakeConfig `toml:"handshake" json:"handshake" yaml:"handshake"`

	// Reconcile configuration for conversation polling.
	Reconcile ReconcileConfig `toml:"reconcile" json:"reconcile" yaml:"reconcile"`

	// Storage configuration for client-local persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// TierConfig describes one candidate backend service.
type TierConfig struct {
	// Name identifies the tier: "sidecar", "local", or "cloud".
	Name string `toml:"name" json:"name" yaml:"name"`

	// Endpoint is the base URL of the tier.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	// Priority orders the hierarchy; higher values are probed first.
	Priority int `toml:"priority" json:"priority" yaml:"priority"`

	// RequiresHandshake marks tiers that need a successful capability
	// handshake before the mode may promote to them.
	RequiresHandshake bool `toml:"requires_handshake" json:"requires_handshake" yaml:"requires_handshake"`

	// Mode is the connection mode name this tier maps to:
	// "quad_core", "local", or "cloud_only".
	Mode string `toml:"mode" json:"mode" yaml:"mode"`
}

// ProbeConfig holds probe cycle configuration.
type ProbeConfig struct {
	// IntervalSec is the probe cycle interval in seconds.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// TimeoutMs is the per-probe request timeout in milliseconds.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// HandshakeConfig holds capability negotiation configuration.
type HandshakeConfig struct {
	// RequestedCapabilities is the capability set requested from each
	// quad-core-eligible tier. Grants may be a subset.
	RequestedCapabilities []string `toml:"requested_capabilities" json:"requested_capabilities" yaml:"requested_capabilities"`

	// SessionTTLSec bounds cached session validity in seconds. A cached
	// session older than this is renegotiated on the next cycle.
	SessionTTLSec int `toml:"session_ttl_sec" json:"session_ttl_sec" yaml:"session_ttl_sec"`

	// TimeoutMs is the handshake request timeout in milliseconds.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// ReconcileConfig holds conversation reconciliation configuration.
type ReconcileConfig struct {
	// IntervalSec is the poll interval in seconds.
	IntervalSec int `toml:"interval_sec" json:"interval_sec" yaml:"interval_sec"`

	// TimeoutMs is the poll request timeout in milliseconds.
	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// StorageConfig holds client-local persistence configuration.
type StorageConfig struct {
	// Path is the path to the sqlite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the output format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the destination: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file path when Output is "file".
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`
}

// Validation errors.
var (
	ErrNoTiers          = errors.New("config: at least one tier is required")
	ErrNoFallbackTier   = errors.New("config: a cloud_only fallback tier is required")
	ErrDuplicateTier    = errors.New("config: duplicate tier name")
	ErrInvalidEndpoint  = errors.New("config: tier endpoint must be an http(s) URL")
	ErrInvalidInterval  = errors.New("config: interval must be positive")
	ErrInvalidTimeout   = errors.New("config: timeout must be positive")
	ErrStoragePathEmpty = errors.New("config: storage path must not be empty")
)

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.Tiers) == 0 {
		return ErrNoTiers
	}

	seen := make(map[string]bool, len(c.Tiers))
	hasFallback := false
	for _, t := range c.Tiers {
		if seen[t.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateTier, t.Name)
		}
		seen[t.Name] = true

		if !strings.HasPrefix(t.Endpoint, "http://") && !strings.HasPrefix(t.Endpoint, "https://") {
			return fmt.Errorf("%w: tier %s has endpoint %q", ErrInvalidEndpoint, t.Name, t.Endpoint)
		}
		if t.Mode == "cloud_only" {
			hasFallback = true
		}
	}
	if !hasFallback {
		return ErrNoFallbackTier
	}

	if c.Probe.IntervalSec <= 0 {
		return fmt.Errorf("%w: probe.interval_sec = %d", ErrInvalidInterval, c.Probe.IntervalSec)
	}
	if c.Probe.TimeoutMs <= 0 {
		return fmt.Errorf("%w: probe.timeout_ms = %d", ErrInvalidTimeout, c.Probe.TimeoutMs)
	}
	if c.Reconcile.IntervalSec <= 0 {
		return fmt.Errorf("%w: reconcile.interval_sec = %d", ErrInvalidInterval, c.Reconcile.IntervalSec)
	}
	if c.Handshake.SessionTTLSec <= 0 {
		return fmt.Errorf("%w: handshake.session_ttl_sec = %d", ErrInvalidInterval, c.Handshake.SessionTTLSec)
	}
	if c.Storage.Path == "" {
		return ErrStoragePathEmpty
	}

	return nil
}

// ApplyEnvOverrides applies ADVISORLINK_* environment variable overrides.
// Only a small operational subset is overridable; the tier hierarchy
// itself comes from the config file.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("ADVISORLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ADVISORLINK_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("ADVISORLINK_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("ADVISORLINK_PROBE_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Probe.IntervalSec = n
		}
	}
}

// ProbeInterval returns the probe cycle interval as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.Probe.IntervalSec) * time.Second
}

// ProbeTimeout returns the per-probe timeout as a duration.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutMs) * time.Millisecond
}

// ReconcileInterval returns the reconcile poll interval as a duration.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Reconcile.IntervalSec) * time.Second
}

// SessionTTL returns the handshake session validity bound as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Handshake.SessionTTLSec) * time.Second
}

// HandshakeTimeout returns the handshake request timeout as a duration.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Handshake.TimeoutMs) * time.Millisecond
}

// TierList converts the configured tiers into the hierarchy's tier type.
// Assumes a validated config; an unparseable mode maps to cloud_only.
func (c *Config) TierList() []tier.Tier {
	tiers := make([]tier.Tier, 0, len(c.Tiers))
	for _, tc := range c.Tiers {
		mode, err := tier.ParseMode(tc.Mode)
		if err != nil {
			mode = tier.ModeCloudOnly
		}
		tiers = append(tiers, tier.Tier{
			Name:              tc.Name,
			Endpoint:          tc.Endpoint,
			Priority:          tc.Priority,
			RequiresHandshake: tc.RequiresHandshake,
			Mode:              mode,
		})
	}
	return tiers
}
