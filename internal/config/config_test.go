package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if len(cfg.Tiers) != 3 {
		t.Fatalf("expected 3 default tiers, got %d", len(cfg.Tiers))
	}
	if cfg.Tiers[0].Name != "sidecar" || !cfg.Tiers[0].RequiresHandshake {
		t.Errorf("sidecar tier misconfigured: %+v", cfg.Tiers[0])
	}
	if cfg.Probe.IntervalSec != 5 {
		t.Errorf("expected probe interval 5, got %d", cfg.Probe.IntervalSec)
	}
	if !strings.Contains(cfg.Storage.Path, "advisorlink") {
		t.Errorf("storage path should contain advisorlink: %s", cfg.Storage.Path)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if path == "" {
		t.Error("ConfigPath returned empty string")
	}
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.toml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg == nil {
		t.Fatal("Load returned nil config")
	}
	if cfg.Probe.IntervalSec != 5 {
		t.Errorf("expected default probe interval, got %d", cfg.Probe.IntervalSec)
	}
}

func TestLoadValidTOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	content := `
[probe]
interval_sec = 7
timeout_ms = 900

[storage]
path = "/custom/path/advisorlink.db"

[[tiers]]
name = "sidecar"
endpoint = "http://127.0.0.1:9461"
priority = 30
requires_handshake = true
mode = "quad_core"

[[tiers]]
name = "cloud"
endpoint = "https://api.advisor.example.com"
priority = 10
mode = "cloud_only"
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Probe.IntervalSec != 7 {
		t.Errorf("expected probe interval 7, got %d", cfg.Probe.IntervalSec)
	}
	if cfg.ProbeTimeout() != 900*time.Millisecond {
		t.Errorf("expected probe timeout 900ms, got %v", cfg.ProbeTimeout())
	}
	if len(cfg.Tiers) != 2 {
		t.Fatalf("expected 2 tiers, got %d", len(cfg.Tiers))
	}
	if cfg.Storage.Path != "/custom/path/advisorlink.db" {
		t.Errorf("unexpected storage path: %s", cfg.Storage.Path)
	}
	// Sections omitted from the file keep defaults.
	if cfg.Reconcile.IntervalSec != 10 {
		t.Errorf("expected default reconcile interval, got %d", cfg.Reconcile.IntervalSec)
	}
}

func TestLoadValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
probe:
  interval_sec: 3
  timeout_ms: 500
tiers:
  - name: local
    endpoint: http://127.0.0.1:9470
    priority: 20
    mode: local
  - name: cloud
    endpoint: https://api.advisor.example.com
    priority: 10
    mode: cloud_only
`
	if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Probe.IntervalSec != 3 {
		t.Errorf("expected probe interval 3, got %d", cfg.Probe.IntervalSec)
	}
	if len(cfg.Tiers) != 2 || cfg.Tiers[0].Name != "local" {
		t.Errorf("unexpected tiers: %+v", cfg.Tiers)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "no tiers",
			mutate:  func(c *Config) { c.Tiers = nil },
			wantErr: ErrNoTiers,
		},
		{
			name: "no fallback",
			mutate: func(c *Config) {
				c.Tiers = c.Tiers[:2] // drops the cloud tier
			},
			wantErr: ErrNoFallbackTier,
		},
		{
			name: "duplicate tier",
			mutate: func(c *Config) {
				c.Tiers = append(c.Tiers, c.Tiers[0])
			},
			wantErr: ErrDuplicateTier,
		},
		{
			name: "bad endpoint",
			mutate: func(c *Config) {
				c.Tiers[0].Endpoint = "ftp://nope"
			},
			wantErr: ErrInvalidEndpoint,
		},
		{
			name:    "zero probe interval",
			mutate:  func(c *Config) { c.Probe.IntervalSec = 0 },
			wantErr: ErrInvalidInterval,
		},
		{
			name:    "empty storage path",
			mutate:  func(c *Config) { c.Storage.Path = "" },
			wantErr: ErrStoragePathEmpty,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("ADVISORLINK_LOG_LEVEL", "debug")
	t.Setenv("ADVISORLINK_PROBE_INTERVAL_SEC", "9")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Logging.Level)
	}
	if cfg.Probe.IntervalSec != 9 {
		t.Errorf("expected probe interval 9, got %d", cfg.Probe.IntervalSec)
	}
}

func TestLoaderReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	writeConfig := func(interval int) {
		content := `
[probe]
interval_sec = ` + strconv.Itoa(interval) + `

[[tiers]]
name = "cloud"
endpoint = "https://api.advisor.example.com"
priority = 10
mode = "cloud_only"
`
		if err := os.WriteFile(configPath, []byte(content), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	writeConfig(5)

	loader := NewLoader(configPath)
	defer loader.Close()

	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Probe.IntervalSec != 5 {
		t.Fatalf("expected interval 5, got %d", cfg.Probe.IntervalSec)
	}

	changed := make(chan *Config, 1)
	loader.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeConfig(8)

	select {
	case c := <-changed:
		if c.Probe.IntervalSec != 8 {
			t.Errorf("expected reloaded interval 8, got %d", c.Probe.IntervalSec)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
