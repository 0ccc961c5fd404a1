package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Default tier endpoints. The sidecar and local backends are loopback
// services; the hosted backend is the fallback of last resort.
const (
	DefaultSidecarEndpoint = "http://127.0.0.1:9461"
	DefaultLocalEndpoint   = "http://127.0.0.1:9470"
	DefaultCloudEndpoint   = "https://api.advisor.example.com"
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Tiers: []TierConfig{
			{
				Name:              "sidecar",
				Endpoint:          DefaultSidecarEndpoint,
				Priority:          30,
				RequiresHandshake: true,
				Mode:              "quad_core",
			},
			{
				Name:     "local",
				Endpoint: DefaultLocalEndpoint,
				Priority: 20,
				Mode:     "local",
			},
			{
				Name:     "cloud",
				Endpoint: DefaultCloudEndpoint,
				Priority: 10,
				Mode:     "cloud_only",
			},
		},
		Probe: ProbeConfig{
			IntervalSec: 5,
			TimeoutMs:   1500,
		},
		Handshake: HandshakeConfig{
			RequestedCapabilities: []string{"persistence", "streaming", "context_upload"},
			SessionTTLSec:         30,
			TimeoutMs:             3000,
		},
		Reconcile: ReconcileConfig{
			IntervalSec: 10,
			TimeoutMs:   3000,
		},
		Storage: StorageConfig{
			Path:          filepath.Join(DataDir(), "advisorlink.db"),
			BusyTimeoutMs: 5000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// DataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/advisorlink/
//   - Linux:   $XDG_DATA_HOME/advisorlink/ or ~/.local/share/advisorlink/
//   - Windows: %APPDATA%\advisorlink\
//
// Falls back to ~/.advisorlink if platform detection fails.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "advisorlink")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "advisorlink")
		}
		return filepath.Join(home, ".advisorlink")
	case "linux":
		if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
			return filepath.Join(dataHome, "advisorlink")
		}
		return filepath.Join(home, ".local", "share", "advisorlink")
	default:
		return filepath.Join(home, ".advisorlink")
	}
}

// ConfigDir returns the platform-specific config directory.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "advisorlink")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "advisorlink")
		}
		return filepath.Join(home, ".advisorlink")
	case "linux":
		if cfgHome := os.Getenv("XDG_CONFIG_HOME"); cfgHome != "" {
			return filepath.Join(cfgHome, "advisorlink")
		}
		return filepath.Join(home, ".config", "advisorlink")
	default:
		return filepath.Join(home, ".advisorlink")
	}
}

// ConfigPath returns the default config file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}
