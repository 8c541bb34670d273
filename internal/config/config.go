package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	minIntervalSeconds          = 1
	maxIntervalSeconds          = 3600
	minTelemetryIntervalSeconds = 5
	maxTelemetryIntervalSeconds = 86400
	minTopProcesses             = 1
	maxTopProcesses             = 500
)

// DefaultSocketPath is where the daemon listens unless overridden by
// config or environment. The tegrastats path is honoured as a legacy
// fallback for clients of earlier releases.
const (
	DefaultSocketPath = "/tmp/jetsonscope.sock"
	LegacySocketPath  = "/tmp/tegrastats.sock"
)

type Config struct {
	Daemon     DaemonConfig     `toml:"daemon"`
	Collection CollectionConfig `toml:"collection"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	HTTP       HTTPConfig       `toml:"http"`
	DBus       DBusConfig       `toml:"dbus"`
}

type DaemonConfig struct {
	SocketPath string `toml:"socket_path"`
	// AuthToken gates SetControl when non-empty. Read requests are
	// never gated.
	AuthToken string `toml:"auth_token"`
}

type CollectionConfig struct {
	IntervalSeconds int `toml:"interval_seconds"`
	// StatsCmd overrides the telemetry command line. Empty means
	// "tegrastats --interval <interval ms>".
	StatsCmd string `toml:"stats_cmd"`
	// EmulatorCmd is the second-tier source tried when the primary
	// command fails. Empty disables the tier.
	EmulatorCmd string `toml:"emulator_cmd"`
	// RelaySocket points at an upstream daemon whose parsed snapshots
	// take priority over local sources. Empty disables the relay.
	RelaySocket string `toml:"relay_socket"`
	// ForceEmulator skips the real telemetry command so the emulator
	// tier (or the synthetic fallback) serves instead.
	ForceEmulator bool `toml:"force_emulator"`
	// ForceSynthetic skips every real source, for demos and tests.
	ForceSynthetic bool `toml:"force_synthetic"`
}

type TelemetryConfig struct {
	// LogPath enables the health JSONL log when non-empty.
	LogPath         string `toml:"log_path"`
	IntervalSeconds int    `toml:"interval_seconds"`
}

type HTTPConfig struct {
	// Addr enables the metrics/debug HTTP listener when non-empty,
	// e.g. "127.0.0.1:9100".
	Addr         string `toml:"addr"`
	MetricsToken string `toml:"metrics_token"`
	DebugToken   string `toml:"debug_token"`
	TopProcesses int    `toml:"top_processes"`
}

type DBusConfig struct {
	Enabled bool `toml:"enabled"`
}

func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			SocketPath: DefaultSocketPath,
		},
		Collection: CollectionConfig{
			IntervalSeconds: 1,
		},
		Telemetry: TelemetryConfig{
			IntervalSeconds: 60,
		},
		HTTP: HTTPConfig{
			TopProcesses: 10,
		},
	}
}

// Load reads path, layers environment overrides on top, and
// validates. A missing file is not an error; defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	ApplyEnv(cfg)
	return NormalizeAndValidate(cfg)
}

// ApplyEnv overlays JETSONSCOPE_* environment variables, falling back
// to the TEGRA_* names earlier releases used.
func ApplyEnv(cfg *Config) {
	if v := envFirst("JETSONSCOPE_SOCKET_PATH", "TEGRA_SOCKET_PATH"); v != "" {
		cfg.Daemon.SocketPath = v
	}
	if v := envFirst("JETSONSCOPE_AUTH_TOKEN", "TEGRA_AUTH_TOKEN"); v != "" {
		cfg.Daemon.AuthToken = v
	}
	if v := envFirst("JETSONSCOPE_STATS_CMD", "TEGRASTATS_CMD"); v != "" {
		cfg.Collection.StatsCmd = v
	}
	if v := os.Getenv("JETSONSCOPE_RELAY_SOCKET"); v != "" {
		cfg.Collection.RelaySocket = v
	}
	switch strings.ToLower(envFirst("JETSONSCOPE_TUI_MODE", "TEGRA_TUI_MODE")) {
	case "emulator", "fake", "dummy":
		cfg.Collection.ForceEmulator = true
	}
	if v := os.Getenv("JETSONSCOPE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("JETSONSCOPE_METRICS_TOKEN"); v != "" {
		cfg.HTTP.MetricsToken = v
	}
	if v := os.Getenv("JETSONSCOPE_DEBUG_TOKEN"); v != "" {
		cfg.HTTP.DebugToken = v
	}
	if v := os.Getenv("JETSONSCOPE_TELEMETRY_LOG"); v != "" {
		cfg.Telemetry.LogPath = v
	}
	if v := os.Getenv("JETSONSCOPE_TELEMETRY_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Telemetry.IntervalSeconds = n
		}
	}
}

func envFirst(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func NormalizeAndValidate(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	sanitized := *cfg

	var err error
	sanitized.Daemon.SocketPath, err = sanitizePath("daemon.socket_path", sanitized.Daemon.SocketPath)
	if err != nil {
		return nil, err
	}
	if sanitized.Telemetry.LogPath != "" {
		sanitized.Telemetry.LogPath, err = sanitizePath("telemetry.log_path", sanitized.Telemetry.LogPath)
		if err != nil {
			return nil, err
		}
	}

	if err := validateRange("collection.interval_seconds", sanitized.Collection.IntervalSeconds, minIntervalSeconds, maxIntervalSeconds); err != nil {
		return nil, err
	}
	if err := validateRange("telemetry.interval_seconds", sanitized.Telemetry.IntervalSeconds, minTelemetryIntervalSeconds, maxTelemetryIntervalSeconds); err != nil {
		return nil, err
	}
	if err := validateRange("http.top_processes", sanitized.HTTP.TopProcesses, minTopProcesses, maxTopProcesses); err != nil {
		return nil, err
	}

	return &sanitized, nil
}

// Save writes the config atomically via a temp file and rename.
func Save(path string, cfg *Config) error {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return fmt.Errorf("config path must not be empty")
	}

	sanitized, err := NormalizeAndValidate(cfg)
	if err != nil {
		return err
	}

	var data bytes.Buffer
	if err := toml.NewEncoder(&data).Encode(sanitized); err != nil {
		return fmt.Errorf("encode config TOML: %w", err)
	}

	dir := filepath.Dir(trimmedPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data.Bytes()); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, trimmedPath); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	tmpPath = ""

	return nil
}

func sanitizePath(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	cleaned := filepath.Clean(trimmed)
	if !filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%s must be an absolute path, got %q", name, value)
	}
	return cleaned, nil
}

func validateRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}

	return nil
}
