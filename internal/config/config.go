// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-tcsd.
//
// go-tcsd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads the daemon configuration from YAML, applies TCSD_*
// environment overrides and validates the result.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-tcsd/internal/dispatch"
)

// DefaultPort is the conventional TCS daemon port.
const DefaultPort = 30003

// Config represents the complete daemon configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Limits    LimitsConfig    `yaml:"limits"`
	RemoteOps []string        `yaml:"remote_ops"`
	Features  FeaturesConfig  `yaml:"features"`
	Device    DeviceConfig    `yaml:"device"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Health    HealthConfig    `yaml:"health"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// ServerConfig contains listener and worker settings
type ServerConfig struct {
	Host string `yaml:"host"`
	// Port 0 disables the TCP listener.
	Port       int    `yaml:"port"`
	UnixSocket string `yaml:"unix_socket"`
	// MaxThreads caps concurrently served connections.
	MaxThreads int `yaml:"max_threads"`
	// ReadTimeout bounds how long a connection may sit idle between
	// requests. Zero waits forever.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// ShutdownTimeout bounds the wait for workers on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LimitsConfig bounds per-process resources
type LimitsConfig struct {
	MaxAuths int `yaml:"max_auths"`
}

// FeaturesConfig selects which ordinals are served
type FeaturesConfig struct {
	Disabled []string `yaml:"disabled"`
}

// DeviceConfig selects the TPM
type DeviceConfig struct {
	Type string `yaml:"type"` // tpm, simulator
	Path string `yaml:"path"`
	// KeySlots overrides the slot count reported by the device.
	KeySlots     int `yaml:"key_slots"`
	SessionSlots int `yaml:"session_slots"`
}

// StorageConfig controls the persistent key registry
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory, file
	Path    string `yaml:"path"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	CollectInterval time.Duration `yaml:"collect_interval"`
}

// HealthConfig controls the probe endpoints, served on the metrics port
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Path         string        `yaml:"path"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// RateLimitConfig throttles connection attempts per peer
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	ConnectionsPerMin int  `yaml:"connections_per_min"`
	Burst             int  `yaml:"burst"`
}

// Default returns the configuration used for keys a file leaves unset.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            DefaultPort,
			MaxThreads:      10,
			ShutdownTimeout: 30 * time.Second,
		},
		Limits: LimitsConfig{MaxAuths: 1024},
		Device: DeviceConfig{
			Type: "tpm",
			Path: "/dev/tpm0",
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    "/var/lib/tcsd",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Host:            "127.0.0.1",
			Port:            9090,
			Path:            "/metrics",
			CollectInterval: 30 * time.Second,
		},
		Health: HealthConfig{
			Path:         "/health",
			ProbeTimeout: 2 * time.Second,
		},
		RateLimit: RateLimitConfig{
			ConnectionsPerMin: 600,
		},
	}
}

// Load reads configuration from a YAML file over the defaults and applies
// environment overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 - Config file path is provided by admin
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		slog.Warn("Ignoring invalid environment override", "name", name, "value", v)
		return
	}
	*dst = n
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envList(name string, dst *[]string) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// applyEnvOverrides applies TCSD_* environment variables
func applyEnvOverrides(cfg *Config) {
	envString("TCSD_HOST", &cfg.Server.Host)
	envInt("TCSD_PORT", &cfg.Server.Port)
	envString("TCSD_UNIX_SOCKET", &cfg.Server.UnixSocket)
	envInt("TCSD_MAX_THREADS", &cfg.Server.MaxThreads)
	envInt("TCSD_MAX_AUTHS", &cfg.Limits.MaxAuths)
	envList("TCSD_REMOTE_OPS", &cfg.RemoteOps)

	envString("TCSD_DEVICE_TYPE", &cfg.Device.Type)
	envString("TCSD_DEVICE_PATH", &cfg.Device.Path)
	envInt("TCSD_KEY_SLOTS", &cfg.Device.KeySlots)

	envString("TCSD_STORAGE_BACKEND", &cfg.Storage.Backend)
	envString("TCSD_STORAGE_PATH", &cfg.Storage.Path)

	envString("TCSD_LOG_LEVEL", &cfg.Logging.Level)
	envString("TCSD_LOG_FORMAT", &cfg.Logging.Format)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Server.Port == 0 && c.Server.UnixSocket == "" {
		return fmt.Errorf("at least one of server.port or server.unix_socket must be set")
	}
	if c.Server.MaxThreads < 1 {
		return fmt.Errorf("server.max_threads must be positive, got %d", c.Server.MaxThreads)
	}
	if c.Limits.MaxAuths < 1 {
		return fmt.Errorf("limits.max_auths must be positive, got %d", c.Limits.MaxAuths)
	}

	if _, err := c.RemoteOrdinals(); err != nil {
		return fmt.Errorf("remote_ops: %w", err)
	}
	if _, err := c.DisabledOrdinals(); err != nil {
		return fmt.Errorf("features.disabled: %w", err)
	}

	switch c.Device.Type {
	case "tpm":
		if c.Device.Path == "" {
			return fmt.Errorf("device.path is required for a tpm device")
		}
	case "simulator":
		if c.Device.KeySlots < 0 || c.Device.SessionSlots < 0 {
			return fmt.Errorf("device slot counts cannot be negative")
		}
	default:
		return fmt.Errorf("invalid device type: %s (must be tpm or simulator)", c.Device.Type)
	}

	switch c.Storage.Backend {
	case "memory":
	case "file":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the file backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be memory or file)", c.Storage.Backend)
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Logging.Format = strings.ToLower(c.Logging.Format)
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be json, text, or console)", c.Logging.Format)
	}

	if c.Metrics.Enabled || c.Health.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.ConnectionsPerMin < 1 {
		return fmt.Errorf("ratelimit.connections_per_min must be positive when enabled")
	}
	return nil
}

// RemoteOrdinals parses remote_ops. An empty list permits every ordinal to
// remote peers.
func (c *Config) RemoteOrdinals() ([]dispatch.Ordinal, error) {
	return dispatch.ParseOrdinals(c.RemoteOps)
}

// DisabledOrdinals parses features.disabled.
func (c *Config) DisabledOrdinals() ([]dispatch.Ordinal, error) {
	return dispatch.ParseOrdinals(c.Features.Disabled)
}

// TCPAddress returns host:port for the TCP listener, or "" if disabled.
func (c *Config) TCPAddress() string {
	if c.Server.Port == 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
