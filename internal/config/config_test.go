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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-tcsd/internal/dispatch"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tcsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Success(t *testing.T) {
	path := writeConfig(t, `
server:
  host: "0.0.0.0"
  port: 30004
  unix_socket: "/run/tcsd.sock"
  max_threads: 4
  read_timeout: 30s
limits:
  max_auths: 16
remote_ops:
  - OpenContext
  - CloseContext
  - TCSD_ORD_GETRANDOM
features:
  disabled: [StirRandom]
device:
  type: simulator
  key_slots: 3
  session_slots: 8
storage:
  backend: memory
logging:
  level: debug
  format: text
metrics:
  enabled: true
  port: 9191
ratelimit:
  enabled: true
  connections_per_min: 30
  burst: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:30004", cfg.TCPAddress())
	assert.Equal(t, "/run/tcsd.sock", cfg.Server.UnixSocket)
	assert.Equal(t, 4, cfg.Server.MaxThreads)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout, "default kept")
	assert.Equal(t, 16, cfg.Limits.MaxAuths)
	assert.Equal(t, "simulator", cfg.Device.Type)
	assert.Equal(t, 3, cfg.Device.KeySlots)
	assert.Equal(t, "/metrics", cfg.Metrics.Path, "default kept")

	remote, err := cfg.RemoteOrdinals()
	require.NoError(t, err)
	assert.Equal(t, []dispatch.Ordinal{dispatch.OrdOpenContext, dispatch.OrdCloseContext, dispatch.OrdGetRandom}, remote)
	disabled, err := cfg.DisabledOrdinals()
	require.NoError(t, err)
	assert.Equal(t, []dispatch.Ordinal{dispatch.OrdStirRandom}, disabled)
}

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:30003", cfg.TCPAddress())
	assert.Equal(t, 10, cfg.Server.MaxThreads)
	assert.Equal(t, 1024, cfg.Limits.MaxAuths)
	assert.Empty(t, cfg.RemoteOps)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "server: [not, a, map]"))
	assert.ErrorContains(t, err, "failed to parse config file")

	_, err = Load(writeConfig(t, "remote_ops: [NoSuchOrdinal]"))
	assert.ErrorContains(t, err, "remote_ops")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TCSD_PORT", "31000")
	t.Setenv("TCSD_MAX_THREADS", "2")
	t.Setenv("TCSD_LOG_LEVEL", "warn")
	t.Setenv("TCSD_DEVICE_TYPE", "simulator")
	t.Setenv("TCSD_STORAGE_BACKEND", "memory")
	t.Setenv("TCSD_REMOTE_OPS", "OIAP, OSAP")
	t.Setenv("TCSD_MAX_AUTHS", "not-a-number")

	cfg, err := Load(writeConfig(t, "server:\n  port: 30005\n"))
	require.NoError(t, err)
	assert.Equal(t, 31000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Server.MaxThreads)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "simulator", cfg.Device.Type)
	assert.Equal(t, []string{"OIAP", "OSAP"}, cfg.RemoteOps)
	assert.Equal(t, 1024, cfg.Limits.MaxAuths, "invalid override ignored")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid port"},
		{"no listener", func(c *Config) { c.Server.Port = 0 }, "at least one"},
		{"unix only", func(c *Config) { c.Server.Port = 0; c.Server.UnixSocket = "/tmp/s" }, ""},
		{"zero threads", func(c *Config) { c.Server.MaxThreads = 0 }, "max_threads"},
		{"zero auths", func(c *Config) { c.Limits.MaxAuths = 0 }, "max_auths"},
		{"bad device", func(c *Config) { c.Device.Type = "tpm2" }, "invalid device type"},
		{"tpm without path", func(c *Config) { c.Device.Path = "" }, "device.path"},
		{"bad storage", func(c *Config) { c.Storage.Backend = "s3" }, "invalid storage backend"},
		{"file without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "invalid log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "invalid log format"},
		{"bad metrics port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 0 }, "metrics port"},
		{"bad rate", func(c *Config) { c.RateLimit.Enabled = true; c.RateLimit.ConnectionsPerMin = 0 }, "ratelimit"},
		{"bad disabled", func(c *Config) { c.Features.Disabled = []string{"x"} }, "features.disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_NormalizesLogging(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "DEBUG"
	cfg.Logging.Format = "Console"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}
