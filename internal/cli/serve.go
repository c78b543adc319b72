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

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-tcsd/internal/config"
	"github.com/jeremyhahn/go-tcsd/internal/server"
)

func newServeCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		Long: `Run the daemon in the foreground until SIGINT or SIGTERM.
SIGHUP re-reads the config file and applies the logging section.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, v)
		},
	}
}

func loadConfig(v *viper.Viper) (*config.Config, error) {
	path := v.GetString(keyConfig)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if level := v.GetString(keyLogLevel); level != "" {
		cfg.Logging.Level = level
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		_ = srv.Shutdown()
		return fmt.Errorf("failed to start server: %w", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ctx := cmd.Context()
	for {
		select {
		case <-ctx.Done():
			if err := srv.Shutdown(); err != nil {
				return fmt.Errorf("error during shutdown: %w", err)
			}
			slog.Info("Server stopped successfully")
			return nil
		case <-hup:
			next, err := loadConfig(v)
			if err != nil {
				slog.Error("Failed to reload configuration", slog.Any("error", err))
				continue
			}
			if err := srv.Reload(next); err != nil {
				slog.Error("Failed to apply configuration", slog.Any("error", err))
			}
		}
	}
}
