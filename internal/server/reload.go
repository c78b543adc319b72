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

package server

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/jeremyhahn/go-tcsd/internal/config"
)

// Reload applies the parts of cfg that can change without a restart.
// Currently that is the logging configuration; listeners, device and limits
// need a restart.
func (s *Server) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Reloading server configuration...")
	s.reloadLogging(cfg)

	if cfg.Server != s.config.Server || cfg.Device != s.config.Device {
		s.logger.Warn("Server and device changes take effect after a restart")
	}
	s.config.Logging.Level = cfg.Logging.Level
	s.logger.Info("Server configuration reloaded successfully")
	return nil
}

// reloadLogging applies a new level to the running logger. Every component
// logger shares the level, so the change is seen daemon wide. The output
// format is fixed when the handlers are built and needs a restart.
func (s *Server) reloadLogging(cfg *config.Config) {
	if cfg.Logging == s.config.Logging {
		return
	}
	s.logger.Info("Updating logging configuration",
		slog.String("old_level", s.config.Logging.Level),
		slog.String("new_level", cfg.Logging.Level))

	s.level.Set(parseLevel(cfg.Logging.Level))
	if !strings.EqualFold(cfg.Logging.Format, s.config.Logging.Format) {
		s.logger.Warn("Log format changes take effect after a restart",
			slog.String("format", s.config.Logging.Format),
			slog.String("requested", cfg.Logging.Format))
	}

	s.logger.Info("Logging configuration updated", slog.String("level", cfg.Logging.Level))
}
