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

// Package cli implements the tcsd command line.
package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Viper keys shared by flags and TCSD_* environment variables.
const (
	keyConfig   = "config"
	keyLogLevel = "log-level"
	keyOutput   = "output"
)

// NewRootCommand builds the tcsd command tree. Each call gets its own viper
// instance so tests can run commands side by side.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("TCSD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "tcsd",
		Short: "TPM 1.2 command service daemon",
		Long: `tcsd serializes access to a TPM 1.2 device for local and remote
clients. It manages the device's key slots and authorization sessions on
behalf of every connected context and keeps a persistent key registry.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String(keyConfig, "", "config file (env TCSD_CONFIG)")
	flags.String(keyLogLevel, "", "override logging.level (debug, info, warn, error)")
	flags.StringP(keyOutput, "o", "text", "output format for informational commands (text, json)")
	for _, name := range []string{keyConfig, keyLogLevel, keyOutput} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(newServeCommand(v))
	root.AddCommand(newVersionCommand(v))
	return root
}

// Execute runs the root command until ctx is cancelled.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}
