// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pgsync/pgsync/cmd/flags"
	"github.com/pgsync/pgsync/internal/logging"
)

// Version is the pgsync version.
var Version = "development"

// logger is constructed once rootCmd's PersistentPreRunE has parsed
// --log-level, and used by every subcommand.
var logger *log.Logger

func init() {
	viper.SetEnvPrefix("PGSYNC")
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	viper.BindPFlag("LOG_LEVEL", rootCmd.PersistentFlags().Lookup("log-level"))
}

var rootCmd = &cobra.Command{
	Use:          "pgsync",
	Short:        "One-way PostgreSQL database synchronization",
	SilenceUsage: true,
	Version:      Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = logging.New(flags.LogLevel())
		if mb := flags.MemoryLimit(); mb > 0 {
			debug.SetMemoryLimit(int64(mb) * 1024 * 1024)
		}
		return nil
	},
}

// Execute executes the root command. Its context is cancelled on
// SIGINT/SIGTERM so an in-flight pull or clone can tear down its SSH
// tunnel rather than leaving the forwarded port behind; a run ended by
// such a signal returns nil, so the process exits with status 0.
// Statements already applied to the target are not rolled back.
func Execute() error {
	rootCmd.AddCommand(pullCmd())
	rootCmd.AddCommand(cloneCmd())
	rootCmd.AddCommand(restoreCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
