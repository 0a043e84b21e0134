// SPDX-License-Identifier: Apache-2.0

// Package flags declares the CLI flags shared across pull/clone/restore
// and exposes their resolved values via viper.
package flags

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// SyncConnection returns the --sync-connection flag's value, the name of
// the connections.<name> block to use.
func SyncConnection() string {
	return viper.GetString("SYNC_CONNECTION")
}

func Force() bool           { return viper.GetBool("FORCE") }
func Tables() []string      { return viper.GetStringSlice("TABLES") }
func Views() []string       { return viper.GetStringSlice("VIEWS") }
func IncludeExcluded() bool { return viper.GetBool("INCLUDE_EXCLUDED") }
func DryRun() bool          { return viper.GetBool("DRY_RUN") }
func SkipBackup() bool      { return viper.GetBool("SKIP_BACKUP") }
func BatchSize() int        { return viper.GetInt("BATCH_SIZE") }
func MemoryLimit() int      { return viper.GetInt("MEMORY_LIMIT") }
func LogLevel() string      { return viper.GetString("LOG_LEVEL") }

func AnalyzeOnly() bool   { return viper.GetBool("ANALYZE_ONLY") }
func SkipSequences() bool { return viper.GetBool("SKIP_SEQUENCES") }

func SkipViews() bool    { return viper.GetBool("SKIP_VIEWS") }
func SkipSyncData() bool { return viper.GetBool("SKIP_SYNC_DATA") }

func ListBackups() bool { return viper.GetBool("LIST") }

// SyncFlags registers the flags common to pull and clone.
func SyncFlags(cmd *cobra.Command) {
	cmd.Flags().String("sync-connection", "", "Named connection from the config file to sync")
	cmd.Flags().Bool("force", false, "Skip the confirmation prompt")
	cmd.Flags().StringSlice("tables", nil, "Tables to limit the sync to (repeatable or comma-separated)")
	cmd.Flags().StringSlice("views", nil, "Views to limit the sync to (repeatable or comma-separated)")
	cmd.Flags().Bool("include-excluded", false, "Sync tables listed in excluded_tables anyway")
	cmd.Flags().Bool("dry-run", false, "Print the sync plan without applying it")
	cmd.Flags().Bool("skip-backup", false, "Skip creating a backup before syncing")
	cmd.Flags().Int("batch-size", 10000, "Row batch size for paged reads and writes")
	cmd.Flags().Int("memory-limit", -1, "Memory limit in MB, -1 for unrestricted")

	viper.BindPFlag("SYNC_CONNECTION", cmd.Flags().Lookup("sync-connection"))
	viper.BindPFlag("FORCE", cmd.Flags().Lookup("force"))
	viper.BindPFlag("TABLES", cmd.Flags().Lookup("tables"))
	viper.BindPFlag("VIEWS", cmd.Flags().Lookup("views"))
	viper.BindPFlag("INCLUDE_EXCLUDED", cmd.Flags().Lookup("include-excluded"))
	viper.BindPFlag("DRY_RUN", cmd.Flags().Lookup("dry-run"))
	viper.BindPFlag("SKIP_BACKUP", cmd.Flags().Lookup("skip-backup"))
	viper.BindPFlag("BATCH_SIZE", cmd.Flags().Lookup("batch-size"))
	viper.BindPFlag("MEMORY_LIMIT", cmd.Flags().Lookup("memory-limit"))
}

// PullFlags registers pull's extra flags on top of SyncFlags.
func PullFlags(cmd *cobra.Command) {
	SyncFlags(cmd)
	cmd.Flags().Bool("analyze-only", false, "Print the analysis and exit without syncing")
	cmd.Flags().Bool("skip-sequences", false, "Skip resetting sequences after sync")

	viper.BindPFlag("ANALYZE_ONLY", cmd.Flags().Lookup("analyze-only"))
	viper.BindPFlag("SKIP_SEQUENCES", cmd.Flags().Lookup("skip-sequences"))
}

// CloneFlags registers clone's extra flags on top of SyncFlags.
func CloneFlags(cmd *cobra.Command) {
	SyncFlags(cmd)
	cmd.Flags().Bool("skip-views", false, "Skip dropping, recreating and syncing views")
	cmd.Flags().Bool("skip-sync-data", false, "Recreate structure only, skip syncing row data")

	viper.BindPFlag("SKIP_VIEWS", cmd.Flags().Lookup("skip-views"))
	viper.BindPFlag("SKIP_SYNC_DATA", cmd.Flags().Lookup("skip-sync-data"))
}

// RestoreFlags registers restore's flags.
func RestoreFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("list", false, "List available backups instead of restoring one")
	viper.BindPFlag("LIST", cmd.Flags().Lookup("list"))
}
