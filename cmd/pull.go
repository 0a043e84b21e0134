// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgsync/pgsync/cmd/flags"
	"github.com/pgsync/pgsync/internal/progress"
	"github.com/pgsync/pgsync/pkg/orchestrator"
)

func pullCmd() *cobra.Command {
	pull := &cobra.Command{
		Use:   "pull",
		Short: "Incrementally sync a target database from its source",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			svc, err := connect(ctx, flags.SyncConnection())
			if err != nil {
				return err
			}
			defer svc.Close()

			opts := orchestrator.Options{
				Tables:          flags.Tables(),
				Views:           flags.Views(),
				IncludeExcluded: flags.IncludeExcluded(),
				ExcludedTables:  svc.Excluded,
				DryRun:          flags.DryRun(),
				SkipBackup:      flags.SkipBackup(),
				BatchSize:       flags.BatchSize(),
				Force:           flags.Force(),
				AnalyzeOnly:     flags.AnalyzeOnly(),
				SkipSequences:   flags.SkipSequences(),
				Confirm:         confirmUnlessForce,
				Progress:        progress.NewTableProgress,
			}

			o := orchestrator.New(svc.Adapter, svc.BackupMgr, logger, svc.Retry)

			sp := progress.Start("Syncing...")
			results, err := o.Pull(ctx, svc.SrcCfg, svc.TgtCfg, svc.Src, svc.Tgt, opts)
			if err != nil {
				sp.Fail(fmt.Sprintf("Pull failed: %s", err))
				return err
			}
			sp.Success("Pull complete")

			progress.PrintResults(results)
			return nil
		},
	}

	flags.PullFlags(pull)

	return pull
}

func confirmUnlessForce(prompt string) bool {
	if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
		// Non-interactive: stdin is not a terminal, so there is no one to ask.
		return true
	}
	return progress.Confirm(prompt)
}
