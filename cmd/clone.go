// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pgsync/pgsync/cmd/flags"
	"github.com/pgsync/pgsync/internal/progress"
	"github.com/pgsync/pgsync/pkg/orchestrator"
)

func cloneCmd() *cobra.Command {
	clone := &cobra.Command{
		Use:   "clone",
		Short: "Drop and recreate a target database from its source",
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
				SkipViews:       flags.SkipViews(),
				SkipSyncData:    flags.SkipSyncData(),
				Confirm:         confirmUnlessForce,
				Progress:        progress.NewTableProgress,
			}

			o := orchestrator.New(svc.Adapter, svc.BackupMgr, logger, svc.Retry)

			sp := progress.Start("Cloning...")
			results, err := o.Clone(ctx, svc.SrcCfg, svc.TgtCfg, svc.Src, svc.Tgt, opts)
			if err != nil {
				sp.Fail(fmt.Sprintf("Clone failed: %s", err))
				return err
			}
			sp.Success("Clone complete")

			progress.PrintResults(results)
			return nil
		},
	}

	flags.CloneFlags(clone)

	return clone
}
