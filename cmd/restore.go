// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/pgsync/pgsync/cmd/flags"
)

func restoreCmd() *cobra.Command {
	restore := &cobra.Command{
		Use:   "restore [file]",
		Short: "Restore a target database from a backup file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			svc, err := connect(ctx, flags.SyncConnection())
			if err != nil {
				return err
			}
			defer svc.Close()

			if flags.ListBackups() {
				infos, err := svc.BackupMgr.List()
				if err != nil {
					return err
				}
				rows := pterm.TableData{{"name", "size", "modified"}}
				for _, info := range infos {
					rows = append(rows, []string{info.Name, info.HumanSize(), info.ModTime.Format("2006-01-02 15:04:05")})
				}
				return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
			}

			if len(args) == 0 {
				return fmt.Errorf("restore requires a backup file name unless --list is given")
			}

			backupInfo, err := svc.BackupMgr.Find(args[0])
			if err != nil {
				return err
			}

			sp, _ := pterm.DefaultSpinner.WithText(fmt.Sprintf("Restoring %s...", backupInfo.Name)).Start()
			if err := svc.BackupMgr.Restore(ctx, svc.TgtCfg, backupInfo.Path); err != nil {
				sp.Fail(fmt.Sprintf("Restore failed: %s", err))
				return err
			}
			sp.Success("Restore complete")

			return nil
		},
	}

	flags.RestoreFlags(restore)

	return restore
}
