package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cleo/internal/restore"
)

func newRestoreCmd() *cobra.Command {
	var opts restore.Options
	cmd := &cobra.Command{
		Use:   "restore <id|path>",
		Short: "Restore the store from a backup",
		Long: "Restore verifies the backup, takes a safety backup of the current files and\n" +
			"copies the backup into place. If the restored store does not validate, the\n" +
			"safety backup is put back automatically.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				rep, err := a.restorer().Restore(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				return render(cmd, rep, func(w io.Writer) {
					fmt.Fprintf(w, "Restored %d file(s) from %s\n", len(rep.RestoredFiles), rep.BackupID)
					if !rep.Verified {
						fmt.Fprintln(w, "  warning: backup failed verification and was restored with --force")
					}
					if rep.SafetyBackupID != "" {
						fmt.Fprintf(w, "  safety backup: %s\n", rep.SafetyBackupID)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&opts.SpecificFile, "file", "", "restore only this file from the backup")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "restore even if the backup fails verification")
	return cmd
}
