package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cleo/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Convert the flat JSON files into the SQLite store",
		Long: "Migrate validates the flat JSON files, writes them to a temporary store,\n" +
			"verifies it, backs up the current store and swaps the new one into place.\n" +
			"An interrupted migration resumes where it stopped; --force discards the\n" +
			"interrupted state and starts over.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				rep, err := a.migrator().Run(cmd.Context(), migrate.Options{Force: force})
				if err != nil {
					return err
				}
				return render(cmd, rep, func(w io.Writer) { printMigrateReport(w, rep) })
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "discard interrupted migration state and migrate again")
	return cmd
}

func printMigrateReport(w io.Writer, rep *migrate.Report) {
	if rep.Skipped {
		fmt.Fprintf(w, "Nothing to migrate: %s\n", rep.SkipReason)
		return
	}
	if rep.Resumed {
		fmt.Fprintf(w, "Resumed interrupted migration from %s\n", rep.ResumedFrom)
	}
	fmt.Fprintf(w, "Migrated %d records (schema %s -> %s) in %s\n",
		rep.TargetRecords, rep.SourceVersion, rep.TargetVersion, rep.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  store:  %s\n", rep.StorePath)
	if rep.BackupID != "" {
		fmt.Fprintf(w, "  backup: %s\n", rep.BackupID)
	}
	fmt.Fprintf(w, "  sha256: %s\n", rep.Audit.StoreChecksum)
}
