package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cleo/internal/backup"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list, verify and prune backups",
	}
	cmd.AddCommand(newBackupCreateCmd())
	cmd.AddCommand(newBackupListCmd())
	cmd.AddCommand(newBackupVerifyCmd())
	cmd.AddCommand(newBackupPruneCmd())
	cmd.AddCommand(newBackupRmCmd())
	return cmd
}

func parseTypeFlag(s string, allowEmpty bool) (types.BackupType, error) {
	if s == "" && allowEmpty {
		return "", nil
	}
	t, err := types.ParseBackupType(s)
	if err != nil {
		return "", usageError{err: err}
	}
	return t, nil
}

func newBackupCreateCmd() *cobra.Command {
	var typ, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Back up the current store files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := parseTypeFlag(typ, false)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				var b *types.Backup
				err := a.underStoreLock(cmd.Context(), "backup create", func(ctx context.Context) (err error) {
					b, err = a.backups.Create(ctx, t, name)
					return err
				})
				if err != nil {
					return err
				}
				return render(cmd, b, func(w io.Writer) {
					fmt.Fprintf(w, "Created %s backup %s (%s, %d file(s))\n", b.Type, b.ID, bytesOf(b.SizeBytes), len(b.Files))
					fmt.Fprintf(w, "  %s\n", b.Dir)
				})
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", string(types.BackupSnapshot), "backup type: snapshot, safety, archive or migration")
	cmd.Flags().StringVar(&name, "name", "", "optional label")
	return cmd
}

func newBackupListCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := parseTypeFlag(typ, true)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				list, err := a.backups.List(t)
				if err != nil {
					return err
				}
				if list == nil {
					list = []*types.Backup{}
				}
				return render(cmd, list, func(w io.Writer) { printBackupTable(w, list) })
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "only list backups of this type")
	return cmd
}

func printBackupTable(w io.Writer, list []*types.Backup) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No backups")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCREATED\tSIZE\tFILES\tNAME")
	for _, b := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.Type, ago(b.CreatedAt), bytesOf(b.SizeBytes), strings.Join(b.Files, ","), b.Name)
	}
	tw.Flush()
}

func newBackupVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [id|path...]",
		Short: "Verify backup checksums and format (all backups when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				targets, err := verifyTargets(a.backups, args)
				if err != nil {
					return err
				}
				results := make([]*backup.VerifyResult, 0, len(targets))
				failed := 0
				for _, b := range targets {
					res, err := a.backups.Verify(cmd.Context(), b)
					if err != nil {
						return err
					}
					if !res.OK {
						failed++
					}
					results = append(results, res)
				}
				if err := render(cmd, results, func(w io.Writer) { printVerifyResults(w, results) }); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d backup(s) failed: %w", failed, len(results), types.ErrVerificationFailed)
				}
				return nil
			})
		},
	}
}

func verifyTargets(m *backup.Manager, refs []string) ([]*types.Backup, error) {
	if len(refs) == 0 {
		return m.List("")
	}
	out := make([]*types.Backup, 0, len(refs))
	for _, ref := range refs {
		b, err := m.Resolve(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func printVerifyResults(w io.Writer, results []*backup.VerifyResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "No backups")
		return
	}
	for _, r := range results {
		if r.OK {
			fmt.Fprintf(w, "OK      %s\n", r.Backup.ID)
			continue
		}
		fmt.Fprintf(w, "FAILED  %s\n", r.Backup.ID)
		for _, f := range r.Mismatches() {
			fmt.Fprintf(w, "  checksum mismatch: %s\n", f)
		}
		if r.FormatErr != nil {
			fmt.Fprintf(w, "  malformed: %s\n", r.FormatErr)
		}
	}
}

func newBackupPruneCmd() *cobra.Command {
	var typ string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove backups beyond the configured retention",
		Long:  "Prune removes the oldest backups of each type beyond its retention count.\nMigration backups are never pruned.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := parseTypeFlag(typ, true)
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				removed := map[types.BackupType][]string{}
				err := a.underStoreLock(cmd.Context(), "backup prune", func(ctx context.Context) error {
					if t == "" {
						var err error
						removed, err = a.backups.PruneAll(ctx)
						return err
					}
					ids, err := a.backups.Prune(ctx, t)
					removed[t] = ids
					return err
				})
				if err != nil {
					return err
				}
				return render(cmd, removed, func(w io.Writer) {
					n := 0
					for bt, ids := range removed {
						for _, id := range ids {
							fmt.Fprintf(w, "Removed %s backup %s\n", bt, id)
							n++
						}
					}
					if n == 0 {
						fmt.Fprintln(w, "Nothing to prune")
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "only prune backups of this type")
	return cmd
}

func newBackupRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				err := a.underStoreLock(cmd.Context(), "backup rm", func(context.Context) error {
					return a.backups.Remove(args[0])
				})
				if err != nil {
					return err
				}
				return render(cmd, map[string]string{"removed": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "Removed backup %s\n", args[0])
				})
			})
		},
	}
}
