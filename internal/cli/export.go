package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cleo/internal/sqlite"
)

func newExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the store back out as JSONL files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				dir := out
				if dir == "" {
					dir = a.layout.ExportDir()
				}
				h, err := a.handles.Acquire(cmd.Context(), a.layout.LiveStore())
				if err != nil {
					return err
				}
				res, err := sqlite.Export(cmd.Context(), h, dir)
				if err != nil {
					return err
				}
				return render(cmd, res, func(w io.Writer) {
					names := make([]string, 0, len(res.Files))
					for n := range res.Files {
						names = append(names, n)
					}
					sort.Strings(names)
					fmt.Fprintf(w, "Exported schema %s to %s\n", res.SchemaVersion, res.Dir)
					for _, n := range names {
						fmt.Fprintf(w, "  %-22s %d records\n", n, res.Files[n])
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "destination directory (default: .cleo/export)")
	return cmd
}
