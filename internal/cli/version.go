package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cleo/internal/sqlite"
)

const modulePath = "github.com/mesh-intelligence/cleo"

// Version is the release version, set at build time with
// -ldflags "-X github.com/mesh-intelligence/cleo/internal/cli.Version=...".
var Version = "0.1.0-dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cleo version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":       Version,
				"module":        modulePath,
				"schemaVersion": sqlite.SchemaVersion,
			}
			return render(cmd, info, func(w io.Writer) {
				fmt.Fprintf(w, "cleo v%s\nmodule: %s\nstore schema: %s\n", Version, modulePath, sqlite.SchemaVersion)
			})
		},
	}
}
