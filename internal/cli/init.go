package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cleo/internal/config"
	"github.com/mesh-intelligence/cleo/internal/flatfile"
	"github.com/mesh-intelligence/cleo/internal/sqlite"
	"github.com/mesh-intelligence/cleo/pkg/types"
)

type initResult struct {
	ProjectDir    string `json:"projectDir"`
	ConfigWritten bool   `json:"configWritten"`
	StoreCreated  bool   `json:"storeCreated"`
	LegacyFiles   int    `json:"legacyFiles"`
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize cleo storage in a project",
		Long: "Create the .cleo directory and a default config.yaml. A new project gets an\n" +
			"empty store; a project with flat JSON files is left for 'cleo migrate'.",
		Args: cobra.NoArgs,
		RunE: runInit,
	}
}

func runInit(cmd *cobra.Command, _ []string) error {
	return withApp(cmd, func(a *app) error {
		res := initResult{ProjectDir: a.layout.ProjectDir}

		if err := a.fs.MkdirAll(a.layout.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
		wrote, err := config.WriteDefault(a.fs, a.layout)
		if err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		res.ConfigWritten = wrote

		err = a.locks.Do(cmd.Context(), a.layout.LiveStore(), a.cfg.Lock.Timeout, a.cfg.Lock.MaxRetries, func(ctx context.Context) error {
			legacy, err := flatfile.Present(a.layout.DataDir)
			if err != nil {
				return err
			}
			res.LegacyFiles = len(legacy)
			live, err := a.fs.Exists(a.layout.LiveStore())
			if err != nil || live || len(legacy) > 0 {
				return err
			}
			if err := sqlite.Materialize(ctx, a.layout.LiveStore(), &types.Dataset{}, ""); err != nil {
				return fmt.Errorf("initialize store: %w", err)
			}
			res.StoreCreated = true
			return nil
		})
		if err != nil {
			return err
		}

		return render(cmd, res, func(w io.Writer) {
			switch {
			case res.StoreCreated:
				fmt.Fprintf(w, "Initialized empty cleo store in %s\n", a.layout.DataDir)
			case res.LegacyFiles > 0:
				fmt.Fprintf(w, "Found %d legacy file(s); run 'cleo migrate' to convert them\n", res.LegacyFiles)
			default:
				fmt.Fprintf(w, "cleo already initialized in %s\n", a.layout.DataDir)
			}
		})
	})
}
