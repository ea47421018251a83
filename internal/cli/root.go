// Package cli implements the cleo command-line interface: project
// initialization, migration, backup management, restore, inspection and
// export. Error kinds are mapped to exit codes here and nowhere else.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	projectDir  string
	configDir   string
	jsonMode    bool
	verbose     bool
	metricsFile string
}

var flags rootFlags

// NewRootCmd creates the top-level "cleo" command with global flags and all
// subcommands registered.
func NewRootCmd() *cobra.Command {
	flags = rootFlags{}
	root := &cobra.Command{
		Use:   "cleo",
		Short: "Safe storage migration, backup and restore for cleo projects",
		Long: "cleo converts a project's task data from flat JSON files into a SQLite store\n" +
			"and keeps verified, restorable backups of it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	root.PersistentFlags().StringVar(&flags.projectDir, "project", "", "project directory (default: $CLEO_PROJECT_DIR or the working directory)")
	root.PersistentFlags().StringVar(&flags.configDir, "config-dir", "", "user configuration directory (default: $CLEO_CONFIG_DIR or the platform config dir)")
	root.PersistentFlags().BoolVar(&flags.jsonMode, "json", false, "output in JSON format")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log debug details to stderr")
	root.PersistentFlags().StringVar(&flags.metricsFile, "metrics-file", "", "write Prometheus metrics to this file on exit")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newMigrateCmd())
	root.AddCommand(newBackupCmd())
	root.AddCommand(newRestoreCmd())
	root.AddCommand(newInspectCmd())
	root.AddCommand(newExportCmd())

	return root
}

// Execute runs the root command and exits with the code for its error.
func Execute() {
	root := NewRootCmd()
	err := root.Execute()
	if err != nil {
		printError(os.Stdout, os.Stderr, err)
	}
	os.Exit(ExitCode(err))
}

// printError writes err, and for engine failures the artifact and the
// remediation, to w. In --json mode the error body goes to stdout in place
// of the result.
func printError(stdout, w io.Writer, err error) {
	if flags.jsonMode {
		_ = writeJSON(stdout, errorBody(err))
		return
	}
	fmt.Fprintf(w, "Error: %s\n", err)
	if oe := asOpError(err); oe != nil {
		if oe.Artifact != "" {
			fmt.Fprintf(w, "  artifact:    %s\n", oe.Artifact)
		}
		if oe.Remediation != "" {
			fmt.Fprintf(w, "  remediation: %s\n", oe.Remediation)
		}
	}
}

func errorBody(err error) map[string]string {
	body := map[string]string{"error": err.Error()}
	if oe := asOpError(err); oe != nil {
		body["kind"] = oe.Kind.Error()
		body["artifact"] = oe.Artifact
		body["remediation"] = oe.Remediation
	}
	return body
}

// usageError marks a bad invocation.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}
