package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/cleo/internal/health"
)

type inspectOutput struct {
	*health.Report
	Healthy  bool     `json:"healthy"`
	Problems []string `json:"problems"`
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Report on the project's storage without changing it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(a *app) error {
				rep, err := a.inspector().Inspect(cmd.Context())
				if err != nil {
					return err
				}
				out := inspectOutput{Report: rep, Problems: rep.Problems()}
				out.Healthy = len(out.Problems) == 0
				if out.Problems == nil {
					out.Problems = []string{}
				}
				return render(cmd, out, func(w io.Writer) { printInspect(w, out) })
			})
		},
	}
}

func printInspect(w io.Writer, out inspectOutput) {
	r := out.Report
	fmt.Fprintf(w, "Project: %s\n", r.ProjectDir)
	if r.LiveStorePresent {
		fmt.Fprintf(w, "Store:   %s, schema %s, %d records\n", bytesOf(r.LiveStoreSize), r.LiveSchemaVersion, r.LiveRecords)
	} else {
		fmt.Fprintln(w, "Store:   absent")
	}
	if len(r.LegacyFiles) > 0 {
		fmt.Fprintf(w, "Legacy:  %v\n", r.LegacyFiles)
	}
	if len(r.StaleLegacyFiles) > 0 {
		fmt.Fprintln(w, "         (superseded by the store; kept for reference)")
	}
	if r.LockHeld && r.LockHolder != nil {
		fmt.Fprintf(w, "Lock:    held by pid %d since %s\n", r.LockHolder.PID, ago(r.LockHolder.AcquiredAt))
	}

	counts := make([]string, 0, len(r.Backups))
	for t, n := range r.Backups {
		counts = append(counts, fmt.Sprintf("%s=%d", t, n))
	}
	sort.Strings(counts)
	fmt.Fprintf(w, "Backups: %v, %d rollback copies\n", counts, r.Tier1Copies)

	if out.Healthy {
		fmt.Fprintln(w, "Status:  healthy")
		return
	}
	fmt.Fprintln(w, "Status:  needs attention")
	for _, p := range out.Problems {
		fmt.Fprintf(w, "  - %s\n", p)
	}
}
