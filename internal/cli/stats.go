package cli

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/conveyor/internal/analytics"
)

var statsCmd = &cobra.Command{
	Use:   "stats <org/name>",
	Short: "Show per-stage deployment statistics",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		org, name, err := splitApp(args[0])
		if err != nil {
			return err
		}
		e, err := newEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer e.Close()

		deps, err := e.orch.Status(cmd.Context(), org, name)
		if err != nil {
			return err
		}
		var since time.Time
		if window, _ := cmd.Flags().GetDuration("since"); window > 0 {
			since = time.Now().Add(-window)
		}
		stats := analytics.Summarize(deps, since)

		w := cmd.OutOrStdout()
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			data, _ := json.MarshalIndent(stats, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}
		if len(stats) == 0 {
			fmt.Fprintln(w, "No deployments found.")
			return nil
		}
		fmt.Fprintf(w, "%-14s %6s %6s %6s %7s %9s %8s %8s  %s\n",
			"STAGE", "TOTAL", "OK", "FAIL", "OK%", "ATTEMPTS", "P50(m)", "P95(m)", "CAUSES")
		for _, s := range stats {
			fmt.Fprintf(w, "%-14s %6d %6d %6d %7.1f %9.1f %8.1f %8.1f  %s\n",
				s.Stage, s.Total, s.Succeeded, s.Failed, s.SuccessRate, s.AvgAttempts,
				s.Duration.P50, s.Duration.P95, formatCauses(s))
		}
		return nil
	},
}

func formatCauses(s analytics.StageStats) string {
	parts := make([]string, 0, len(s.Causes))
	for cause, n := range s.Causes {
		parts = append(parts, fmt.Sprintf("%s=%d", cause, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func init() {
	statsCmd.Flags().Duration("since", 0, "only count deployments created within this window (e.g. 168h)")
	statsCmd.Flags().String("format", "text", "Output format: text or json")
}
