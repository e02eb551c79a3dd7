package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <org/name>",
	Short: "Show the deployments of an application, stage by stage",
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

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(deps, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		if len(deps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No deployments found.")
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-14s %-12s %-10s %-12s %-12s %s\n", "STAGE", "SHA", "STATE", "APPROVAL", "CAUSE", "UPDATED")
		fmt.Fprintf(w, "%-14s %-12s %-10s %-12s %-12s %s\n",
			strings.Repeat("-", 14),
			strings.Repeat("-", 12),
			strings.Repeat("-", 10),
			strings.Repeat("-", 12),
			strings.Repeat("-", 12),
			strings.Repeat("-", 7))
		for _, d := range deps {
			fmt.Fprintf(w, "%-14s %-12s %-10s %-12s %-12s %s\n",
				d.Key.Stage, shortSha(d.Key.Sha), d.State(), d.ApprovalStatus, d.FailureCause,
				d.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
