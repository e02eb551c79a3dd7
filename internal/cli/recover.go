package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail stale in-flight deployments and resume approved ones",
	Long: `Run the recovery sweep once. Deployments in flight for longer than
--stale-after (default executor.recover_after) are failed with cause
"interrupted" and reported to an operator. Approved deployments that never
ran are advanced again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer e.Close()

		stale := e.cfg.Executor.StaleAfter()
		if cmd.Flags().Changed("stale-after") {
			stale, _ = cmd.Flags().GetDuration("stale-after")
			if timeout := e.cfg.Executor.StageTimeout(); stale <= timeout {
				return fmt.Errorf("--stale-after %s must be longer than executor.timeout %s", stale, timeout)
			}
		}
		report, err := e.orch.Recover(cmd.Context(), stale)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if format, _ := cmd.Flags().GetString("format"); format == "json" {
			data, _ := json.MarshalIndent(report, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}
		for _, k := range report.Interrupted {
			fmt.Fprintf(w, "interrupted %s\n", k)
		}
		for _, k := range report.Resumed {
			fmt.Fprintf(w, "resumed     %s\n", k)
		}
		fmt.Fprintf(w, "%d interrupted, %d resumed\n", len(report.Interrupted), len(report.Resumed))
		return nil
	},
}

func init() {
	recoverCmd.Flags().Duration("stale-after", 0, "age after which an in-flight deployment counts as interrupted")
	recoverCmd.Flags().String("format", "text", "Output format: text or json")
}
