package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/conveyor/internal/orchestrator"
	"github.com/lucasnoah/conveyor/internal/trigger"
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Advance commits through the pipeline",
}

var deployPushCmd = &cobra.Command{
	Use:   "push <org/name> <sha>",
	Short: "Advance a commit as if it had been pushed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		org, name, err := splitApp(args[0])
		if err != nil {
			return err
		}
		ref, _ := cmd.Flags().GetString("ref")
		actor, _ := cmd.Flags().GetString("actor")

		e, err := newEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer e.Close()

		app, err := e.store.GetApplication(cmd.Context(), org, name)
		if err != nil {
			return fmt.Errorf("application %s/%s: %w", org, name, err)
		}
		t, ok, err := e.normalizer.Push(trigger.PushEvent{Org: org, Name: name, Sha: args[1], Ref: ref, Actor: actor}, app)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(cmd.OutOrStdout(), "No trigger rule of %s/%s matches %s.\n", org, name, ref)
			return nil
		}

		out, err := e.orch.Advance(cmd.Context(), t)
		printOutcome(cmd, out)
		return err
	},
}

var deployRerunCmd = &cobra.Command{
	Use:   "rerun <org/name> <stage> <sha>",
	Short: "Re-run one stage for one commit",
	Long: `Re-run a stage. A failed deployment is retried; a succeeded one is
reported unchanged. The predecessor stage must have succeeded for the commit.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		org, name, err := splitApp(args[0])
		if err != nil {
			return err
		}
		actor, _ := cmd.Flags().GetString("actor")

		e, err := newEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer e.Close()

		t, err := e.normalizer.Manual(trigger.ManualRerun{Org: org, Name: name, Stage: args[1], Sha: args[2], Actor: actor})
		if err != nil {
			return err
		}
		out, err := e.orch.Advance(cmd.Context(), t)
		printOutcome(cmd, out)
		return err
	},
}

func printOutcome(cmd *cobra.Command, out *orchestrator.AdvanceOutcome) {
	if out == nil {
		return
	}
	w := cmd.OutOrStdout()
	if format, _ := cmd.Flags().GetString("format"); format == "json" {
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Fprintln(w, string(data))
		return
	}
	writeSteps(w, out)
}

func writeSteps(w io.Writer, out *orchestrator.AdvanceOutcome) {
	if len(out.Steps) == 0 {
		fmt.Fprintln(w, "Nothing to do.")
		return
	}
	fmt.Fprintf(w, "%-14s %-12s %-18s %-12s %s\n", "STAGE", "SHA", "RESULT", "CAUSE", "ATTEMPTS")
	for _, s := range out.Steps {
		fmt.Fprintf(w, "%-14s %-12s %-18s %-12s %d\n", s.Stage, shortSha(s.Sha), s.Result, s.Cause, s.Attempts)
	}
}

func shortSha(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}

func init() {
	deployPushCmd.Flags().String("ref", "refs/heads/main", "pushed ref")
	deployPushCmd.Flags().String("actor", "cli", "who pushed")
	deployRerunCmd.Flags().String("actor", "cli", "who requested the re-run")
	for _, c := range []*cobra.Command{deployPushCmd, deployRerunCmd} {
		c.Flags().String("format", "text", "Output format: text or json")
	}
	deployCmd.AddCommand(deployPushCmd)
	deployCmd.AddCommand(deployRerunCmd)
}
