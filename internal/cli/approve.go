package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/conveyor/internal/trigger"
)

var approveCmd = &cobra.Command{
	Use:   "approve <deployment-key>",
	Short: "Approve a pending deployment and resume its pipeline",
	Long: `Approve a pending deployment. The key has the form org#name#stage#sha,
as shown in the approval request.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], "approve")
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <deployment-key>",
	Short: "Reject a pending deployment, halting its pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return decide(cmd, args[0], "reject")
	},
}

func decide(cmd *cobra.Command, key, decision string) error {
	approver, _ := cmd.Flags().GetString("as")

	e, err := newEnv(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer e.Close()

	d, err := e.normalizer.ChatCommand(trigger.ChatCommand{DeploymentKey: key, Decision: decision, Approver: approver})
	if err != nil {
		return err
	}
	status, err := e.gate.Resolve(cmd.Context(), d.Key, d.Status, d.Approver)
	if status != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s by %s.\n", d.Key, status, d.Approver)
	}
	return err
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().String("as", "", "approver identity (must belong to the stage's approval group)")
		c.MarkFlagRequired("as")
	}
}
