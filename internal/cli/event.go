package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Inspect the pipeline audit log",
}

var eventListCmd = &cobra.Command{
	Use:   "list <org/name>",
	Short: "List recent pipeline events of an application, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		org, name, err := splitApp(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		e, err := newEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer e.Close()

		log, ok := e.store.(pipeline.EventLog)
		if !ok {
			return errors.New("the configured storage driver keeps no event log")
		}
		events, err := log.ListEvents(cmd.Context(), org, name, limit)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-10s %-12s %-20s %s\n",
				ev.Timestamp.Local().Format("2006-01-02 15:04:05"), ev.Stage, shortSha(ev.Sha), ev.Event, ev.Detail)
		}
		return nil
	},
}

func init() {
	eventListCmd.Flags().Int("limit", 50, "Maximum number of events")
	eventCmd.AddCommand(eventListCmd)
}
