package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/conveyor/internal/config"
	"github.com/lucasnoah/conveyor/internal/pipeline"
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage application records",
}

var appsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Create or update application records from configuration",
	Long: `Write every application declared in the configuration to the store.
Existing records keep their tracked pull requests; only the declared fields
are replaced.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer e.Close()

		for _, ac := range e.cfg.Applications {
			created, err := syncApplication(cmd.Context(), e.store, ac)
			if err != nil {
				return err
			}
			verb := "updated"
			if created {
				verb = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %s\n", ac.Org, ac.Name, verb)
		}
		return nil
	},
}

// syncApplication writes a declared application, reporting whether it was new.
func syncApplication(ctx context.Context, s pipeline.ApplicationStore, ac config.AppConfig) (bool, error) {
	_, err := pipeline.UpdateApplication(ctx, s, ac.Org, ac.Name, func(app *pipeline.Application) error {
		declared := ac.ToApplication()
		declared.PullRequests = app.PullRequests
		declared.Version = app.Version
		declared.CreatedAt = app.CreatedAt
		*app = declared
		return nil
	})
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pipeline.ErrNotFound) {
		return false, fmt.Errorf("sync %s/%s: %w", ac.Org, ac.Name, err)
	}
	if err := s.PutApplication(ctx, ac.ToApplication(), 0); err != nil {
		return false, fmt.Errorf("create %s/%s: %w", ac.Org, ac.Name, err)
	}
	return true, nil
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer e.Close()

		apps, err := e.store.ListApplications(cmd.Context())
		if err != nil {
			return err
		}
		if len(apps) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No applications found.")
			return nil
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-30s %-8s %-5s %s\n", "APPLICATION", "VERSION", "PRS", "STAGES")
		for _, a := range apps {
			var stages string
			for i, s := range a.Stages {
				if i > 0 {
					stages += " -> "
				}
				stages += s.Name
				if s.ApprovalRequired {
					stages += "*"
				}
			}
			fmt.Fprintf(w, "%-30s %-8d %-5d %s\n", a.Org+"/"+a.Name, a.Version, len(a.PullRequests), stages)
		}
		return nil
	},
}

func init() {
	appsCmd.AddCommand(appsSyncCmd)
	appsCmd.AddCommand(appsListCmd)
}
