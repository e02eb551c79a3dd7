package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/conveyor/internal/db/dynamo"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management",
}

// migrator is implemented by the SQL stores.
type migrator interface {
	Migrate(ctx context.Context) error
	Reset(ctx context.Context) error
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations (DynamoDB: create missing tables)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Storage.Driver == "dynamodb" {
			d := cfg.Storage.DynamoDB
			s, err := dynamo.New(cmd.Context(), dynamo.Config{
				Region:            d.Region,
				Endpoint:          d.Endpoint,
				ApplicationsTable: d.ApplicationsTable,
				DeploymentsTable:  d.DeploymentsTable,
			})
			if err != nil {
				return err
			}
			if err := s.CreateTables(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Tables %s and %s ready.\n", d.ApplicationsTable, d.DeploymentsTable)
			return nil
		}

		// openStore migrates SQL schemas on open
		e, err := wire(cmd.Context(), cfg, nil)
		if err != nil {
			return err
		}
		defer e.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Schema of %s store is up to date.\n", cfg.Storage.Driver)
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset the database (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return errors.New("refusing to drop every deployment record without --yes")
		}
		e, err := newEnv(cmd.Context(), nil)
		if err != nil {
			return err
		}
		defer e.Close()

		m, ok := e.store.(migrator)
		if !ok {
			return fmt.Errorf("reset is not supported for storage driver %s", e.cfg.Storage.Driver)
		}
		if err := m.Reset(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Database reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
