package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var configFile string

var rootCmd = &cobra.Command{
	Use:   "conveyor",
	Short: "conveyor: a multi-stage deployment pipeline orchestrator",
	Long: `conveyor moves commits through each application's ordered stages
(dev -> staging -> prod), pausing for chat approval where a stage requires it.

Every decision is made from deployment records held in the configured store
(SQLite, PostgreSQL or DynamoDB). Webhooks and chat commands arrive through
"conveyor serve"; the remaining commands operate on the same store directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file (default ./conveyor.yaml or ~/.conveyor/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(rejectCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(appsCmd)
	rootCmd.AddCommand(eventCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}
