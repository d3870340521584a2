package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "chainops",
	Short:         "Status transition ledger and agent chain orchestrator",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
	Long: `chainops records status transitions on work items, matches them against
triggers and runs the triggered agent chains with pause, resume and recovery.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "settings file (default ~/.chainops/settings.yaml)")
	rootCmd.AddCommand(serveCmd(), mcpCmd(), migrateCmd(), loadCmd(), versionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
