// Package commands defines the lucent CLI.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lucentlabs/lucent/internal/logger"
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "lucent",
	Short: "Lucent - reliable delegated image enhancement jobs",
	Long: `Lucent runs the enhancement job service: the callback API, the job
state machine and the transactional outbox dispatcher that drives provider
submissions and webhook notifications.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// A missing .env is fine; the environment may be set directly.
		_ = godotenv.Load()
		logger.InitializeAndConfigure()
	},
}

func init() {
	RootCmd.AddCommand(serveCmd)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(sweepCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return RootCmd.Execute()
}
