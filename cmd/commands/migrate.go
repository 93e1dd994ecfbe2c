package commands

import (
	"github.com/spf13/cobra"

	"github.com/lucentlabs/lucent/internal/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run the schema migrations and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		// db.New runs AutoMigrate as part of opening the connection.
		if _, err := openDatabase(); err != nil {
			return err
		}
		logger.Info("Migrations complete")
		return nil
	},
}
