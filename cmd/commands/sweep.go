package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/lucentlabs/lucent/internal/logger"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Recover outbox events abandoned by dead workers, then exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}

		_, dispatcher := buildServices(database)
		count, err := dispatcher.Sweep(context.Background())
		if err != nil {
			return err
		}
		logger.Infof("Recovered %d stale outbox events", count)
		return nil
	},
}
