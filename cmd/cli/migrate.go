package cli

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var seedSamples bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long:  `Apply the schema for rules, executions and deferred tasks. With --seed the sample rules are created on an empty database.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, logger, err := loadConfig()
		if err != nil {
			logrus.Fatalf("Failed to initialize: %v", err)
		}
		ctx := context.Background()

		logger.Info("Starting database migration...")
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("Failed to migrate database: %v", err)
		}
		defer a.Close()
		logger.Info("Database migration completed")

		if !seedSamples {
			return
		}
		n, err := a.service.SeedSamples(ctx, "migrate")
		if err != nil {
			logger.Fatalf("Failed to seed sample rules: %v", err)
		}
		if n == 0 {
			logger.Info("Rules already present, skipping samples")
			return
		}
		logger.Infof("Seeded %d sample rule(s)", n)
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&seedSamples, "seed", false, "create sample rules when none exist")
	rootCmd.AddCommand(migrateCmd)
}
