// ABOUTME: CLI command to apply or reset the database schema
// ABOUTME: Reset drops all state tables and requires an explicit --force
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/storage"
)

var (
	migrateReset bool
	migrateForce bool
)

// NewMigrateCmd creates the migrate command.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply the schema migrations to the configured database.

Examples:
  tend migrate
  tend migrate --reset --force`,
		RunE: runMigrate,
	}

	cmd.Flags().BoolVar(&migrateReset, "reset", false, "Drop all state tables before migrating")
	cmd.Flags().BoolVar(&migrateForce, "force", false, "Confirm destructive reset")

	return cmd
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	db, err := storage.Open(cfg.DatabaseURL, cfg.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx := cmd.Context()

	// 0001 creates the schema idempotently; 0002 drops everything first.
	version := "0001"
	if migrateReset {
		if !migrateForce {
			return fmt.Errorf("--reset drops all state tables; pass --force to confirm")
		}
		logger.Warn("rebuilding schema from scratch, all state will be lost")
		version = "0002"
	}

	if err := storage.Migrate(ctx, db, version, cfg.EmbeddingDimension); err != nil {
		return fmt.Errorf("applying migration %s: %w", version, err)
	}
	logger.Info("migration applied", zap.String("version", version))

	fmt.Fprintf(cmd.OutOrStdout(), "Migration %s applied.\n", version)
	return nil
}
