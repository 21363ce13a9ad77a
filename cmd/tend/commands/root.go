// ABOUTME: Root CLI command with global flags and shared bootstrap
// ABOUTME: Loads env config, logger and database for subcommands
package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tendhq/tend/internal/config"
	"github.com/tendhq/tend/internal/storage"
)

var verbose bool

// NewRootCmd creates the root command with all subcommands attached.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tend",
		Short: "Conversational state pipeline for coaching assistants",
		Long: `tend persists durable user state from conversations: check-ins
against goal tracks, dated journal entries and deduplicated memory cards,
with a one-way markdown projection for inspection.

The database is the source of truth; markdown files under the projection
directory are a disposable read model.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewExportCmd())
	cmd.AddCommand(NewTurnCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// newLogger builds the process logger; --verbose switches to development
// output with debug level.
func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// loadEnvironment loads .env plus process env into a validated Config.
func loadEnvironment() (*config.Config, error) {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore connects to the database and wraps it in a Store.
func openStore(cfg *config.Config, logger *zap.Logger) (*storage.Store, func(), error) {
	db, err := storage.Open(cfg.DatabaseURL, cfg.ConnectTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	store := storage.New(db, storage.Limits{
		ActiveTracks:   cfg.ActiveTracksLimit,
		RecentCheckins: cfg.RecentCheckinsLimit,
		RecentJournals: cfg.RecentJournalEntriesLimit,
		RecentMemories: cfg.RecentMemoryCardsLimit,
	}, logger)
	return store, func() { _ = db.Close() }, nil
}
