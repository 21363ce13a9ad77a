// ABOUTME: CLI command to rebuild a user's markdown projection on demand
// ABOUTME: Useful after restores or when projection files were deleted
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tendhq/tend/internal/state"
)

// NewExportCmd creates the export command.
func NewExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export <user-key>",
		Short: "Rebuild the markdown projection for a user",
		Long: `Re-render every markdown artifact for a user from the database.

The projection is one-way: files are overwritten in full and manual edits
are lost.

Examples:
  tend export alice@example.com`,
		Args: cobra.ExactArgs(1),
		RunE: runExport,
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := cmd.Context()
	userKey := args[0]

	userID, err := store.LookupUserID(ctx, userKey)
	if err != nil {
		return err
	}
	if userID == "" {
		return fmt.Errorf("unknown user key %q", userKey)
	}

	projection := state.NewProjectionSync(cfg.ProjectionDir, store, logger)
	items, err := projection.ExportUser(ctx, userID, userKey)
	if err != nil {
		return fmt.Errorf("exporting projection: %w", err)
	}
	for _, item := range items {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", item.Channel, item.Target, item.Status)
	}
	return nil
}
