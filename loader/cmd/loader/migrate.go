package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/accountscope/loader/internal/repository"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		version, err := repository.Migrate(cfg.Ingestion.MigrationsURL, cfg.Database.ConnString())
		if err != nil {
			return err
		}
		logger.InfoContext(cmd.Context(), "database migrations completed", slog.Uint64("version", uint64(version)))
		fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
		return nil
	},
}
