package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var drainAccount string

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Load every pending document once and exit",
	Long: `drain lists the pending namespace, loads each document oldest first and
prints a JSON summary. It exits non-zero only when listing fails.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if cfg.Ingestion.AutoMigrate {
			if _, err := migrateSchema(ctx); err != nil {
				return err
			}
		}

		rt, err := newRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		account := drainAccount
		if account == "" {
			account = cfg.Ingestion.Account
		}
		sum, err := rt.processor.Drain(ctx, account)
		if err != nil {
			return fmt.Errorf("drain failed: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	},
}

func init() {
	drainCmd.Flags().StringVar(&drainAccount, "account", "", "only drain this account")
}
