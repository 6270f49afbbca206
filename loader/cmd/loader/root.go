package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/loader/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "loader",
	Short: "AccountScope staging loader",
	Long: `loader ingests staged account documents into PostgreSQL.

Pending documents are picked up from staged notifications and from a
periodic sweep of the pending namespace. Loaded documents are promoted,
invalid ones are quarantined under the rejected namespace.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/accountscope/loader/config.yaml)")

	rootCmd.AddCommand(serveCmd, drainCmd, migrateCmd)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("loader"))
	logging.SetDefault(logger)
	return nil
}
