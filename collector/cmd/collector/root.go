package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/accountscope/collector/internal/config"
	"github.com/telhawk-systems/accountscope/common/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "collector",
	Short: "AccountScope account collector",
	Long: `collector gathers account, cost, compliance, security, inventory and
health telemetry for one AWS account and stages it as a composite document
for the loader.

A run covers one window (DAILY, WEEKLY, MONTHLY or YEARLY) ending on an
as-of date. A history run backfills one window per day over a date range.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/accountscope/collector/config.yaml)")

	rootCmd.AddCommand(runCmd, serveCmd)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger = logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With(logging.Service("collector"))
	logging.SetDefault(logger)
	return nil
}
