// Package cmd implements the reconciler CLI: one subcommand per
// reconciliation operation, each safe to run from a scheduler.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"settlement-reconciliation-service/cmd/reconciler/config"
	"settlement-reconciliation-service/internal/reporter"
	"settlement-reconciliation-service/pkg/logger"
)

var (
	cfgFile      string
	reportFormat string

	rootCmd = &cobra.Command{
		Use:   "reconciler",
		Short: "Settlement reconciliation for finance back-office feeds",
		Long: `reconciler matches bank-ledger deposits to payment-gateway settlements
and commercial orders.

Operations:
  aggregate   build settlement batches from gateway revenue and fee records
  match       match bank deposits to settlement batches and payouts
  link        link gateway transactions to commercial orders
  dedupe      cluster and merge near-duplicate counterparty names
  audit       re-validate persisted matches and reset violations

Every mutating operation takes --dry-run (or requires --apply) and
produces the same report either way.`,
		PersistentPreRunE: setupLogging,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
)

// Execute runs the CLI and exits with a code derived from the error
// category on failure.
func Execute(version, commit, buildDate string) {
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate)
	if err := rootCmd.Execute(); err != nil {
		handler := NewCLIErrorHandler(os.Stderr)
		os.Exit(handler.Handle(err))
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.reconciler.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&reportFormat, "report-format", "console", "report format (console, json, csv)")

	bindFlag(config.KeyLogLevel, "log-level")
	bindFlag(config.KeyLogFormat, "log-format")

	config.SetDefaults(viper.GetViper())
}

// bindFlag ties a persistent root flag to its viper key.
func bindFlag(key, flagName string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", flagName, err))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".reconciler")
		}
	}

	viper.SetEnvPrefix("RECONCILER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		logger.WithField("config_file", viper.ConfigFileUsed()).Debug("loaded config file")
	}
}

func setupLogging(cmd *cobra.Command, args []string) error {
	logCfg, err := config.CreateLoggerConfig(viper.GetViper())
	if err != nil {
		return err
	}
	log, err := logger.NewLogger(logCfg)
	if err != nil {
		return err
	}
	logger.SetGlobalLogger(log)
	return nil
}

// report renders a run summary in the selected format.
func report(summary *reporter.RunSummary) error {
	format, err := reporter.ParseFormat(reportFormat)
	if err != nil {
		return err
	}
	return reporter.NewGenerator(format, os.Stdout).Generate(summary)
}
