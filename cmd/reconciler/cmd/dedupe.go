package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"settlement-reconciliation-service/cmd/reconciler/config"
	"settlement-reconciliation-service/internal/dedupe"
	"settlement-reconciliation-service/internal/reporter"
)

var dedupeCmd = &cobra.Command{
	Use:   "dedupe",
	Short: "Cluster and merge near-duplicate counterparty names",
	Long: `Normalizes provider names, clusters them by edit-distance similarity,
and merges each cluster into its canonical entry. Without --apply the
planned merges are reported but nothing is written.`,
	RunE: runDedupe,
}

func init() {
	rootCmd.AddCommand(dedupeCmd)

	dedupeCmd.Flags().String("providers", "", "provider feed file (CSV)")
	dedupeCmd.Flags().Float64("threshold", dedupe.DefaultThreshold, "similarity threshold in (0, 1]")
	dedupeCmd.Flags().Bool("apply", false, "apply the planned merges")
	_ = dedupeCmd.MarkFlagRequired("providers")

	_ = viper.BindPFlag(config.KeyDedupeThreshold, dedupeCmd.Flags().Lookup("threshold"))
	_ = viper.BindPFlag(config.KeyDedupeApply, dedupeCmd.Flags().Lookup("apply"))
}

func runDedupe(cmd *cobra.Command, args []string) error {
	providersPath, _ := cmd.Flags().GetString("providers")
	st, err := loadFeeds("", "", providersPath)
	if err != nil {
		return err
	}

	cfg, err := config.CreateDedupeConfig(viper.GetViper())
	if err != nil {
		return err
	}
	dd, err := dedupe.New(cfg, st)
	if err != nil {
		return err
	}
	summary, err := dd.Run(cmd.Context())
	if err != nil {
		return err
	}
	return report(reporter.FromDedupe(summary))
}
