package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"settlement-reconciliation-service/cmd/reconciler/config"
	"settlement-reconciliation-service/internal/aggregator"
	"settlement-reconciliation-service/internal/reporter"
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Build settlement batches from gateway revenue and fee records",
	Long: `Groups gateway revenue and fee transactions sharing a settlement batch
identifier, computes the net expected payout per batch, and stores the
recomputed batches. Re-running on the same input is idempotent.`,
	RunE: runAggregate,
}

func init() {
	rootCmd.AddCommand(aggregateCmd)

	aggregateCmd.Flags().String("transactions", "", "transaction feed file (CSV or JSON)")
	aggregateCmd.Flags().Bool("dry-run", false, "report the batches without storing them")
	_ = aggregateCmd.MarkFlagRequired("transactions")

	_ = viper.BindPFlag(config.KeyAggregateDryRun, aggregateCmd.Flags().Lookup("dry-run"))
}

func runAggregate(cmd *cobra.Command, args []string) error {
	transactionsPath, _ := cmd.Flags().GetString("transactions")
	st, err := loadFeeds(transactionsPath, "", "")
	if err != nil {
		return err
	}

	run, err := config.CreateRunnerConfig(viper.GetViper())
	if err != nil {
		return err
	}
	cfg := aggregator.DefaultConfig()
	cfg.DryRun = viper.GetBool(config.KeyAggregateDryRun)
	cfg.PageSize = run.PageSize

	summary, err := aggregator.New(cfg, st).Build(cmd.Context())
	if err != nil {
		return err
	}
	return report(reporter.FromAggregator(summary))
}
