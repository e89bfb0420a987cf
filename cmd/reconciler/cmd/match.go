package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"settlement-reconciliation-service/cmd/reconciler/config"
	"settlement-reconciliation-service/internal/aggregator"
	"settlement-reconciliation-service/internal/matcher"
	"settlement-reconciliation-service/internal/reporter"
)

var matchCmd = &cobra.Command{
	Use:   "match",
	Short: "Match bank deposits to settlement batches and payouts",
	Long: `Aggregates the gateway side of the feed into settlement batches, then
matches unreconciled bank deposits against them within the date and
amount tolerances. The assumed-paid strategy instead marks gateway
payout records whose disbursement date has passed.`,
	RunE: runMatch,
}

func init() {
	rootCmd.AddCommand(matchCmd)

	matchCmd.Flags().String("transactions", "", "transaction feed file (CSV or JSON)")
	matchCmd.Flags().String("strategy", string(matcher.StrategyToleranceChecked),
		"matching strategy (tolerance-checked, assumed-paid)")
	matchCmd.Flags().Bool("dry-run", false, "evaluate and report without writing matches")
	_ = matchCmd.MarkFlagRequired("transactions")

	_ = viper.BindPFlag(config.KeyMatchStrategy, matchCmd.Flags().Lookup("strategy"))
	_ = viper.BindPFlag(config.KeyMatchDryRun, matchCmd.Flags().Lookup("dry-run"))
}

func runMatch(cmd *cobra.Command, args []string) error {
	transactionsPath, _ := cmd.Flags().GetString("transactions")
	st, err := loadFeeds(transactionsPath, "", "")
	if err != nil {
		return err
	}

	cfg, err := config.CreateMatcherConfig(viper.GetViper())
	if err != nil {
		return err
	}

	// The batch view is derived, so every matching run recomputes it
	// from the same feed before scanning deposits. The batches live only
	// in this run's store, so dry-run gates the match writes, not these.
	aggCfg := aggregator.DefaultConfig()
	aggCfg.PageSize = cfg.Run.PageSize
	if _, err := aggregator.New(aggCfg, st).Build(cmd.Context()); err != nil {
		return err
	}

	engine, err := matcher.NewEngine(cfg, st)
	if err != nil {
		return err
	}
	summary, err := engine.Run(cmd.Context())
	if err != nil {
		return err
	}
	return report(reporter.FromMatcher(summary))
}
