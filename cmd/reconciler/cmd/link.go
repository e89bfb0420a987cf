package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"settlement-reconciliation-service/cmd/reconciler/config"
	"settlement-reconciliation-service/internal/linker"
	"settlement-reconciliation-service/internal/reporter"
)

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Link gateway transactions to commercial orders",
	Long: `Resolves unreconciled gateway revenue records against the order feed,
first by the order code embedded in the transaction identifier, then by
customer email and amount proximity. Ambiguous candidates are left
unlinked for manual review.`,
	RunE: runLink,
}

func init() {
	rootCmd.AddCommand(linkCmd)

	linkCmd.Flags().String("transactions", "", "transaction feed file (CSV or JSON)")
	linkCmd.Flags().String("orders", "", "order feed file (CSV)")
	linkCmd.Flags().Bool("dry-run", false, "evaluate and report without writing links")
	_ = linkCmd.MarkFlagRequired("transactions")
	_ = linkCmd.MarkFlagRequired("orders")

	_ = viper.BindPFlag(config.KeyLinkDryRun, linkCmd.Flags().Lookup("dry-run"))
}

func runLink(cmd *cobra.Command, args []string) error {
	transactionsPath, _ := cmd.Flags().GetString("transactions")
	ordersPath, _ := cmd.Flags().GetString("orders")
	st, err := loadFeeds(transactionsPath, ordersPath, "")
	if err != nil {
		return err
	}

	cfg, err := config.CreateLinkerConfig(viper.GetViper())
	if err != nil {
		return err
	}
	engine, err := linker.NewEngine(cfg, st, st)
	if err != nil {
		return err
	}
	summary, err := engine.Run(cmd.Context())
	if err != nil {
		return err
	}
	return report(reporter.FromLinker(summary))
}
