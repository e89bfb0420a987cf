package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"settlement-reconciliation-service/cmd/reconciler/config"
	"settlement-reconciliation-service/internal/auditor"
	"settlement-reconciliation-service/internal/reporter"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Re-validate persisted matches and reset violations",
	Long: `Recomputes the date distance of every persisted match against the
counterpart's recorded date and flags matches that exceed tolerance.
Without --apply the flags are reported only; with --apply the flagged
transactions are reset to unreconciled and their matches removed.`,
	RunE: runAudit,
}

func init() {
	rootCmd.AddCommand(auditCmd)

	auditCmd.Flags().String("transactions", "", "transaction feed file (CSV or JSON)")
	auditCmd.Flags().String("orders", "", "order feed file (CSV), used to resolve order dates")
	auditCmd.Flags().Bool("apply", false, "reset the flagged matches")
	_ = auditCmd.MarkFlagRequired("transactions")

	_ = viper.BindPFlag(config.KeyAuditApply, auditCmd.Flags().Lookup("apply"))
}

func runAudit(cmd *cobra.Command, args []string) error {
	transactionsPath, _ := cmd.Flags().GetString("transactions")
	ordersPath, _ := cmd.Flags().GetString("orders")
	st, err := loadFeeds(transactionsPath, ordersPath, "")
	if err != nil {
		return err
	}

	cfg, err := config.CreateAuditorConfig(viper.GetViper())
	if err != nil {
		return err
	}
	aud, err := auditor.New(cfg, st, st)
	if err != nil {
		return err
	}
	summary, err := aud.Run(cmd.Context())
	if err != nil {
		return err
	}
	return report(reporter.FromAuditor(summary))
}
