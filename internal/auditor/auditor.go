// Package auditor re-validates persisted matches against the tolerance
// rules and resets the ones that no longer hold. Preview and apply share
// one code path; the apply flag gates only the store writes, so both
// modes produce identical reports.
package auditor

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/models"
	"settlement-reconciliation-service/internal/runner"
	"settlement-reconciliation-service/internal/store"
	apperrors "settlement-reconciliation-service/pkg/errors"
	"settlement-reconciliation-service/pkg/logger"
)

// Flag reasons.
const (
	ReasonOutOfTolerance = "recomputed day distance exceeds tolerance"
	ReasonNoRecordedDate = "no date recorded for a weak-evidence match"
)

// Config holds auditor settings.
type Config struct {
	// Apply commits the resets. The default is a preview run.
	Apply bool

	// Run carries retry and paging settings.
	Run *runner.Config
}

// DefaultConfig returns the standard auditor configuration: preview only.
func DefaultConfig() *Config {
	return &Config{Run: runner.DefaultConfig()}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Run != nil {
		return c.Run.Validate()
	}
	return nil
}

// Flag is one match proposed for reset.
type Flag struct {
	MatchID       string           `json:"matchId"`
	TransactionID string           `json:"transactionId"`
	Source        models.Source    `json:"source"`
	MatchType     models.MatchType `json:"matchType"`
	Reason        string           `json:"reason"`
	DaysDiff      int              `json:"daysDiff"`
	Amount        decimal.Decimal  `json:"amount"`
	Reset         bool             `json:"reset"`
}

// SourceFlags aggregates flags per originating transaction source.
type SourceFlags struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Summary reports the outcome of one audit run. A preview and an apply
// run over the same data differ only in the Reset counters.
type Summary struct {
	RunID           string                         `json:"runId"`
	Applied         bool                           `json:"applied"`
	MatchesExamined int                            `json:"matchesExamined"`
	Flagged         int                            `json:"flagged"`
	Reset           int                            `json:"reset"`
	Failed          int                            `json:"failed"`
	FlaggedAmount   decimal.Decimal                `json:"flaggedAmount"`
	BySource        map[models.Source]*SourceFlags `json:"bySource"`
	Flags           []*Flag                        `json:"flags"`
}

// Auditor re-validates persisted matches.
type Auditor struct {
	config *Config
	store  store.Store
	orders store.OrderIndex
	logger logger.Logger
}

// New creates an auditor. The order index may be nil when order links are
// not audited against order dates.
func New(config *Config, st store.Store, orders store.OrderIndex) (*Auditor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "auditor", "", err)
	}
	return &Auditor{
		config: config,
		store:  st,
		orders: orders,
		logger: logger.GetGlobalLogger().WithComponent("auditor"),
	}, nil
}

// Run examines every persisted match, flags violations, and resets them
// when apply is set.
func (a *Auditor) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:         runner.NewRunID(),
		Applied:       a.config.Apply,
		FlaggedAmount: decimal.Zero,
		BySource:      make(map[models.Source]*SourceFlags),
	}

	var matches []*models.MatchResult
	err := store.ForEachPage(ctx, a.config.Run.PageSize, func(pg store.Page) ([]*models.MatchResult, error) {
		return a.store.ListMatches(ctx, pg)
	}, func(items []*models.MatchResult) error {
		matches = append(matches, items...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, match := range matches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		summary.MatchesExamined++

		txn, err := a.store.GetTransaction(ctx, match.LeftID)
		if err != nil {
			a.logger.WithError(err).WithField("match_id", match.ID).
				Warn("skipping match with unresolvable transaction")
			continue
		}

		flag := a.examine(ctx, match, txn)
		if flag == nil {
			continue
		}

		summary.Flagged++
		summary.FlaggedAmount = summary.FlaggedAmount.Add(flag.Amount)
		sf, ok := summary.BySource[flag.Source]
		if !ok {
			sf = &SourceFlags{Amount: decimal.Zero}
			summary.BySource[flag.Source] = sf
		}
		sf.Count++
		sf.Amount = sf.Amount.Add(flag.Amount)
		summary.Flags = append(summary.Flags, flag)

		if !a.config.Apply {
			continue
		}
		if err := a.reset(ctx, match, txn); err != nil {
			summary.Failed++
			a.logger.WithError(err).WithField("match_id", match.ID).
				Error("could not reset flagged match")
			continue
		}
		flag.Reset = true
		summary.Reset++
	}

	a.logger.WithFields(logger.Fields{
		"run_id":   summary.RunID,
		"examined": summary.MatchesExamined,
		"flagged":  summary.Flagged,
		"reset":    summary.Reset,
		"failed":   summary.Failed,
		"applied":  summary.Applied,
	}).Info("audit run complete")
	return summary, nil
}

// examine recomputes the day distance for one match and decides whether
// it must be flagged.
func (a *Auditor) examine(ctx context.Context, match *models.MatchResult, txn *models.Transaction) *Flag {
	counterDate, hasDate := a.counterpartDate(ctx, match, txn)

	if !hasDate {
		// Tolerance-checked strategies with a strong identifier keep
		// their match even when the counterpart date is no longer
		// resolvable; weak-evidence strategies do not.
		if match.MatchType == models.MatchAssumedPaid || match.MatchType == models.MatchEmailAmount {
			return &Flag{
				MatchID:       match.ID,
				TransactionID: txn.ID,
				Source:        txn.Source,
				MatchType:     match.MatchType,
				Reason:        ReasonNoRecordedDate,
				DaysDiff:      match.DaysDiff,
				Amount:        txn.Amount.Abs(),
			}
		}
		return nil
	}

	daysDiff := models.DaysBetween(txn.Date, counterDate)
	if daysDiff <= models.MaxDaysTolerance {
		return nil
	}
	return &Flag{
		MatchID:       match.ID,
		TransactionID: txn.ID,
		Source:        txn.Source,
		MatchType:     match.MatchType,
		Reason:        ReasonOutOfTolerance,
		DaysDiff:      daysDiff,
		Amount:        txn.Amount.Abs(),
	}
}

// counterpartDate resolves the disbursement or settlement date on the
// match's right side.
func (a *Auditor) counterpartDate(ctx context.Context, match *models.MatchResult, txn *models.Transaction) (time.Time, bool) {
	if match.RightBatchID != "" {
		batch, err := a.store.GetBatch(ctx, match.RightBatchID, txn.Currency)
		if err != nil || !batch.HasDate() {
			return time.Time{}, false
		}
		return batch.EffectiveDate(), true
	}

	if match.RightID != "" {
		// Order-linked matches carry the order code on the right side.
		if match.MatchType == models.MatchExactOrderID || match.MatchType == models.MatchEmailAmount {
			if a.orders == nil {
				return time.Time{}, false
			}
			order, err := a.orders.FindByOrderCode(ctx, match.RightID)
			if err != nil {
				return time.Time{}, false
			}
			return models.WholeDay(order.Date), true
		}

		right, err := a.store.GetTransaction(ctx, match.RightID)
		if err != nil {
			return time.Time{}, false
		}
		if raw := right.Extra.Get(models.ExtraDisbursementDate); raw != "" {
			if d, err := models.ParseDate(raw); err == nil {
				return d, true
			}
		}
		return time.Time{}, false
	}
	return time.Time{}, false
}

// reset reverses one match: the transaction sides go back to
// unreconciled with their match-derived metadata cleared, the match is
// deleted, and a consumed batch is released. Source-owned fields are
// never touched, so the record can be re-matched afterwards.
func (a *Auditor) reset(ctx context.Context, match *models.MatchResult, txn *models.Transaction) error {
	run := a.config.Run

	update := store.TransactionUpdate{
		Reconciled: false,
		MatchRef:   nil,
		Extra:      txn.Extra.ClearMatchDerivedFor(txn.Source),
	}
	if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
		return a.store.UpdateTransaction(ctx, txn.ID, update)
	}); err != nil {
		return apperrors.StoreError(apperrors.CodeWriteRejected, "reset transaction", err)
	}

	if match.RightID != "" && match.RightID != match.LeftID {
		if right, err := a.store.GetTransaction(ctx, match.RightID); err == nil {
			if right.MatchRef != nil && *right.MatchRef == match.ID {
				counterpart := store.TransactionUpdate{
					Reconciled: false,
					MatchRef:   nil,
					Extra:      right.Extra.ClearMatchDerivedFor(right.Source),
				}
				if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
					return a.store.UpdateTransaction(ctx, right.ID, counterpart)
				}); err != nil {
					return apperrors.StoreError(apperrors.CodeWriteRejected, "reset counterpart", err)
				}
			}
		}
	}

	if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
		return a.store.DeleteMatch(ctx, match.ID)
	}); err != nil {
		return apperrors.StoreError(apperrors.CodeWriteRejected, "delete match", err)
	}

	if match.RightBatchID != "" {
		if err := a.clearMemberRefs(ctx, match.RightBatchID, match.ID); err != nil {
			return err
		}
		err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
			releaseErr := a.store.ReleaseBatch(ctx, match.RightBatchID, txn.Currency)
			if releaseErr == store.ErrNotFound {
				return nil
			}
			return releaseErr
		})
		if err != nil {
			return apperrors.StoreError(apperrors.CodeWriteRejected,
				fmt.Sprintf("release batch %s", match.RightBatchID), err)
		}
	}
	return nil
}

// clearMemberRefs removes the back-references the match wrote onto the
// batch's member transactions. References belonging to other matches
// are left alone.
func (a *Auditor) clearMemberRefs(ctx context.Context, batchID, matchID string) error {
	run := a.config.Run
	return store.ForEachPage(ctx, run.PageSize, func(pg store.Page) ([]*models.Transaction, error) {
		return a.store.ListBySettlementRef(ctx, batchID, pg)
	}, func(members []*models.Transaction) error {
		for _, m := range members {
			if m.MatchRef == nil || *m.MatchRef != matchID {
				continue
			}
			update := store.TransactionUpdate{
				Reconciled: m.Reconciled,
				MatchRef:   nil,
				Extra:      m.Extra.Clone(),
			}
			if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
				return a.store.UpdateTransaction(ctx, m.ID, update)
			}); err != nil {
				return apperrors.StoreError(apperrors.CodeWriteRejected, "clear member reference", err)
			}
		}
		return nil
	})
}
