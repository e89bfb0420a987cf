// Package matcher links unreconciled bank deposits to settlement batches
// and payout records. Candidate selection enforces the date and amount
// tolerances; batch consumption goes through the store's compare-and-swap
// so concurrent runs never match one batch twice.
package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/models"
	"settlement-reconciliation-service/internal/runner"
	"settlement-reconciliation-service/internal/store"
	apperrors "settlement-reconciliation-service/pkg/errors"
	"settlement-reconciliation-service/pkg/logger"
)

// Unmatched reasons recorded for human review.
const (
	ReasonNoCandidate     = "no candidate within tolerance"
	ReasonPoolExhausted   = "all candidates consumed by concurrent matches"
	ReasonNoDisbursement  = "no disbursement date recorded"
	ReasonNotYetDisbursed = "disbursement date in the future"
)

// SourceStats accumulates per-source counters for reporting.
type SourceStats struct {
	Candidates      int             `json:"candidates"`
	Matched         int             `json:"matched"`
	Unmatched       int             `json:"unmatched"`
	Failed          int             `json:"failed"`
	ValueReconciled decimal.Decimal `json:"valueReconciled"`
}

// Summary reports the outcome of one matching run.
type Summary struct {
	RunID            string                         `json:"runId"`
	Strategy         Strategy                       `json:"strategy"`
	DryRun           bool                           `json:"dryRun"`
	TotalCandidates  int                            `json:"totalCandidates"`
	Matched          int                            `json:"matched"`
	Unmatched        int                            `json:"unmatched"`
	Failed           int                            `json:"failed"`
	Conflicts        int                            `json:"conflicts"`
	ValueReconciled  decimal.Decimal                `json:"valueReconciled"`
	UnmatchedReasons map[string]int                 `json:"unmatchedReasons"`
	BySource         map[models.Source]*SourceStats `json:"bySource"`
	Results          []*models.MatchResult          `json:"results"`
}

func newSummary(strategy Strategy, dryRun bool) *Summary {
	return &Summary{
		RunID:            runner.NewRunID(),
		Strategy:         strategy,
		DryRun:           dryRun,
		ValueReconciled:  decimal.Zero,
		UnmatchedReasons: make(map[string]int),
		BySource:         make(map[models.Source]*SourceStats),
	}
}

func (s *Summary) stats(source models.Source) *SourceStats {
	st, ok := s.BySource[source]
	if !ok {
		st = &SourceStats{ValueReconciled: decimal.Zero}
		s.BySource[source] = st
	}
	return st
}

// candidate is one side a bank deposit can match against: a settlement
// batch, or a payout/disbursement record for gateways that do not batch.
type candidate struct {
	batch    *models.SettlementBatch
	txn      *models.Transaction
	net      decimal.Decimal
	date     time.Time
	hasDate  bool
	currency string
}

func (c *candidate) id() string {
	if c.batch != nil {
		return "batch:" + c.batch.Key()
	}
	return "txn:" + c.txn.ID
}

// pool is the shared candidate set. Workers claim candidates under the
// mutex; the store CAS stays authoritative across processes.
type pool struct {
	mu         sync.Mutex
	candidates []*candidate
	claimed    map[string]bool
}

func newPool(candidates []*candidate) *pool {
	return &pool{candidates: candidates, claimed: make(map[string]bool)}
}

// claimBest selects and claims the best unclaimed candidate for the
// deposit: minimum amount difference, ties broken by minimum day
// distance. Candidates outside the day tolerance are never returned.
func (p *pool) claimBest(txn *models.Transaction, cfg *Config) (*candidate, decimal.Decimal, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *candidate
	bestDiff := decimal.Zero
	bestDays := 0

	for _, c := range p.candidates {
		if p.claimed[c.id()] || c.currency != txn.Currency {
			continue
		}
		days := models.DaysBetween(txn.Date, c.date)
		if !c.hasDate || days > cfg.MaxDaysTolerance {
			continue
		}
		diff := txn.Amount.Sub(c.net).Abs()
		if best == nil || diff.LessThan(bestDiff) || (diff.Equal(bestDiff) && days < bestDays) {
			best = c
			bestDiff = diff
			bestDays = days
		}
	}
	if best != nil {
		p.claimed[best.id()] = true
	}
	return best, bestDiff, bestDays
}

func (p *pool) anyUnclaimed(currency string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.candidates {
		if !p.claimed[c.id()] && c.currency == currency {
			return true
		}
	}
	return false
}

// Engine matches bank deposits to settlement batches and payouts.
type Engine struct {
	config *Config
	store  store.Store
	logger logger.Logger

	mu      sync.Mutex
	summary *Summary
}

// NewEngine creates a matching engine with the given configuration.
func NewEngine(config *Config, st store.Store) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "matcher", config.Strategy, err)
	}
	return &Engine{
		config: config,
		store:  st,
		logger: logger.GetGlobalLogger().WithComponent("matcher"),
	}, nil
}

// Run executes the configured matching strategy and returns the run
// summary. Individual record failures are counted, never fatal.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	e.summary = newSummary(e.config.Strategy, e.config.DryRun)

	var err error
	switch e.config.Strategy {
	case StrategyAssumedPaid:
		err = e.runAssumedPaid(ctx)
	default:
		err = e.runToleranceChecked(ctx)
	}
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logger.Fields{
		"run_id":     e.summary.RunID,
		"strategy":   string(e.summary.Strategy),
		"candidates": e.summary.TotalCandidates,
		"matched":    e.summary.Matched,
		"unmatched":  e.summary.Unmatched,
		"failed":     e.summary.Failed,
		"dry_run":    e.summary.DryRun,
	}).Info("matching run complete")
	return e.summary, nil
}

func (e *Engine) runToleranceChecked(ctx context.Context) error {
	candidates, err := e.loadCandidates(ctx)
	if err != nil {
		return err
	}
	p := newPool(candidates)

	var deposits []*models.Transaction
	for _, source := range e.config.Sources {
		err := store.ForEachPage(ctx, e.config.Run.PageSize, func(pg store.Page) ([]*models.Transaction, error) {
			return e.store.ListUnreconciled(ctx, source, store.DateRange{}, pg)
		}, func(items []*models.Transaction) error {
			for _, txn := range items {
				if txn.Amount.IsPositive() {
					deposits = append(deposits, txn)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	progress := e.newProgress()
	return runner.ForEach(ctx, e.config.Run.MaxConcurrency, deposits, func(txn *models.Transaction) error {
		progress.Record(e.matchDeposit(ctx, txn, p))
		return nil
	})
}

// newProgress builds the run's progress tracker. Reports go to the
// configured callback, or to the log when none is set.
func (e *Engine) newProgress() *runner.Progress {
	cb := e.config.Run.OnProgress
	if cb == nil {
		cb = func(processed, matched int64) {
			e.logger.WithFields(logger.Fields{
				"processed": processed,
				"matched":   matched,
			}).Info("scan progress")
		}
	}
	return runner.NewProgress(e.config.Run.ProgressInterval, cb)
}

// loadCandidates gathers unconsumed settlement batches plus unreconciled
// payout and disbursement records (for gateways that pay out one record
// per date instead of batching).
func (e *Engine) loadCandidates(ctx context.Context) ([]*candidate, error) {
	var out []*candidate

	err := store.ForEachPage(ctx, e.config.Run.PageSize, func(pg store.Page) ([]*models.SettlementBatch, error) {
		return e.store.ListBatches(ctx, pg)
	}, func(items []*models.SettlementBatch) error {
		for _, b := range items {
			if b.IsConsumed() {
				continue
			}
			out = append(out, &candidate{
				batch:    b,
				net:      b.NetExpected,
				date:     b.EffectiveDate(),
				hasDate:  b.HasDate(),
				currency: b.Currency,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, source := range []models.Source{models.SourceGatewayPayout, models.SourceGatewayDisbursement} {
		err := store.ForEachPage(ctx, e.config.Run.PageSize, func(pg store.Page) ([]*models.Transaction, error) {
			return e.store.ListUnreconciled(ctx, source, store.DateRange{}, pg)
		}, func(items []*models.Transaction) error {
			for _, txn := range items {
				c := &candidate{
					txn:      txn,
					net:      txn.Amount.Abs(),
					currency: txn.Currency,
				}
				if raw := txn.Extra.Get(models.ExtraDisbursementDate); raw != "" {
					if d, err := models.ParseDate(raw); err == nil {
						c.date = d
						c.hasDate = true
					}
				}
				if !c.hasDate && !txn.Date.IsZero() {
					c.date = txn.Day()
					c.hasDate = true
				}
				out = append(out, c)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// matchDeposit evaluates one bank deposit against the pool and reports
// whether it matched. A lost batch race retries once against the
// remaining candidates, then reports no-match.
func (e *Engine) matchDeposit(ctx context.Context, txn *models.Transaction, p *pool) bool {
	e.countCandidate(txn.Source)

	for attempt := 0; attempt < 2; attempt++ {
		best, amountDiff, daysDiff := p.claimBest(txn, e.config)
		if best == nil {
			reason := ReasonNoCandidate
			if attempt > 0 && !p.anyUnclaimed(txn.Currency) {
				reason = ReasonPoolExhausted
			}
			e.recordUnmatched(txn, reason)
			return false
		}

		match := e.buildMatch(txn, best, amountDiff, daysDiff)
		if e.config.DryRun {
			e.recordMatched(txn, match)
			return true
		}

		err := e.apply(ctx, txn, best, match)
		if err == nil {
			e.recordMatched(txn, match)
			return true
		}
		if apperrors.IsConflict(err) {
			// Another run consumed this batch between our pool load and
			// the CAS. Drop it and re-evaluate once.
			e.countConflict()
			continue
		}
		e.recordFailed(txn, err)
		return false
	}
	e.recordUnmatched(txn, ReasonPoolExhausted)
	return false
}

func (e *Engine) buildMatch(txn *models.Transaction, c *candidate, amountDiff decimal.Decimal, daysDiff int) *models.MatchResult {
	match := &models.MatchResult{
		ID:         models.NewMatchID(),
		LeftID:     txn.ID,
		MatchType:  models.MatchSettlementBatch,
		Confidence: e.config.classifyConfidence(amountDiff, txn.Amount),
		DaysDiff:   daysDiff,
		AmountDiff: amountDiff,
		CreatedAt:  time.Now().UTC(),
	}
	if c.batch != nil {
		match.RightBatchID = c.batch.BatchID
	} else {
		match.RightID = c.txn.ID
	}
	return match
}

// apply commits one match: claim the batch, save the result, then update
// the transaction sides. The full new transaction state is built before
// the single write; a persistent write failure compensates by deleting
// the result and releasing the batch.
func (e *Engine) apply(ctx context.Context, txn *models.Transaction, c *candidate, match *models.MatchResult) error {
	run := e.config.Run

	if c.batch != nil {
		err := e.store.ConsumeBatch(ctx, c.batch.BatchID, c.batch.Currency, match.ID)
		if err == store.ErrBatchConsumed {
			return apperrors.ConflictError(c.batch.BatchID, err)
		}
		if err != nil {
			return apperrors.StoreError(apperrors.CodeWriteRejected, "consume batch", err)
		}
	}

	if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
		return e.store.SaveMatch(ctx, match)
	}); err != nil {
		e.releaseBatch(ctx, c)
		return apperrors.StoreError(apperrors.CodeWriteRejected, "save match", err)
	}

	update := e.buildUpdate(txn, c, match)
	if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
		return e.store.UpdateTransaction(ctx, txn.ID, update)
	}); err != nil {
		e.compensate(ctx, c, match)
		return apperrors.StoreError(apperrors.CodeWriteRejected, "update transaction", err)
	}

	if c.batch != nil {
		if err := e.linkBatchMembers(ctx, c.batch.BatchID, match.ID); err != nil {
			e.unlinkBatchMembers(ctx, c.batch.BatchID, match.ID)
			restore := store.TransactionUpdate{
				Reconciled: txn.Reconciled,
				MatchRef:   txn.MatchRef,
				Extra:      txn.Extra.Clone(),
			}
			_ = e.store.UpdateTransaction(ctx, txn.ID, restore)
			e.compensate(ctx, c, match)
			return apperrors.StoreError(apperrors.CodeWriteRejected, "update batch members", err)
		}
	}

	if c.txn != nil {
		ref := match.ID
		counterpart := store.TransactionUpdate{
			Reconciled: true,
			MatchRef:   &ref,
			Extra:      c.txn.Extra.Clone(),
		}
		if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
			return e.store.UpdateTransaction(ctx, c.txn.ID, counterpart)
		}); err != nil {
			// Roll the deposit back so both sides stay consistent.
			restore := store.TransactionUpdate{
				Reconciled: txn.Reconciled,
				MatchRef:   txn.MatchRef,
				Extra:      txn.Extra.Clone(),
			}
			_ = e.store.UpdateTransaction(ctx, txn.ID, restore)
			e.compensate(ctx, c, match)
			return apperrors.StoreError(apperrors.CodeWriteRejected, "update counterpart", err)
		}
	}
	return nil
}

// buildUpdate constructs the deposit's full new state: reconciled flag,
// match reference, and the matching metadata merged into extra.
func (e *Engine) buildUpdate(txn *models.Transaction, c *candidate, match *models.MatchResult) store.TransactionUpdate {
	ref := match.ID
	extra := txn.Extra.Clone()
	extra[models.ExtraMatchedAmount] = c.net.String()
	if c.batch != nil {
		extra[models.ExtraMatchedBatchID] = c.batch.BatchID
		if c.batch.DisbursementDate != nil {
			extra[models.ExtraDisbursementDate] = c.batch.DisbursementDate.Format("2006-01-02")
		}
	} else if raw := c.txn.Extra.Get(models.ExtraDisbursementDate); raw != "" {
		extra[models.ExtraDisbursementDate] = raw
	}
	return store.TransactionUpdate{
		Reconciled: true,
		MatchRef:   &ref,
		Extra:      extra,
	}
}

// linkBatchMembers writes the match reference onto each member
// transaction of the consumed batch. Members keep their reconciliation
// state; the back-reference records which match settled their batch.
func (e *Engine) linkBatchMembers(ctx context.Context, batchID, matchID string) error {
	run := e.config.Run
	return store.ForEachPage(ctx, run.PageSize, func(pg store.Page) ([]*models.Transaction, error) {
		return e.store.ListBySettlementRef(ctx, batchID, pg)
	}, func(members []*models.Transaction) error {
		for _, m := range members {
			ref := matchID
			update := store.TransactionUpdate{
				Reconciled: m.Reconciled,
				MatchRef:   &ref,
				Extra:      m.Extra.Clone(),
			}
			if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
				return e.store.UpdateTransaction(ctx, m.ID, update)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// unlinkBatchMembers clears the back-references written for matchID.
// Best effort: it runs inside compensation, where the match is going
// away regardless.
func (e *Engine) unlinkBatchMembers(ctx context.Context, batchID, matchID string) {
	err := store.ForEachPage(ctx, e.config.Run.PageSize, func(pg store.Page) ([]*models.Transaction, error) {
		return e.store.ListBySettlementRef(ctx, batchID, pg)
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
			if err := e.store.UpdateTransaction(ctx, m.ID, update); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.logger.WithError(err).WithField("batch_id", batchID).
			Error("failed to clear member references during compensation")
	}
}

func (e *Engine) releaseBatch(ctx context.Context, c *candidate) {
	if c.batch == nil {
		return
	}
	if err := e.store.ReleaseBatch(ctx, c.batch.BatchID, c.batch.Currency); err != nil {
		e.logger.WithError(err).WithField("batch_id", c.batch.BatchID).
			Error("failed to release batch during compensation")
	}
}

func (e *Engine) compensate(ctx context.Context, c *candidate, match *models.MatchResult) {
	if err := e.store.DeleteMatch(ctx, match.ID); err != nil {
		e.logger.WithError(err).WithField("match_id", match.ID).
			Error("failed to delete match during compensation")
	}
	e.releaseBatch(ctx, c)
}

// runAssumedPaid marks gateway payout records whose disbursement date has
// passed as reconciled, without an amount comparison.
func (e *Engine) runAssumedPaid(ctx context.Context) error {
	today := e.config.today()
	progress := e.newProgress()

	for _, source := range []models.Source{models.SourceGatewayPayout, models.SourceGatewayDisbursement} {
		var records []*models.Transaction
		err := store.ForEachPage(ctx, e.config.Run.PageSize, func(pg store.Page) ([]*models.Transaction, error) {
			return e.store.ListUnreconciled(ctx, source, store.DateRange{}, pg)
		}, func(items []*models.Transaction) error {
			records = append(records, items...)
			return nil
		})
		if err != nil {
			return err
		}

		err = runner.ForEach(ctx, e.config.Run.MaxConcurrency, records, func(txn *models.Transaction) error {
			progress.Record(e.assumePaid(ctx, txn, today))
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) assumePaid(ctx context.Context, txn *models.Transaction, today time.Time) bool {
	e.countCandidate(txn.Source)

	raw := txn.Extra.Get(models.ExtraDisbursementDate)
	if raw == "" {
		e.recordUnmatched(txn, ReasonNoDisbursement)
		return false
	}
	disbDate, err := models.ParseDate(raw)
	if err != nil {
		e.recordUnmatched(txn, ReasonNoDisbursement)
		return false
	}
	if disbDate.After(today) {
		e.recordUnmatched(txn, ReasonNotYetDisbursed)
		return false
	}

	match := &models.MatchResult{
		ID:         models.NewMatchID(),
		LeftID:     txn.ID,
		RightID:    txn.ID,
		MatchType:  models.MatchAssumedPaid,
		Confidence: models.ConfidenceLow,
		DaysDiff:   models.DaysBetween(txn.Date, disbDate),
		AmountDiff: decimal.Zero,
		CreatedAt:  time.Now().UTC(),
	}

	if e.config.DryRun {
		e.recordMatched(txn, match)
		return true
	}

	run := e.config.Run
	if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
		return e.store.SaveMatch(ctx, match)
	}); err != nil {
		e.recordFailed(txn, err)
		return false
	}

	ref := match.ID
	update := store.TransactionUpdate{
		Reconciled: true,
		MatchRef:   &ref,
		Extra:      txn.Extra.Clone(),
	}
	if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
		return e.store.UpdateTransaction(ctx, txn.ID, update)
	}); err != nil {
		if delErr := e.store.DeleteMatch(ctx, match.ID); delErr != nil {
			e.logger.WithError(delErr).WithField("match_id", match.ID).
				Error("failed to delete match during compensation")
		}
		e.recordFailed(txn, err)
		return false
	}
	e.recordMatched(txn, match)
	return true
}

func (e *Engine) countCandidate(source models.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summary.TotalCandidates++
	e.summary.stats(source).Candidates++
}

func (e *Engine) countConflict() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summary.Conflicts++
}

func (e *Engine) recordMatched(txn *models.Transaction, match *models.MatchResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summary.Matched++
	e.summary.ValueReconciled = e.summary.ValueReconciled.Add(txn.Amount.Abs())
	e.summary.Results = append(e.summary.Results, match)
	st := e.summary.stats(txn.Source)
	st.Matched++
	st.ValueReconciled = st.ValueReconciled.Add(txn.Amount.Abs())
}

func (e *Engine) recordUnmatched(txn *models.Transaction, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summary.Unmatched++
	e.summary.UnmatchedReasons[reason]++
	e.summary.stats(txn.Source).Unmatched++
	e.logger.WithFields(logger.Fields{
		"transaction_id": txn.ID,
		"reason":         reason,
	}).Debug("deposit left unreconciled")
}

func (e *Engine) recordFailed(txn *models.Transaction, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summary.Failed++
	e.summary.stats(txn.Source).Failed++
	e.logger.WithError(err).WithField("transaction_id", txn.ID).
		Error("could not persist match")
}
