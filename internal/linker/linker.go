// Package linker resolves gateway revenue transactions to commercial
// orders. An embedded order code is the strongest evidence; when absent,
// the linker falls back to email and amount-window heuristics with
// explicit ambiguity rejection.
package linker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/models"
	"settlement-reconciliation-service/internal/runner"
	"settlement-reconciliation-service/internal/store"
	apperrors "settlement-reconciliation-service/pkg/errors"
	"settlement-reconciliation-service/pkg/logger"
)

// Unlinked reasons recorded for human review.
const (
	ReasonNoEmail     = "no customer email on record"
	ReasonNoCandidate = "no order within the email windows"
	ReasonAmbiguous   = "multiple equally-good order candidates"
	ReasonStaleCode   = "order code resolved outside the day tolerance"
)

// Config holds order linker settings.
type Config struct {
	// DryRun evaluates and reports without writing to the store.
	DryRun bool

	// EmailDateWindowDays bounds the order search around the
	// transaction date.
	EmailDateWindowDays int

	// EmailAmountWindow bounds the order search as a fraction of the
	// transaction amount (0.05 means ±5%).
	EmailAmountWindow float64

	// ExactAmountUnit is the difference under which a single candidate
	// among several escalates to high confidence.
	ExactAmountUnit decimal.Decimal

	// Run carries concurrency, retry and paging settings.
	Run *runner.Config
}

// DefaultConfig returns the standard linker configuration.
func DefaultConfig() *Config {
	return &Config{
		EmailDateWindowDays: 7,
		EmailAmountWindow:   0.05,
		ExactAmountUnit:     decimal.NewFromInt(1),
		Run:                 runner.DefaultConfig(),
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.EmailDateWindowDays < 0 {
		return fmt.Errorf("email date window must be non-negative, got %d", c.EmailDateWindowDays)
	}
	if c.EmailAmountWindow < 0 {
		return fmt.Errorf("email amount window must be non-negative, got %f", c.EmailAmountWindow)
	}
	if c.ExactAmountUnit.IsNegative() {
		return fmt.Errorf("exact amount unit must be non-negative")
	}
	if c.Run != nil {
		return c.Run.Validate()
	}
	return nil
}

// Summary reports the outcome of one linking run.
type Summary struct {
	RunID           string                `json:"runId"`
	DryRun          bool                  `json:"dryRun"`
	TotalCandidates int                   `json:"totalCandidates"`
	Linked          int                   `json:"linked"`
	Unlinked        int                   `json:"unlinked"`
	Failed          int                   `json:"failed"`
	ValueLinked     decimal.Decimal       `json:"valueLinked"`
	UnlinkedReasons map[string]int        `json:"unlinkedReasons"`
	Results         []*models.MatchResult `json:"results"`
}

// Engine links gateway revenue transactions to orders.
type Engine struct {
	config *Config
	store  store.Store
	orders store.OrderIndex
	logger logger.Logger

	mu      sync.Mutex
	summary *Summary
}

// NewEngine creates a linking engine with the given configuration.
func NewEngine(config *Config, st store.Store, orders store.OrderIndex) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "linker", "", err)
	}
	return &Engine{
		config: config,
		store:  st,
		orders: orders,
		logger: logger.GetGlobalLogger().WithComponent("linker"),
	}, nil
}

// Run links every unreconciled gateway revenue transaction it can and
// returns the run summary.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	e.summary = &Summary{
		RunID:           runner.NewRunID(),
		DryRun:          e.config.DryRun,
		ValueLinked:     decimal.Zero,
		UnlinkedReasons: make(map[string]int),
	}

	var pending []*models.Transaction
	err := store.ForEachPage(ctx, e.config.Run.PageSize, func(pg store.Page) ([]*models.Transaction, error) {
		return e.store.ListUnreconciled(ctx, models.SourceGatewayRevenue, store.DateRange{}, pg)
	}, func(items []*models.Transaction) error {
		pending = append(pending, items...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	progress := e.newProgress()
	err = runner.ForEach(ctx, e.config.Run.MaxConcurrency, pending, func(txn *models.Transaction) error {
		progress.Record(e.linkOne(ctx, txn))
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.WithFields(logger.Fields{
		"run_id":     e.summary.RunID,
		"candidates": e.summary.TotalCandidates,
		"linked":     e.summary.Linked,
		"unlinked":   e.summary.Unlinked,
		"failed":     e.summary.Failed,
		"dry_run":    e.summary.DryRun,
	}).Info("linking run complete")
	return e.summary, nil
}

// newProgress builds the run's progress tracker. Reports go to the
// configured callback, or to the log when none is set.
func (e *Engine) newProgress() *runner.Progress {
	cb := e.config.Run.OnProgress
	if cb == nil {
		cb = func(processed, linked int64) {
			e.logger.WithFields(logger.Fields{
				"processed": processed,
				"linked":    linked,
			}).Info("scan progress")
		}
	}
	return runner.NewProgress(e.config.Run.ProgressInterval, cb)
}

// linkOne resolves a single transaction and reports whether it linked.
// An exact order-code hit always wins; the email heuristics only run
// when it yields nothing.
func (e *Engine) linkOne(ctx context.Context, txn *models.Transaction) bool {
	e.mu.Lock()
	e.summary.TotalCandidates++
	e.mu.Unlock()

	order, match, reason := e.resolve(ctx, txn)
	if order == nil {
		e.recordUnlinked(txn, reason)
		return false
	}

	if e.config.DryRun {
		e.recordLinked(txn, match)
		return true
	}
	if err := e.commit(ctx, txn, order, match); err != nil {
		e.recordFailed(txn, err)
		return false
	}
	e.recordLinked(txn, match)
	return true
}

func (e *Engine) resolve(ctx context.Context, txn *models.Transaction) (*models.Order, *models.MatchResult, string) {
	if code := ExtractOrderCode(txn.CounterpartyIDRaw); code != "" {
		order, err := e.orders.FindByOrderCode(ctx, code)
		if err == nil {
			daysDiff := models.DaysBetween(txn.Date, order.Date)
			if daysDiff > models.MaxDaysTolerance {
				return nil, nil, ReasonStaleCode
			}
			return order, e.buildMatch(txn, order, models.MatchExactOrderID, models.ConfidenceHigh, daysDiff), ""
		}
		if err != store.ErrNotFound {
			e.logger.WithError(err).WithField("order_code", code).Warn("order index lookup failed")
		}
		// Fall through to the email heuristics.
	}

	email := txn.Extra.Get(models.ExtraCustomerEmail)
	if email == "" {
		return nil, nil, ReasonNoEmail
	}

	candidates, err := e.orders.FindByEmail(ctx, email, txn.Date, e.config.EmailDateWindowDays, txn.Amount, e.config.EmailAmountWindow)
	if err != nil {
		e.logger.WithError(err).WithField("transaction_id", txn.ID).Warn("order index lookup failed")
		return nil, nil, ReasonNoCandidate
	}
	if len(candidates) == 0 {
		return nil, nil, ReasonNoCandidate
	}

	if len(candidates) == 1 {
		order := candidates[0]
		daysDiff := models.DaysBetween(txn.Date, order.Date)
		return order, e.buildMatch(txn, order, models.MatchEmailAmount, models.ConfidenceMedium, daysDiff), ""
	}

	// Multiple candidates: closest amount wins, exact ties are ambiguous.
	sort.SliceStable(candidates, func(i, j int) bool {
		di := candidates[i].Amount.Sub(txn.Amount).Abs()
		dj := candidates[j].Amount.Sub(txn.Amount).Abs()
		return di.LessThan(dj)
	})
	bestDiff := candidates[0].Amount.Sub(txn.Amount).Abs()
	secondDiff := candidates[1].Amount.Sub(txn.Amount).Abs()
	if bestDiff.Equal(secondDiff) {
		return nil, nil, ReasonAmbiguous
	}

	order := candidates[0]
	confidence := models.ConfidenceMedium
	if e.uniqueWithinUnit(candidates, txn.Amount) {
		confidence = models.ConfidenceHigh
	}
	daysDiff := models.DaysBetween(txn.Date, order.Date)
	return order, e.buildMatch(txn, order, models.MatchEmailAmount, confidence, daysDiff), ""
}

// uniqueWithinUnit reports whether exactly one candidate sits within the
// exact-amount unit of the transaction amount. Only that sub-case
// escalates a multi-candidate pick to high confidence.
func (e *Engine) uniqueWithinUnit(candidates []*models.Order, amount decimal.Decimal) bool {
	within := 0
	for _, o := range candidates {
		if o.Amount.Sub(amount).Abs().LessThan(e.config.ExactAmountUnit) {
			within++
		}
	}
	return within == 1
}

func (e *Engine) buildMatch(txn *models.Transaction, order *models.Order, matchType models.MatchType, confidence models.Confidence, daysDiff int) *models.MatchResult {
	return &models.MatchResult{
		ID:         models.NewMatchID(),
		LeftID:     txn.ID,
		RightID:    order.NormalizedCode(),
		MatchType:  matchType,
		Confidence: confidence,
		DaysDiff:   daysDiff,
		AmountDiff: txn.Amount.Sub(order.Amount).Abs(),
		CreatedAt:  time.Now().UTC(),
	}
}

// commit persists the match and the transaction's full new state in a
// single write each, compensating when the second write fails.
func (e *Engine) commit(ctx context.Context, txn *models.Transaction, order *models.Order, match *models.MatchResult) error {
	run := e.config.Run

	if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
		return e.store.SaveMatch(ctx, match)
	}); err != nil {
		return apperrors.StoreError(apperrors.CodeWriteRejected, "save match", err)
	}

	ref := match.ID
	extra := txn.Extra.Clone()
	extra[models.ExtraOrderCode] = order.NormalizedCode()
	if order.CustomerName != "" {
		extra[models.ExtraCustomerName] = order.CustomerName
	}
	extra[models.ExtraMatchedAmount] = order.Amount.String()

	update := store.TransactionUpdate{
		Reconciled: true,
		MatchRef:   &ref,
		Extra:      extra,
	}
	if err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
		return e.store.UpdateTransaction(ctx, txn.ID, update)
	}); err != nil {
		if delErr := e.store.DeleteMatch(ctx, match.ID); delErr != nil {
			e.logger.WithError(delErr).WithField("match_id", match.ID).
				Error("failed to delete match during compensation")
		}
		return apperrors.StoreError(apperrors.CodeWriteRejected, "update transaction", err)
	}
	return nil
}

func (e *Engine) recordLinked(txn *models.Transaction, match *models.MatchResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summary.Linked++
	e.summary.ValueLinked = e.summary.ValueLinked.Add(txn.Amount.Abs())
	e.summary.Results = append(e.summary.Results, match)
}

func (e *Engine) recordUnlinked(txn *models.Transaction, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summary.Unlinked++
	e.summary.UnlinkedReasons[reason]++
	e.logger.WithFields(logger.Fields{
		"transaction_id": txn.ID,
		"reason":         reason,
	}).Debug("transaction left without an order link")
}

func (e *Engine) recordFailed(txn *models.Transaction, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.summary.Failed++
	e.logger.WithError(err).WithField("transaction_id", txn.ID).
		Error("could not persist order link")
}
