// Package aggregator builds settlement batches from gateway revenue and
// fee transactions. Batches are a derived view: every run fully recomputes
// them from the transaction set, so re-running on the same input yields
// identical batches.
package aggregator

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/models"
	"settlement-reconciliation-service/internal/store"
	"settlement-reconciliation-service/pkg/logger"
)

// Config holds aggregator settings.
type Config struct {
	// DryRun reports the batches that would be built without upserting.
	DryRun bool

	// PageSize for store scans. Zero uses the store default.
	PageSize int
}

// DefaultConfig returns the standard aggregator configuration.
func DefaultConfig() *Config {
	return &Config{}
}

// Summary reports the outcome of one aggregation run.
type Summary struct {
	TransactionsScanned int                       `json:"transactionsScanned"`
	TransactionsGrouped int                       `json:"transactionsGrouped"`
	Skipped             int                       `json:"skipped"`
	BatchesBuilt        int                       `json:"batchesBuilt"`
	BatchesUpserted     int                       `json:"batchesUpserted"`
	ConsumedUntouched   int                       `json:"consumedUntouched"`
	DateInconsistent    int                       `json:"dateInconsistent"`
	Batches             []*models.SettlementBatch `json:"batches"`
}

// Aggregator groups gateway transactions into settlement batches.
type Aggregator struct {
	config *Config
	store  store.Store
	logger logger.Logger
}

// New creates an aggregator with the given configuration.
func New(config *Config, st store.Store) *Aggregator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Aggregator{
		config: config,
		store:  st,
		logger: logger.GetGlobalLogger().WithComponent("aggregator"),
	}
}

type group struct {
	batchID  string
	currency string
	revenue  []*models.Transaction
	fees     []*models.Transaction
}

// Build scans gateway revenue and fee transactions, groups them by
// settlement batch ID and currency, and upserts the recomputed batches.
// Batches already consumed by a bank match are left untouched.
func (a *Aggregator) Build(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	groups := make(map[string]*group)
	var keys []string

	collect := func(items []*models.Transaction) error {
		for _, txn := range items {
			summary.TransactionsScanned++
			batchID := txn.Extra.Get(models.ExtraSettlementBatchID)
			if batchID == "" {
				continue
			}
			if err := txn.Validate(); err != nil {
				a.logger.WithError(err).WithField("transaction_id", txn.ID).
					Warn("skipping transaction with data-quality problem")
				summary.Skipped++
				continue
			}
			key := batchID + "/" + txn.Currency
			g, ok := groups[key]
			if !ok {
				g = &group{batchID: batchID, currency: txn.Currency}
				groups[key] = g
				keys = append(keys, key)
			}
			if txn.Source == models.SourceGatewayRevenue {
				g.revenue = append(g.revenue, txn)
			} else {
				g.fees = append(g.fees, txn)
			}
			summary.TransactionsGrouped++
		}
		return nil
	}

	for _, source := range []models.Source{models.SourceGatewayRevenue, models.SourceGatewayFee} {
		err := store.ForEachPage(ctx, a.config.PageSize, func(p store.Page) ([]*models.Transaction, error) {
			return a.store.ListBySource(ctx, source, p)
		}, collect)
		if err != nil {
			return nil, err
		}
	}

	// Deterministic batch order regardless of store iteration order.
	sort.Strings(keys)

	for _, key := range keys {
		batch := buildBatch(groups[key])
		summary.BatchesBuilt++
		if batch.DateInconsistent {
			summary.DateInconsistent++
		}
		summary.Batches = append(summary.Batches, batch)

		existing, err := a.store.GetBatch(ctx, batch.BatchID, batch.Currency)
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		if existing != nil && existing.IsConsumed() {
			summary.ConsumedUntouched++
			continue
		}
		if a.config.DryRun {
			continue
		}
		if err := a.store.UpsertBatch(ctx, batch); err != nil {
			return nil, err
		}
		summary.BatchesUpserted++
	}

	a.logger.WithFields(logger.Fields{
		"scanned":  summary.TransactionsScanned,
		"grouped":  summary.TransactionsGrouped,
		"batches":  summary.BatchesBuilt,
		"skipped":  summary.Skipped,
		"dry_run":  a.config.DryRun,
	}).Info("aggregation run complete")
	return summary, nil
}

// buildBatch computes one settlement batch from its grouped members.
// Revenue-only groups aggregate with zero fees.
func buildBatch(g *group) *models.SettlementBatch {
	gross := decimal.Zero
	fees := decimal.Zero
	var memberIDs []string
	var earliest time.Time

	for _, txn := range g.revenue {
		gross = gross.Add(txn.Amount)
		memberIDs = append(memberIDs, txn.ID)
		if earliest.IsZero() || txn.Day().Before(earliest) {
			earliest = txn.Day()
		}
	}
	for _, txn := range g.fees {
		fees = fees.Add(txn.Amount.Abs())
		memberIDs = append(memberIDs, txn.ID)
		if earliest.IsZero() || txn.Day().Before(earliest) {
			earliest = txn.Day()
		}
	}
	sort.Strings(memberIDs)

	disbDate, inconsistent := resolveDisbursementDate(g)

	return &models.SettlementBatch{
		BatchID:              g.batchID,
		Currency:             g.currency,
		GrossRevenue:         gross,
		FeesTotal:            fees,
		NetExpected:          gross.Sub(fees),
		MemberTransactionIDs: memberIDs,
		DisbursementDate:     disbDate,
		BatchDate:            earliest,
		DateInconsistent:     inconsistent,
	}
}

// resolveDisbursementDate picks the most frequent disbursement date among
// the group's members. All members are expected to agree; when they do
// not, the most frequent date wins (earliest on a frequency tie) and the
// batch is flagged instead of failing.
func resolveDisbursementDate(g *group) (*time.Time, bool) {
	counts := make(map[time.Time]int)
	for _, txn := range append(append([]*models.Transaction(nil), g.revenue...), g.fees...) {
		raw := txn.Extra.Get(models.ExtraDisbursementDate)
		if raw == "" {
			continue
		}
		d, err := models.ParseDate(raw)
		if err != nil {
			continue
		}
		counts[d]++
	}
	if len(counts) == 0 {
		return nil, false
	}

	var best time.Time
	bestCount := 0
	for d, n := range counts {
		if n > bestCount || (n == bestCount && d.Before(best)) {
			best = d
			bestCount = n
		}
	}
	return &best, len(counts) > 1
}
