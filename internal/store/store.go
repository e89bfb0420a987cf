// Package store defines the transaction-store contract the reconciliation
// core runs against, plus an in-memory implementation used by the CLI and
// tests. The store owns the compare-and-swap on settlement batch
// consumption; the core never takes an in-process lock for it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/models"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrBatchConsumed is returned by ConsumeBatch when another match
	// already claimed the batch. The caller re-evaluates the remaining
	// candidate pool once, then reports no-match.
	ErrBatchConsumed = errors.New("settlement batch already consumed")
)

// Page is a pagination cursor for list operations. Stores may cap Limit;
// callers page through with ForEachPage rather than assuming one call
// returns everything.
type Page struct {
	Limit  int
	Offset int
}

// DateRange bounds a list operation by whole-day dates. Zero values mean
// unbounded on that side.
type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether the given date falls inside the range.
func (r DateRange) Contains(t time.Time) bool {
	d := models.WholeDay(t)
	if !r.From.IsZero() && d.Before(models.WholeDay(r.From)) {
		return false
	}
	if !r.To.IsZero() && d.After(models.WholeDay(r.To)) {
		return false
	}
	return true
}

// TransactionUpdate carries the full new reconciliation state for a
// transaction. The store applies it as a single write so a crash
// mid-update leaves the record untouched.
type TransactionUpdate struct {
	Reconciled bool
	MatchRef   *string
	Extra      models.Extra
}

// Store is the transaction-store contract consumed by the core. All list
// operations are paginated.
type Store interface {
	// ListUnreconciled returns unreconciled transactions for a source
	// within the date range, ordered by ID.
	ListUnreconciled(ctx context.Context, source models.Source, dateRange DateRange, page Page) ([]*models.Transaction, error)

	// ListBySource returns all transactions for a source, ordered by ID.
	ListBySource(ctx context.Context, source models.Source, page Page) ([]*models.Transaction, error)

	// ListBySettlementRef returns the transactions carrying the given
	// settlement batch ID in their metadata, ordered by ID.
	ListBySettlementRef(ctx context.Context, batchID string, page Page) ([]*models.Transaction, error)

	// GetTransaction returns one transaction or ErrNotFound.
	GetTransaction(ctx context.Context, id string) (*models.Transaction, error)

	// UpdateTransaction applies the full new reconciliation state in a
	// single write.
	UpdateTransaction(ctx context.Context, id string, update TransactionUpdate) error

	// UpsertBatch creates or replaces a settlement batch. A consumed
	// batch is immutable until released.
	UpsertBatch(ctx context.Context, batch *models.SettlementBatch) error

	// ListBatches returns settlement batches ordered by batch key.
	ListBatches(ctx context.Context, page Page) ([]*models.SettlementBatch, error)

	// GetBatch returns one batch or ErrNotFound.
	GetBatch(ctx context.Context, batchID, currency string) (*models.SettlementBatch, error)

	// ConsumeBatch atomically claims the batch for the given match ID.
	// Returns ErrBatchConsumed if another match already holds it.
	ConsumeBatch(ctx context.Context, batchID, currency, matchID string) error

	// ReleaseBatch clears the batch's consumed-by marker. Used by the
	// auditor's reset and by compensation after a failed match write.
	ReleaseBatch(ctx context.Context, batchID, currency string) error

	// SaveMatch persists a match result.
	SaveMatch(ctx context.Context, match *models.MatchResult) error

	// GetMatch returns one match result or ErrNotFound.
	GetMatch(ctx context.Context, id string) (*models.MatchResult, error)

	// DeleteMatch removes a match result. Deleting an absent match is
	// not an error; the auditor's reset must be retriable.
	DeleteMatch(ctx context.Context, id string) error

	// ListMatches returns match results ordered by ID.
	ListMatches(ctx context.Context, page Page) ([]*models.MatchResult, error)

	// ListProviders returns counterparty records ordered by code.
	ListProviders(ctx context.Context, page Page) ([]*models.Provider, error)

	// CountProviderDependents returns how many records reference the
	// provider code. Dry-run merge plans report this projection.
	CountProviderDependents(ctx context.Context, code string) (int, error)

	// MergeProvider atomically repoints every dependent of duplicateCode
	// to canonicalCode and marks the duplicate inactive with the given
	// annotated name.
	MergeProvider(ctx context.Context, duplicateCode, canonicalCode, annotatedName string) (int, error)
}

// OrderIndex is the order-lookup contract consumed by the linker.
type OrderIndex interface {
	// FindByOrderCode looks up an order by its lower-cased code.
	// Returns ErrNotFound when absent.
	FindByOrderCode(ctx context.Context, code string) (*models.Order, error)

	// FindByEmail returns orders for the email whose date falls within
	// dateWindowDays of the given date and whose amount falls within
	// amountWindow (a fraction, 0.05 means ±5%) of the given amount.
	FindByEmail(ctx context.Context, email string, date time.Time, dateWindowDays int, amount decimal.Decimal, amountWindow float64) ([]*models.Order, error)
}

// DefaultPageSize is used when a caller passes a zero-limit page.
const DefaultPageSize = 500

// ForEachPage pages through a list operation until it is exhausted,
// invoking fn for each page. The store may cap pages below the requested
// size, so iteration stops only on an empty page, never on a short one.
func ForEachPage[T any](ctx context.Context, pageSize int, list func(Page) ([]T, error), fn func([]T) error) error {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := list(Page{Limit: pageSize, Offset: offset})
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		if err := fn(items); err != nil {
			return err
		}
		offset += len(items)
	}
}
