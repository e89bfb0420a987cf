package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/models"
)

// MemoryStore is the in-memory Store and OrderIndex used by CLI runs and
// tests. All list operations return deterministic orderings so repeated
// runs produce identical reports.
type MemoryStore struct {
	mu sync.RWMutex

	// MaxPageSize caps the rows returned per page regardless of the
	// requested limit. Zero means no cap.
	MaxPageSize int

	transactions map[string]*models.Transaction
	batches      map[string]*models.SettlementBatch
	matches      map[string]*models.MatchResult
	orders       map[string]*models.Order
	providers    map[string]*models.Provider

	// providerRefs maps provider code to the IDs of records depending
	// on it. MergeProvider repoints these.
	providerRefs map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*models.Transaction),
		batches:      make(map[string]*models.SettlementBatch),
		matches:      make(map[string]*models.MatchResult),
		orders:       make(map[string]*models.Order),
		providers:    make(map[string]*models.Provider),
		providerRefs: make(map[string][]string),
	}
}

// PutTransaction inserts or replaces a transaction. Used by the feed
// loader and test fixtures.
func (s *MemoryStore) PutTransaction(txn *models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *txn
	copied.Extra = txn.Extra.Clone()
	s.transactions[txn.ID] = &copied
}

// PutOrder inserts or replaces an order in the index.
func (s *MemoryStore) PutOrder(order *models.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *order
	s.orders[order.NormalizedCode()] = &copied
}

// PutProvider inserts or replaces a provider with its dependent records.
func (s *MemoryStore) PutProvider(p *models.Provider, dependentIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *p
	s.providers[p.Code] = &copied
	s.providerRefs[p.Code] = append([]string(nil), dependentIDs...)
}

func (s *MemoryStore) clampLimit(limit int) int {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if s.MaxPageSize > 0 && limit > s.MaxPageSize {
		limit = s.MaxPageSize
	}
	return limit
}

func paginate[T any](items []T, page Page, maxLimit int) []T {
	if page.Offset >= len(items) {
		return nil
	}
	end := page.Offset + maxLimit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

func copyTxn(t *models.Transaction) *models.Transaction {
	copied := *t
	copied.Extra = t.Extra.Clone()
	if t.MatchRef != nil {
		ref := *t.MatchRef
		copied.MatchRef = &ref
	}
	return &copied
}

func copyBatch(b *models.SettlementBatch) *models.SettlementBatch {
	copied := *b
	copied.MemberTransactionIDs = append([]string(nil), b.MemberTransactionIDs...)
	if b.DisbursementDate != nil {
		d := *b.DisbursementDate
		copied.DisbursementDate = &d
	}
	return &copied
}

func (s *MemoryStore) sortedTransactions(filter func(*models.Transaction) bool) []*models.Transaction {
	var out []*models.Transaction
	for _, t := range s.transactions {
		if filter(t) {
			out = append(out, copyTxn(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListUnreconciled implements Store.
func (s *MemoryStore) ListUnreconciled(ctx context.Context, source models.Source, dateRange DateRange, page Page) ([]*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.sortedTransactions(func(t *models.Transaction) bool {
		return t.Source == source && !t.Reconciled && dateRange.Contains(t.Date)
	})
	return paginate(items, page, s.clampLimit(page.Limit)), nil
}

// ListBySource implements Store.
func (s *MemoryStore) ListBySource(ctx context.Context, source models.Source, page Page) ([]*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.sortedTransactions(func(t *models.Transaction) bool {
		return t.Source == source
	})
	return paginate(items, page, s.clampLimit(page.Limit)), nil
}

// ListBySettlementRef implements Store.
func (s *MemoryStore) ListBySettlementRef(ctx context.Context, batchID string, page Page) ([]*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.sortedTransactions(func(t *models.Transaction) bool {
		return t.Extra.Get(models.ExtraSettlementBatchID) == batchID
	})
	return paginate(items, page, s.clampLimit(page.Limit)), nil
}

// GetTransaction implements Store.
func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.transactions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTxn(t), nil
}

// UpdateTransaction implements Store. The update replaces the full
// reconciliation state in one step.
func (s *MemoryStore) UpdateTransaction(ctx context.Context, id string, update TransactionUpdate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[id]
	if !ok {
		return ErrNotFound
	}
	t.Reconciled = update.Reconciled
	if update.MatchRef != nil {
		ref := *update.MatchRef
		t.MatchRef = &ref
	} else {
		t.MatchRef = nil
	}
	t.Extra = update.Extra.Clone()
	return nil
}

// UpsertBatch implements Store.
func (s *MemoryStore) UpsertBatch(ctx context.Context, batch *models.SettlementBatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := batch.Key()
	if existing, ok := s.batches[key]; ok && existing.IsConsumed() {
		// Consumed batches are immutable until the auditor releases them.
		return ErrBatchConsumed
	}
	s.batches[key] = copyBatch(batch)
	return nil
}

// ListBatches implements Store.
func (s *MemoryStore) ListBatches(ctx context.Context, page Page) ([]*models.SettlementBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*models.SettlementBatch
	for _, b := range s.batches {
		items = append(items, copyBatch(b))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key() < items[j].Key() })
	return paginate(items, page, s.clampLimit(page.Limit)), nil
}

// GetBatch implements Store.
func (s *MemoryStore) GetBatch(ctx context.Context, batchID, currency string) (*models.SettlementBatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.batches[batchID+"/"+currency]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBatch(b), nil
}

// ConsumeBatch implements Store with a compare-and-swap on the consumed-by
// marker. First committer wins.
func (s *MemoryStore) ConsumeBatch(ctx context.Context, batchID, currency, matchID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID+"/"+currency]
	if !ok {
		return ErrNotFound
	}
	if b.ConsumedBy != "" && b.ConsumedBy != matchID {
		return ErrBatchConsumed
	}
	b.ConsumedBy = matchID
	return nil
}

// ReleaseBatch implements Store.
func (s *MemoryStore) ReleaseBatch(ctx context.Context, batchID, currency string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID+"/"+currency]
	if !ok {
		return ErrNotFound
	}
	b.ConsumedBy = ""
	return nil
}

// SaveMatch implements Store.
func (s *MemoryStore) SaveMatch(ctx context.Context, match *models.MatchResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *match
	s.matches[match.ID] = &copied
	return nil
}

// GetMatch implements Store.
func (s *MemoryStore) GetMatch(ctx context.Context, id string) (*models.MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.matches[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *m
	return &copied, nil
}

// DeleteMatch implements Store.
func (s *MemoryStore) DeleteMatch(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.matches, id)
	return nil
}

// ListMatches implements Store.
func (s *MemoryStore) ListMatches(ctx context.Context, page Page) ([]*models.MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*models.MatchResult
	for _, m := range s.matches {
		copied := *m
		items = append(items, &copied)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return paginate(items, page, s.clampLimit(page.Limit)), nil
}

// ListProviders implements Store.
func (s *MemoryStore) ListProviders(ctx context.Context, page Page) ([]*models.Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*models.Provider
	for _, p := range s.providers {
		copied := *p
		items = append(items, &copied)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Code < items[j].Code })
	return paginate(items, page, s.clampLimit(page.Limit)), nil
}

// CountProviderDependents implements Store.
func (s *MemoryStore) CountProviderDependents(ctx context.Context, code string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.providerRefs[code]), nil
}

// MergeProvider implements Store. The repoint and the inactive marking
// happen under one lock so a merge is all-or-nothing per cluster member.
func (s *MemoryStore) MergeProvider(ctx context.Context, duplicateCode, canonicalCode, annotatedName string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dup, ok := s.providers[duplicateCode]
	if !ok {
		return 0, ErrNotFound
	}
	if _, ok := s.providers[canonicalCode]; !ok {
		return 0, ErrNotFound
	}

	moved := s.providerRefs[duplicateCode]
	s.providerRefs[canonicalCode] = append(s.providerRefs[canonicalCode], moved...)
	s.providerRefs[duplicateCode] = nil

	dup.Active = false
	dup.Name = annotatedName
	return len(moved), nil
}

// FindByOrderCode implements OrderIndex.
func (s *MemoryStore) FindByOrderCode(ctx context.Context, code string) (*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[strings.ToLower(strings.TrimSpace(code))]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *o
	return &copied, nil
}

// FindByEmail implements OrderIndex.
func (s *MemoryStore) FindByEmail(ctx context.Context, email string, date time.Time, dateWindowDays int, amount decimal.Decimal, amountWindow float64) ([]*models.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	email = strings.ToLower(strings.TrimSpace(email))
	window := amount.Mul(decimal.NewFromFloat(amountWindow)).Abs()

	var out []*models.Order
	for _, o := range s.orders {
		if strings.ToLower(strings.TrimSpace(o.Email)) != email {
			continue
		}
		if models.DaysBetween(o.Date, date) > dateWindowDays {
			continue
		}
		if o.Amount.Sub(amount).Abs().GreaterThan(window) {
			continue
		}
		copied := *o
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderCode < out[j].OrderCode })
	return out, nil
}
