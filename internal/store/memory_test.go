package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func makeTxn(id string, source models.Source, date time.Time, amount string) *models.Transaction {
	amt, _ := decimal.NewFromString(amount)
	return &models.Transaction{
		ID:       id,
		Source:   source,
		Date:     date,
		Amount:   amt,
		Currency: "EUR",
	}
}

func TestConsumeBatchFirstCommitterWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	batch := &models.SettlementBatch{
		BatchID:              "batch-1",
		Currency:             "EUR",
		GrossRevenue:         decimal.NewFromInt(1000),
		FeesTotal:            decimal.NewFromInt(26),
		NetExpected:          decimal.NewFromInt(974),
		MemberTransactionIDs: []string{"g1"},
		BatchDate:            day(2025, 6, 1),
	}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}

	if err := s.ConsumeBatch(ctx, "batch-1", "EUR", "match-a"); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if err := s.ConsumeBatch(ctx, "batch-1", "EUR", "match-b"); err != ErrBatchConsumed {
		t.Errorf("second consume: expected ErrBatchConsumed, got %v", err)
	}

	// Same match ID re-consuming is idempotent.
	if err := s.ConsumeBatch(ctx, "batch-1", "EUR", "match-a"); err != nil {
		t.Errorf("re-consume by the holder should succeed: %v", err)
	}

	if err := s.ReleaseBatch(ctx, "batch-1", "EUR"); err != nil {
		t.Fatalf("ReleaseBatch: %v", err)
	}
	if err := s.ConsumeBatch(ctx, "batch-1", "EUR", "match-b"); err != nil {
		t.Errorf("consume after release should succeed: %v", err)
	}
}

func TestUpsertConsumedBatchRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	batch := &models.SettlementBatch{
		BatchID:              "batch-1",
		Currency:             "EUR",
		GrossRevenue:         decimal.NewFromInt(100),
		FeesTotal:            decimal.Zero,
		NetExpected:          decimal.NewFromInt(100),
		MemberTransactionIDs: []string{"g1"},
		BatchDate:            day(2025, 6, 1),
	}
	if err := s.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("UpsertBatch: %v", err)
	}
	if err := s.ConsumeBatch(ctx, "batch-1", "EUR", "match-a"); err != nil {
		t.Fatalf("ConsumeBatch: %v", err)
	}
	if err := s.UpsertBatch(ctx, batch); err != ErrBatchConsumed {
		t.Errorf("upsert of a consumed batch: expected ErrBatchConsumed, got %v", err)
	}
}

func TestUpdateTransactionReplacesState(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutTransaction(makeTxn("bank-1", models.SourceBankEUR, day(2025, 6, 10), "974.32"))

	ref := "match-1"
	err := s.UpdateTransaction(ctx, "bank-1", TransactionUpdate{
		Reconciled: true,
		MatchRef:   &ref,
		Extra:      models.Extra{models.ExtraMatchedBatchID: "batch-1"},
	})
	if err != nil {
		t.Fatalf("UpdateTransaction: %v", err)
	}

	got, err := s.GetTransaction(ctx, "bank-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if !got.Reconciled || got.MatchRef == nil || *got.MatchRef != "match-1" {
		t.Errorf("update not applied: %+v", got)
	}

	// Reset: the update fully replaces the previous state.
	err = s.UpdateTransaction(ctx, "bank-1", TransactionUpdate{
		Reconciled: false,
		MatchRef:   nil,
		Extra:      models.Extra{},
	})
	if err != nil {
		t.Fatalf("reset update: %v", err)
	}
	got, _ = s.GetTransaction(ctx, "bank-1")
	if got.Reconciled || got.MatchRef != nil || len(got.Extra) != 0 {
		t.Errorf("reset not applied: %+v", got)
	}
}

func TestListUnreconciledFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.MaxPageSize = 2

	s.PutTransaction(makeTxn("b1", models.SourceBankEUR, day(2025, 6, 1), "10"))
	s.PutTransaction(makeTxn("b2", models.SourceBankEUR, day(2025, 6, 2), "20"))
	s.PutTransaction(makeTxn("b3", models.SourceBankEUR, day(2025, 6, 3), "30"))
	s.PutTransaction(makeTxn("u1", models.SourceBankUSD, day(2025, 6, 1), "40"))
	reconciled := makeTxn("b4", models.SourceBankEUR, day(2025, 6, 4), "50")
	reconciled.Reconciled = true
	ref := "m1"
	reconciled.MatchRef = &ref
	s.PutTransaction(reconciled)

	// The store caps pages below the requested limit; ForEachPage keeps going.
	var seen []string
	err := ForEachPage(ctx, 100, func(p Page) ([]*models.Transaction, error) {
		return s.ListUnreconciled(ctx, models.SourceBankEUR, DateRange{}, p)
	}, func(items []*models.Transaction) error {
		for _, item := range items {
			seen = append(seen, item.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachPage: %v", err)
	}
	want := []string{"b1", "b2", "b3"}
	if len(seen) != len(want) {
		t.Fatalf("expected %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestForEachPageShortPageWithoutCap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutTransaction(makeTxn("b1", models.SourceBankEUR, day(2025, 6, 1), "10"))

	pages := 0
	err := ForEachPage(ctx, 10, func(p Page) ([]*models.Transaction, error) {
		return s.ListBySource(ctx, models.SourceBankEUR, p)
	}, func(items []*models.Transaction) error {
		pages++
		return nil
	})
	if err != nil {
		t.Fatalf("ForEachPage: %v", err)
	}
	if pages != 1 {
		t.Errorf("expected a single short page, got %d pages", pages)
	}
}

func TestMergeProviderRepointsDependents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutProvider(&models.Provider{Code: "ACME", Name: "Acme S.L.", Active: true}, []string{"inv-1", "inv-2"})
	s.PutProvider(&models.Provider{Code: "ACME2", Name: "ACME SL", Active: true}, []string{"inv-3"})

	moved, err := s.MergeProvider(ctx, "ACME2", "ACME", "ACME SL [MERGED→Acme S.L.]")
	if err != nil {
		t.Fatalf("MergeProvider: %v", err)
	}
	if moved != 1 {
		t.Errorf("expected 1 dependent moved, got %d", moved)
	}

	n, _ := s.CountProviderDependents(ctx, "ACME")
	if n != 3 {
		t.Errorf("canonical provider should hold 3 dependents, got %d", n)
	}
	n, _ = s.CountProviderDependents(ctx, "ACME2")
	if n != 0 {
		t.Errorf("duplicate provider should hold 0 dependents, got %d", n)
	}

	providers, _ := s.ListProviders(ctx, Page{})
	for _, p := range providers {
		if p.Code == "ACME2" {
			if p.Active {
				t.Error("merged duplicate must be inactive, not deleted")
			}
			if p.Name != "ACME SL [MERGED→Acme S.L.]" {
				t.Errorf("merged duplicate name not annotated: %q", p.Name)
			}
		}
	}
}

func TestFindByEmailWindows(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutOrder(&models.Order{
		OrderCode: "aaa11", Email: "x@y.com", Amount: decimal.NewFromFloat(495.00),
		Currency: "EUR", Date: day(2025, 3, 3),
	})
	s.PutOrder(&models.Order{
		OrderCode: "bbb22", Email: "x@y.com", Amount: decimal.NewFromFloat(800.00),
		Currency: "EUR", Date: day(2025, 3, 2),
	})
	s.PutOrder(&models.Order{
		OrderCode: "ccc33", Email: "x@y.com", Amount: decimal.NewFromFloat(505.00),
		Currency: "EUR", Date: day(2025, 3, 20),
	})

	got, err := s.FindByEmail(ctx, "x@y.com", day(2025, 3, 1), 7, decimal.NewFromFloat(500.00), 0.05)
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if len(got) != 1 || got[0].OrderCode != "aaa11" {
		t.Errorf("expected only aaa11 within both windows, got %v", got)
	}
}

func TestGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	txn := makeTxn("b1", models.SourceBankEUR, day(2025, 6, 1), "10")
	txn.Extra = models.Extra{}
	s.PutTransaction(txn)

	got, _ := s.GetTransaction(ctx, "b1")
	got.Extra[models.ExtraMatchedBatchID] = "tampered"
	got.Reconciled = true

	again, _ := s.GetTransaction(ctx, "b1")
	if again.Reconciled || again.Extra.Get(models.ExtraMatchedBatchID) != "" {
		t.Error("mutating a returned transaction must not affect the store")
	}
}
