package aggregator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/models"
	"settlement-reconciliation-service/internal/store"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func gatewayTxn(id string, source models.Source, amount string, batchID, disbDate string) *models.Transaction {
	amt, _ := decimal.NewFromString(amount)
	extra := models.Extra{models.ExtraSettlementBatchID: batchID}
	if disbDate != "" {
		extra[models.ExtraDisbursementDate] = disbDate
	}
	return &models.Transaction{
		ID:       id,
		Source:   source,
		Date:     day(2025, 6, 1),
		Amount:   amt,
		Currency: "EUR",
		Extra:    extra,
	}
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore()
	s.PutTransaction(gatewayTxn("rev-1", models.SourceGatewayRevenue, "600.00", "batch-1", "2025-06-09"))
	s.PutTransaction(gatewayTxn("rev-2", models.SourceGatewayRevenue, "400.00", "batch-1", "2025-06-09"))
	s.PutTransaction(gatewayTxn("fee-1", models.SourceGatewayFee, "-25.68", "batch-1", "2025-06-09"))
	return s
}

func TestBuildComputesNetExpected(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)

	summary, err := New(nil, s).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if summary.BatchesBuilt != 1 || summary.BatchesUpserted != 1 {
		t.Fatalf("expected 1 batch built and upserted, got %+v", summary)
	}

	batch, err := s.GetBatch(ctx, "batch-1", "EUR")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if !batch.GrossRevenue.Equal(decimal.NewFromFloat(1000.00)) {
		t.Errorf("gross = %s, expected 1000.00", batch.GrossRevenue)
	}
	if !batch.FeesTotal.Equal(decimal.NewFromFloat(25.68)) {
		t.Errorf("fees = %s, expected 25.68 (absolute value of the fee row)", batch.FeesTotal)
	}
	if !batch.NetExpected.Equal(decimal.NewFromFloat(974.32)) {
		t.Errorf("net = %s, expected 974.32", batch.NetExpected)
	}
	if batch.DisbursementDate == nil || !batch.DisbursementDate.Equal(day(2025, 6, 9)) {
		t.Errorf("disbursement date = %v, expected 2025-06-09", batch.DisbursementDate)
	}
	if batch.DateInconsistent {
		t.Error("all members agree on the date; batch must not be flagged")
	}
	if err := batch.Validate(); err != nil {
		t.Errorf("built batch fails validation: %v", err)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)

	first, err := New(nil, s).Build(ctx)
	if err != nil {
		t.Fatalf("first Build: %v", err)
	}
	second, err := New(nil, s).Build(ctx)
	if err != nil {
		t.Fatalf("second Build: %v", err)
	}

	if len(first.Batches) != len(second.Batches) {
		t.Fatalf("batch counts differ: %d vs %d", len(first.Batches), len(second.Batches))
	}
	for i := range first.Batches {
		a, b := first.Batches[i], second.Batches[i]
		if a.Key() != b.Key() || !a.NetExpected.Equal(b.NetExpected) || a.DateInconsistent != b.DateInconsistent {
			t.Errorf("batch %d differs between runs: %+v vs %+v", i, a, b)
		}
		if len(a.MemberTransactionIDs) != len(b.MemberTransactionIDs) {
			t.Errorf("batch %d member counts differ", i)
			continue
		}
		for j := range a.MemberTransactionIDs {
			if a.MemberTransactionIDs[j] != b.MemberTransactionIDs[j] {
				t.Errorf("batch %d member order differs at %d", i, j)
			}
		}
	}
}

func TestBuildRevenueOnlyGroup(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.PutTransaction(gatewayTxn("rev-1", models.SourceGatewayRevenue, "100.00", "batch-solo", "2025-06-09"))

	summary, err := New(nil, s).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if summary.BatchesBuilt != 1 {
		t.Fatalf("revenue-only group must still aggregate, got %+v", summary)
	}
	batch := summary.Batches[0]
	if !batch.FeesTotal.IsZero() {
		t.Errorf("fees should default to zero, got %s", batch.FeesTotal)
	}
	if !batch.NetExpected.Equal(decimal.NewFromFloat(100.00)) {
		t.Errorf("net = %s, expected 100.00", batch.NetExpected)
	}
}

func TestBuildFlagsInconsistentDates(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	s.PutTransaction(gatewayTxn("rev-1", models.SourceGatewayRevenue, "100.00", "batch-1", "2025-06-09"))
	s.PutTransaction(gatewayTxn("rev-2", models.SourceGatewayRevenue, "100.00", "batch-1", "2025-06-09"))
	s.PutTransaction(gatewayTxn("rev-3", models.SourceGatewayRevenue, "100.00", "batch-1", "2025-06-11"))

	summary, err := New(nil, s).Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	batch := summary.Batches[0]
	if !batch.DateInconsistent {
		t.Error("disagreeing disbursement dates must flag the batch")
	}
	if batch.DisbursementDate == nil || !batch.DisbursementDate.Equal(day(2025, 6, 9)) {
		t.Errorf("most frequent date should win, got %v", batch.DisbursementDate)
	}
	if summary.DateInconsistent != 1 {
		t.Errorf("summary should count the flagged batch, got %d", summary.DateInconsistent)
	}
}

func TestBuildSkipsBadRecordsWithoutFailing(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)
	bad := gatewayTxn("rev-bad", models.SourceGatewayRevenue, "50.00", "batch-1", "")
	bad.Date = time.Time{}
	s.PutTransaction(bad)

	summary, err := New(nil, s).Build(ctx)
	if err != nil {
		t.Fatalf("a data-quality problem must not fail the run: %v", err)
	}
	if summary.Skipped != 1 {
		t.Errorf("expected 1 skipped record, got %d", summary.Skipped)
	}
	batch, _ := s.GetBatch(ctx, "batch-1", "EUR")
	if !batch.GrossRevenue.Equal(decimal.NewFromFloat(1000.00)) {
		t.Errorf("skipped record leaked into the batch: gross = %s", batch.GrossRevenue)
	}
}

func TestBuildDryRunDoesNotUpsert(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)

	applied, err := New(nil, s).Build(ctx)
	if err != nil {
		t.Fatalf("apply Build: %v", err)
	}

	s2 := seedStore(t)
	dry, err := New(&Config{DryRun: true}, s2).Build(ctx)
	if err != nil {
		t.Fatalf("dry-run Build: %v", err)
	}

	// Same reporting either way, except for the write counter.
	if dry.BatchesBuilt != applied.BatchesBuilt || len(dry.Batches) != len(applied.Batches) {
		t.Errorf("dry-run report differs from apply: %+v vs %+v", dry, applied)
	}
	if dry.BatchesUpserted != 0 {
		t.Errorf("dry-run must not upsert, got %d", dry.BatchesUpserted)
	}
	if _, err := s2.GetBatch(ctx, "batch-1", "EUR"); err != store.ErrNotFound {
		t.Errorf("dry-run wrote to the store: %v", err)
	}
}

func TestBuildLeavesConsumedBatchAlone(t *testing.T) {
	ctx := context.Background()
	s := seedStore(t)

	if _, err := New(nil, s).Build(ctx); err != nil {
		t.Fatalf("first Build: %v", err)
	}
	if err := s.ConsumeBatch(ctx, "batch-1", "EUR", "match-1"); err != nil {
		t.Fatalf("ConsumeBatch: %v", err)
	}

	// New revenue arrives for the already-matched batch.
	s.PutTransaction(gatewayTxn("rev-late", models.SourceGatewayRevenue, "999.00", "batch-1", "2025-06-09"))

	summary, err := New(nil, s).Build(ctx)
	if err != nil {
		t.Fatalf("second Build: %v", err)
	}
	if summary.ConsumedUntouched != 1 {
		t.Errorf("expected the consumed batch to be reported untouched, got %+v", summary)
	}
	batch, _ := s.GetBatch(ctx, "batch-1", "EUR")
	if !batch.NetExpected.Equal(decimal.NewFromFloat(974.32)) {
		t.Errorf("consumed batch must stay immutable, net = %s", batch.NetExpected)
	}
}
