package feed

import (
	"context"
	"strings"
	"testing"

	"settlement-reconciliation-service/internal/models"
	"settlement-reconciliation-service/internal/store"
)

func TestLoadTransactionsCSV(t *testing.T) {
	input := strings.Join([]string{
		"id,source,date,amount,currency,description,counterparty_id,extra.settlementBatchId,extra.disbursementDate",
		"rev-1,gateway-revenue,2025-06-01,600.00,EUR,card sale,tx-600,batch-1,2025-06-09",
		"fee-1,gateway-fee,2025-06-01,-25.68,EUR,processing fee,,batch-1,2025-06-09",
		"bank-1,bank-eur,2025-06-10,974.32,EUR,incoming transfer,,,",
	}, "\n")

	s := store.NewMemoryStore()
	result, err := LoadTransactionsCSV(strings.NewReader(input), s)
	if err != nil {
		t.Fatalf("LoadTransactionsCSV: %v", err)
	}
	if result.Loaded != 3 || result.Skipped != 0 {
		t.Fatalf("result = %+v", result)
	}

	txn, err := s.GetTransaction(context.Background(), "rev-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if txn.Source != models.SourceGatewayRevenue {
		t.Errorf("source = %s", txn.Source)
	}
	if txn.Extra.Get(models.ExtraSettlementBatchID) != "batch-1" {
		t.Errorf("extra column not mapped: %v", txn.Extra)
	}
	if txn.Extra.Get(models.ExtraDisbursementDate) != "2025-06-09" {
		t.Errorf("extra column not mapped: %v", txn.Extra)
	}
	if txn.CounterpartyIDRaw != "tx-600" {
		t.Errorf("counterparty = %q", txn.CounterpartyIDRaw)
	}

	bank, _ := s.GetTransaction(context.Background(), "bank-1")
	if len(bank.Extra) != 0 {
		t.Errorf("empty extra cells must not create keys: %v", bank.Extra)
	}
}

func TestLoadTransactionsCSVExtraHeaderCase(t *testing.T) {
	input := strings.Join([]string{
		"id,source,date,amount,currency,Extra.settlementBatchId",
		"rev-1,gateway-revenue,2025-06-01,600.00,EUR,batch-1",
	}, "\n")

	s := store.NewMemoryStore()
	result, err := LoadTransactionsCSV(strings.NewReader(input), s)
	if err != nil {
		t.Fatalf("LoadTransactionsCSV: %v", err)
	}
	if result.Loaded != 1 || result.Skipped != 0 {
		t.Fatalf("odd-cased extra prefix must not drop the row: %+v", result)
	}

	txn, err := s.GetTransaction(context.Background(), "rev-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if txn.Extra.Get(models.ExtraSettlementBatchID) != "batch-1" {
		t.Errorf("extra column not mapped: %v", txn.Extra)
	}
}

func TestLoadTransactionsCSVSkipsBadRows(t *testing.T) {
	input := strings.Join([]string{
		"id,source,date,amount,currency",
		"ok-1,bank-eur,2025-06-10,10.00,EUR",
		"bad-date,bank-eur,not-a-date,10.00,EUR",
		"bad-amount,bank-eur,2025-06-10,ten,EUR",
		"bad-source,paypal,2025-06-10,10.00,EUR",
	}, "\n")

	s := store.NewMemoryStore()
	result, err := LoadTransactionsCSV(strings.NewReader(input), s)
	if err != nil {
		t.Fatalf("bad rows must not fail the load: %v", err)
	}
	if result.Loaded != 1 || result.Skipped != 3 {
		t.Errorf("result = %+v", result)
	}
}

func TestLoadTransactionsCSVMissingColumn(t *testing.T) {
	input := "id,source,date\nrev-1,gateway-revenue,2025-06-01"
	s := store.NewMemoryStore()
	if _, err := LoadTransactionsCSV(strings.NewReader(input), s); err == nil {
		t.Error("missing required columns must fail the load")
	}
}

func TestLoadTransactionsJSON(t *testing.T) {
	input := `[
		{"id": "rev-1", "source": "gateway-revenue", "date": "2025-06-01", "amount": 600.00,
		 "currency": "EUR", "extra": {"settlementBatchId": "batch-1"}},
		{"id": "bad-1", "source": "gateway-revenue", "date": "nope", "amount": 1,
		 "currency": "EUR"}
	]`

	s := store.NewMemoryStore()
	result, err := LoadTransactionsJSON(strings.NewReader(input), s)
	if err != nil {
		t.Fatalf("LoadTransactionsJSON: %v", err)
	}
	if result.Loaded != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v", result)
	}

	txn, err := s.GetTransaction(context.Background(), "rev-1")
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if txn.Extra.Get(models.ExtraSettlementBatchID) != "batch-1" {
		t.Errorf("extra not mapped: %v", txn.Extra)
	}
}

func TestLoadOrdersCSV(t *testing.T) {
	input := strings.Join([]string{
		"order_code,email,customer_name,amount,currency,date",
		"a1b2c3d,x@y.com,Jane Smith,150.00,EUR,2025-03-01",
		",missing@code.com,,10.00,EUR,2025-03-01",
	}, "\n")

	s := store.NewMemoryStore()
	result, err := LoadOrdersCSV(strings.NewReader(input), s)
	if err != nil {
		t.Fatalf("LoadOrdersCSV: %v", err)
	}
	if result.Loaded != 1 || result.Skipped != 1 {
		t.Errorf("result = %+v", result)
	}

	order, err := s.FindByOrderCode(context.Background(), "A1B2C3D")
	if err != nil {
		t.Fatalf("FindByOrderCode: %v", err)
	}
	if order.CustomerName != "Jane Smith" {
		t.Errorf("customer name = %q", order.CustomerName)
	}
}

func TestLoadProvidersCSV(t *testing.T) {
	input := strings.Join([]string{
		"code,name,active,dependent_ids",
		"P1,Acme S.L.,true,inv-1;inv-2",
		"P2,ACME SL,,inv-3",
		"P3,Old Corp,false,",
	}, "\n")

	s := store.NewMemoryStore()
	result, err := LoadProvidersCSV(strings.NewReader(input), s)
	if err != nil {
		t.Fatalf("LoadProvidersCSV: %v", err)
	}
	if result.Loaded != 3 {
		t.Fatalf("result = %+v", result)
	}

	n, _ := s.CountProviderDependents(context.Background(), "P1")
	if n != 2 {
		t.Errorf("P1 dependents = %d", n)
	}

	providers, _ := s.ListProviders(context.Background(), store.Page{})
	for _, p := range providers {
		switch p.Code {
		case "P2":
			if !p.Active {
				t.Error("active defaults to true")
			}
		case "P3":
			if p.Active {
				t.Error("explicit false must be honored")
			}
		}
	}
}
