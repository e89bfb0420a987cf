// Package feed materializes the collaborator-provided ingestion stream
// into the store for CLI runs. Input arrives as CSV with a header row
// mapped by column name, or as JSON arrays of the same record shape.
// How those files are produced (gateway APIs, CRM sync) is out of scope.
package feed

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/models"
	"settlement-reconciliation-service/internal/store"
	"settlement-reconciliation-service/pkg/logger"
)

// extraColumnPrefix marks CSV columns that land in the record's metadata
// bag, e.g. "extra.settlementBatchId".
const extraColumnPrefix = "extra."

// LoadResult counts the outcome of one load.
type LoadResult struct {
	Loaded  int `json:"loaded"`
	Skipped int `json:"skipped"`
}

// columnMap resolves header names to positions, case-insensitively.
type columnMap map[string]int

func newColumnMap(header []string) columnMap {
	m := make(columnMap, len(header))
	for i, name := range header {
		m[strings.ToLower(strings.TrimSpace(name))] = i
	}
	return m
}

func (m columnMap) get(record []string, name string) string {
	i, ok := m[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// LoadTransactionsCSV reads uniform transaction records from CSV into the
// store. Required columns: id, source, date, amount, currency. Optional:
// description, counterparty_id, and any number of extra.* columns.
// Records failing validation are skipped and counted.
func LoadTransactionsCSV(r io.Reader, st *store.MemoryStore) (*LoadResult, error) {
	log := logger.GetGlobalLogger().WithComponent("feed")
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cols := newColumnMap(header)
	for _, required := range []string{"id", "source", "date", "amount", "currency"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	result := &LoadResult{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			log.WithError(err).WithField("line", line).Warn("skipping malformed CSV row")
			result.Skipped++
			continue
		}

		txn, err := parseTransaction(cols, header, record)
		if err != nil {
			log.WithError(err).WithField("line", line).Warn("skipping invalid transaction row")
			result.Skipped++
			continue
		}
		st.PutTransaction(txn)
		result.Loaded++
	}
	return result, nil
}

func parseTransaction(cols columnMap, header, record []string) (*models.Transaction, error) {
	date, err := models.ParseDate(cols.get(record, "date"))
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(cols.get(record, "amount"))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", cols.get(record, "amount"), err)
	}

	extra := models.Extra{}
	for i, name := range header {
		name = strings.TrimSpace(name)
		if !strings.HasPrefix(strings.ToLower(name), extraColumnPrefix) || i >= len(record) {
			continue
		}
		// Slice rather than TrimPrefix so an odd-cased prefix ("Extra.")
		// still yields the metadata key with its own case intact.
		key := name[len(extraColumnPrefix):]
		if value := strings.TrimSpace(record[i]); value != "" {
			extra[key] = value
		}
	}

	txn := &models.Transaction{
		ID:                cols.get(record, "id"),
		Source:            models.Source(cols.get(record, "source")),
		Date:              date,
		Amount:            amount,
		Currency:          cols.get(record, "currency"),
		Description:       cols.get(record, "description"),
		CounterpartyIDRaw: cols.get(record, "counterparty_id"),
		Extra:             extra,
	}
	if err := txn.Validate(); err != nil {
		return nil, err
	}
	return txn, nil
}

// transactionRecord is the JSON wire shape of one feed record.
type transactionRecord struct {
	ID             string            `json:"id"`
	Source         string            `json:"source"`
	Date           string            `json:"date"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Description    string            `json:"description"`
	CounterpartyID string            `json:"counterpartyId"`
	Extra          map[string]string `json:"extra"`
}

// LoadTransactionsJSON reads a JSON array of uniform transaction records
// into the store. Records failing validation are skipped and counted.
func LoadTransactionsJSON(r io.Reader, st *store.MemoryStore) (*LoadResult, error) {
	log := logger.GetGlobalLogger().WithComponent("feed")

	var records []transactionRecord
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding JSON feed: %w", err)
	}

	result := &LoadResult{}
	for i, rec := range records {
		date, err := models.ParseDate(rec.Date)
		if err != nil {
			log.WithError(err).WithField("index", i).Warn("skipping invalid transaction record")
			result.Skipped++
			continue
		}
		txn := &models.Transaction{
			ID:                rec.ID,
			Source:            models.Source(rec.Source),
			Date:              date,
			Amount:            rec.Amount,
			Currency:          rec.Currency,
			Description:       rec.Description,
			CounterpartyIDRaw: rec.CounterpartyID,
			Extra:             models.Extra(rec.Extra),
		}
		if err := txn.Validate(); err != nil {
			log.WithError(err).WithField("index", i).Warn("skipping invalid transaction record")
			result.Skipped++
			continue
		}
		st.PutTransaction(txn)
		result.Loaded++
	}
	return result, nil
}

// LoadOrdersCSV reads commercial orders into the order index. Required
// columns: order_code, email, amount, currency, date. Optional:
// customer_name.
func LoadOrdersCSV(r io.Reader, st *store.MemoryStore) (*LoadResult, error) {
	log := logger.GetGlobalLogger().WithComponent("feed")
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cols := newColumnMap(header)
	for _, required := range []string{"order_code", "email", "amount", "currency", "date"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	result := &LoadResult{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			log.WithError(err).WithField("line", line).Warn("skipping malformed CSV row")
			result.Skipped++
			continue
		}

		date, err := models.ParseDate(cols.get(record, "date"))
		if err != nil {
			log.WithError(err).WithField("line", line).Warn("skipping order with invalid date")
			result.Skipped++
			continue
		}
		amount, err := decimal.NewFromString(cols.get(record, "amount"))
		if err != nil {
			log.WithError(err).WithField("line", line).Warn("skipping order with invalid amount")
			result.Skipped++
			continue
		}
		code := cols.get(record, "order_code")
		if code == "" {
			log.WithField("line", line).Warn("skipping order without a code")
			result.Skipped++
			continue
		}

		st.PutOrder(&models.Order{
			OrderCode:    code,
			Email:        cols.get(record, "email"),
			CustomerName: cols.get(record, "customer_name"),
			Amount:       amount,
			Currency:     cols.get(record, "currency"),
			Date:         date,
		})
		result.Loaded++
	}
	return result, nil
}

// LoadProvidersCSV reads counterparty providers into the store. Required
// columns: code, name. Optional: active (default true) and dependent_ids
// (semicolon-separated).
func LoadProvidersCSV(r io.Reader, st *store.MemoryStore) (*LoadResult, error) {
	log := logger.GetGlobalLogger().WithComponent("feed")
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("reading CSV header: %w", err)
	}
	cols := newColumnMap(header)
	for _, required := range []string{"code", "name"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("missing required column %q", required)
		}
	}

	result := &LoadResult{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			log.WithError(err).WithField("line", line).Warn("skipping malformed CSV row")
			result.Skipped++
			continue
		}

		code := cols.get(record, "code")
		name := cols.get(record, "name")
		if code == "" || name == "" {
			log.WithField("line", line).Warn("skipping provider without code or name")
			result.Skipped++
			continue
		}

		active := true
		if raw := cols.get(record, "active"); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				log.WithField("line", line).Warn("skipping provider with invalid active flag")
				result.Skipped++
				continue
			}
			active = parsed
		}

		var dependents []string
		if raw := cols.get(record, "dependent_ids"); raw != "" {
			for _, id := range strings.Split(raw, ";") {
				if id = strings.TrimSpace(id); id != "" {
					dependents = append(dependents, id)
				}
			}
		}

		st.PutProvider(&models.Provider{Code: code, Name: name, Active: active}, dependents)
		result.Loaded++
	}
	return result, nil
}
