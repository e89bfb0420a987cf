// Package models defines the canonical data types moved through the
// reconciliation core: Transaction, SettlementBatch, MatchResult, Order,
// and Provider, plus the whole-day date helpers every component compares
// dates with.
package models

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source identifies where a transaction record originated.
type Source string

const (
	SourceBankEUR             Source = "bank-eur"
	SourceBankUSD             Source = "bank-usd"
	SourceGatewayRevenue      Source = "gateway-revenue"
	SourceGatewayFee          Source = "gateway-fee"
	SourceGatewayPayout       Source = "gateway-payout"
	SourceGatewayDisbursement Source = "gateway-disbursement"
	SourceCRMOrder            Source = "crm-order"
)

// IsValid checks if the source is a known value
func (s Source) IsValid() bool {
	switch s {
	case SourceBankEUR, SourceBankUSD, SourceGatewayRevenue, SourceGatewayFee,
		SourceGatewayPayout, SourceGatewayDisbursement, SourceCRMOrder:
		return true
	}
	return false
}

// IsBank reports whether the source is a bank ledger feed
func (s Source) IsBank() bool {
	return s == SourceBankEUR || s == SourceBankUSD
}

// IsGateway reports whether the source is a payment-gateway feed
func (s Source) IsGateway() bool {
	switch s {
	case SourceGatewayRevenue, SourceGatewayFee, SourceGatewayPayout, SourceGatewayDisbursement:
		return true
	}
	return false
}

func (s Source) String() string {
	return string(s)
}

// Confidence labels the strength of the evidence behind a match.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// IsValid checks if the confidence is a known value
func (c Confidence) IsValid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	}
	return false
}

func (c Confidence) String() string {
	return string(c)
}

// MatchType identifies which strategy produced a match.
type MatchType string

const (
	MatchExactOrderID    MatchType = "exact-order-id"
	MatchEmailAmount     MatchType = "email-amount"
	MatchSettlementBatch MatchType = "settlement-batch"
	MatchAssumedPaid     MatchType = "assumed-paid"
	MatchManual          MatchType = "manual"
)

// IsValid checks if the match type is a known value
func (m MatchType) IsValid() bool {
	switch m {
	case MatchExactOrderID, MatchEmailAmount, MatchSettlementBatch, MatchAssumedPaid, MatchManual:
		return true
	}
	return false
}

// IsToleranceChecked reports whether the match type is bound by the
// amount/date tolerance invariants. Assumed-paid and manual matches are
// exempt; the auditor targets them separately.
func (m MatchType) IsToleranceChecked() bool {
	return m != MatchAssumedPaid && m != MatchManual
}

func (m MatchType) String() string {
	return string(m)
}

// Extra metadata keys. Source-owned keys arrive with the record from the
// ingestion feed; match-derived keys are written by the matcher and linker
// and cleared by the auditor on reset.
const (
	ExtraSettlementBatchID = "settlementBatchId"
	ExtraDisbursementDate  = "disbursementDate"
	ExtraMerchantAccount   = "merchantAccount"
	ExtraCustomerEmail     = "customerEmail"
	ExtraOrderCode         = "orderCode"
	ExtraCustomerName      = "customerName"
	ExtraMatchedAmount     = "matchedAmount"
	ExtraMatchedBatchID    = "matchedBatchId"
)

// allowedExtraKeys declares the keys a source may carry in from the feed.
var allowedExtraKeys = map[Source]map[string]bool{
	SourceBankEUR: {},
	SourceBankUSD: {},
	SourceGatewayRevenue: {
		ExtraSettlementBatchID: true,
		ExtraDisbursementDate:  true,
		ExtraMerchantAccount:   true,
		ExtraCustomerEmail:     true,
	},
	SourceGatewayFee: {
		ExtraSettlementBatchID: true,
		ExtraDisbursementDate:  true,
		ExtraMerchantAccount:   true,
	},
	SourceGatewayPayout: {
		ExtraDisbursementDate: true,
		ExtraMerchantAccount:  true,
	},
	SourceGatewayDisbursement: {
		ExtraDisbursementDate: true,
		ExtraMerchantAccount:  true,
	},
	SourceCRMOrder: {
		ExtraCustomerEmail: true,
		ExtraCustomerName:  true,
		ExtraOrderCode:     true,
	},
}

// matchDerivedKeys are written by the core, never by the feed. What counts
// as match-derived depends on the source: disbursementDate is source-owned
// on gateway records but copied-in metadata on bank records.
var matchDerivedKeys = map[string]bool{
	ExtraOrderCode:      true,
	ExtraCustomerName:   true,
	ExtraMatchedAmount:  true,
	ExtraMatchedBatchID: true,
}

// Extra is the per-source metadata bag on a Transaction.
type Extra map[string]string

// Clone returns a deep copy of the metadata bag. A nil receiver clones to
// an empty, non-nil map so callers can write to the copy.
func (e Extra) Clone() Extra {
	out := make(Extra, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Get returns the value for key, or empty string when absent.
func (e Extra) Get(key string) string {
	if e == nil {
		return ""
	}
	return e[key]
}

// ValidateFor rejects keys the given source is not declared to carry.
// Match-derived keys are always accepted since the core writes them onto
// records after ingestion; on bank records that includes the copied-in
// disbursement date.
func (e Extra) ValidateFor(source Source) error {
	allowed, ok := allowedExtraKeys[source]
	if !ok {
		return fmt.Errorf("unknown source: %s", source)
	}
	for k := range e {
		if allowed[k] || matchDerivedKeys[k] {
			continue
		}
		if k == ExtraDisbursementDate && source.IsBank() {
			continue
		}
		return fmt.Errorf("metadata key %q is not valid for source %s", k, source)
	}
	return nil
}

// ClearMatchDerivedFor returns a copy with every key the given source did
// not carry in from the feed removed. Source-owned keys survive, so a
// reset record keeps everything needed to re-match.
func (e Extra) ClearMatchDerivedFor(source Source) Extra {
	allowed := allowedExtraKeys[source]
	out := make(Extra, len(e))
	for k, v := range e {
		if !allowed[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// Transaction is one movement of money from any source, in the uniform
// shape the ingestion collaborators produce.
type Transaction struct {
	ID                string          `json:"id"`
	Source            Source          `json:"source"`
	Date              time.Time       `json:"date"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Description       string          `json:"description"`
	CounterpartyIDRaw string          `json:"counterpartyIdRaw"`
	Reconciled        bool            `json:"reconciled"`
	MatchRef          *string         `json:"matchRef,omitempty"`
	Extra             Extra           `json:"extra,omitempty"`
}

// Validate checks the transaction for data-quality problems. A failing
// record is skipped and counted by the run, never a reason to abort.
func (t *Transaction) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("transaction ID is required")
	}
	if !t.Source.IsValid() {
		return fmt.Errorf("transaction %s: unknown source %q", t.ID, t.Source)
	}
	if t.Date.IsZero() {
		return fmt.Errorf("transaction %s: date is required", t.ID)
	}
	if t.Currency == "" {
		return fmt.Errorf("transaction %s: currency is required", t.ID)
	}
	if t.Reconciled && t.MatchRef == nil {
		return fmt.Errorf("transaction %s: reconciled without a match reference", t.ID)
	}
	if err := t.Extra.ValidateFor(t.Source); err != nil {
		return fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	return nil
}

// Day returns the transaction date truncated to a whole day.
func (t *Transaction) Day() time.Time {
	return WholeDay(t.Date)
}

// SettlementBatch is a derived aggregation of gateway revenue and fee
// transactions sharing a settlement identifier. It is recomputable at any
// time from the transaction set and holds no independent truth.
type SettlementBatch struct {
	BatchID              string          `json:"batchId"`
	Currency             string          `json:"currency"`
	GrossRevenue         decimal.Decimal `json:"grossRevenue"`
	FeesTotal            decimal.Decimal `json:"feesTotal"`
	NetExpected          decimal.Decimal `json:"netExpected"`
	MemberTransactionIDs []string        `json:"memberTransactionIds"`
	DisbursementDate     *time.Time      `json:"disbursementDate,omitempty"`
	BatchDate            time.Time       `json:"batchDate"`
	DateInconsistent     bool            `json:"dateInconsistent"`

	// ConsumedBy holds the ID of the MatchResult that claimed this batch.
	// Empty means unconsumed. The store owns the compare-and-swap on it.
	ConsumedBy string `json:"consumedBy,omitempty"`
}

// Key returns the grouping key the aggregator builds batches under.
func (b *SettlementBatch) Key() string {
	return b.BatchID + "/" + b.Currency
}

// IsConsumed reports whether a bank match has already claimed this batch.
func (b *SettlementBatch) IsConsumed() bool {
	return b.ConsumedBy != ""
}

// EffectiveDate returns the disbursement date when present, falling back
// to the batch's own date.
func (b *SettlementBatch) EffectiveDate() time.Time {
	if b.DisbursementDate != nil {
		return WholeDay(*b.DisbursementDate)
	}
	return WholeDay(b.BatchDate)
}

// HasDate reports whether any date is available for tolerance checks.
func (b *SettlementBatch) HasDate() bool {
	return b.DisbursementDate != nil || !b.BatchDate.IsZero()
}

// Validate checks the batch's derived invariants.
func (b *SettlementBatch) Validate() error {
	if b.BatchID == "" {
		return fmt.Errorf("batch ID is required")
	}
	if b.Currency == "" {
		return fmt.Errorf("batch %s: currency is required", b.BatchID)
	}
	if !b.NetExpected.Equal(b.GrossRevenue.Sub(b.FeesTotal)) {
		return fmt.Errorf("batch %s: netExpected %s does not equal gross %s minus fees %s",
			b.BatchID, b.NetExpected, b.GrossRevenue, b.FeesTotal)
	}
	if len(b.MemberTransactionIDs) == 0 {
		return fmt.Errorf("batch %s: no member transactions", b.BatchID)
	}
	if !sort.StringsAreSorted(b.MemberTransactionIDs) {
		return fmt.Errorf("batch %s: member transaction IDs must be sorted", b.BatchID)
	}
	return nil
}

// MaxDaysTolerance is the hard cutoff on date distance for
// tolerance-checked matches.
const MaxDaysTolerance = 14

// MatchResult records the outcome of linking a bank transaction to a
// settlement batch, or a gateway transaction to an order.
type MatchResult struct {
	ID           string          `json:"id"`
	LeftID       string          `json:"leftId"`
	RightID      string          `json:"rightId,omitempty"`
	RightBatchID string          `json:"rightBatchId,omitempty"`
	MatchType    MatchType       `json:"matchType"`
	Confidence   Confidence      `json:"confidence"`
	DaysDiff     int             `json:"daysDiff"`
	AmountDiff   decimal.Decimal `json:"amountDiff"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// NewMatchID returns a fresh match identifier.
func NewMatchID() string {
	return uuid.New().String()
}

// Validate enforces the tolerance invariant: every tolerance-checked
// match type must sit within the 14-day window.
func (m *MatchResult) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("match ID is required")
	}
	if m.LeftID == "" {
		return fmt.Errorf("match %s: left transaction ID is required", m.ID)
	}
	if m.RightID == "" && m.RightBatchID == "" {
		return fmt.Errorf("match %s: a right transaction or batch ID is required", m.ID)
	}
	if !m.MatchType.IsValid() {
		return fmt.Errorf("match %s: unknown match type %q", m.ID, m.MatchType)
	}
	if !m.Confidence.IsValid() {
		return fmt.Errorf("match %s: unknown confidence %q", m.ID, m.Confidence)
	}
	if m.MatchType.IsToleranceChecked() {
		if m.DaysDiff < 0 || m.DaysDiff > MaxDaysTolerance {
			return fmt.Errorf("match %s: daysDiff %d outside the %d-day tolerance",
				m.ID, m.DaysDiff, MaxDaysTolerance)
		}
		if m.AmountDiff.IsNegative() {
			return fmt.Errorf("match %s: amountDiff must be non-negative", m.ID)
		}
	}
	return nil
}

// Order is a commercial order from the CRM/e-commerce side.
type Order struct {
	OrderCode    string          `json:"orderCode"`
	Email        string          `json:"email"`
	CustomerName string          `json:"customerName"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Date         time.Time       `json:"date"`
}

// NormalizedCode returns the order code in index form (lower-cased,
// trimmed).
func (o *Order) NormalizedCode() string {
	return strings.ToLower(strings.TrimSpace(o.OrderCode))
}

// Provider is a counterparty record (e.g. an accounts-payable provider).
// Merged duplicates stay on file, inactive, with an annotated name.
type Provider struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// ProviderAlias is a counterparty-name cluster produced by the
// deduplicator.
type ProviderAlias struct {
	CanonicalName       string   `json:"canonicalName"`
	CanonicalCode       string   `json:"canonicalCode"`
	MemberNames         []string `json:"memberNames"`
	SimilarityThreshold float64  `json:"similarityThreshold"`
}

// WholeDay truncates a timestamp to UTC midnight. All date comparisons in
// the core are whole-day.
func WholeDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the absolute whole-day distance between two dates.
func DaysBetween(a, b time.Time) int {
	da := WholeDay(a)
	db := WholeDay(b)
	diff := da.Sub(db)
	if diff < 0 {
		diff = -diff
	}
	return int(diff / (24 * time.Hour))
}

// ParseDate parses the calendar-date formats the feeds produce.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	formats := []string{
		"2006-01-02",
		"2006-01-02T15:04:05Z07:00",
		"02/01/2006",
		"2006/01/02",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return WholeDay(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", s)
}
