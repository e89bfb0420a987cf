package matcher

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/models"
	"settlement-reconciliation-service/internal/runner"
)

// Strategy selects how bank deposits are matched.
type Strategy string

const (
	// StrategyToleranceChecked scans settlement batches and payout
	// records, enforcing the date and amount tolerances.
	StrategyToleranceChecked Strategy = "tolerance-checked"

	// StrategyAssumedPaid marks gateway records whose disbursement date
	// has passed as reconciled without an amount comparison. Weaker
	// evidence, always low confidence, re-examined by the auditor.
	StrategyAssumedPaid Strategy = "assumed-paid"
)

// ParseStrategy converts a CLI string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyToleranceChecked, "":
		return StrategyToleranceChecked, nil
	case StrategyAssumedPaid:
		return StrategyAssumedPaid, nil
	default:
		return "", fmt.Errorf("unknown matching strategy: %q", s)
	}
}

// Config holds bank matcher settings.
type Config struct {
	// Strategy selects tolerance-checked or assumed-paid matching.
	Strategy Strategy

	// DryRun evaluates and reports without writing to the store.
	DryRun bool

	// MaxDaysTolerance is the hard cutoff on date distance.
	MaxDaysTolerance int

	// HighConfidenceAmount is the absolute amount difference under which
	// a match is high confidence.
	HighConfidenceAmount decimal.Decimal

	// MediumConfidenceRatio is the amountDiff/bankAmount ratio under
	// which a match is medium confidence.
	MediumConfidenceRatio decimal.Decimal

	// Sources are the bank feeds scanned for unreconciled deposits.
	Sources []models.Source

	// Today anchors the assumed-paid cutoff. Zero means the wall clock.
	Today time.Time

	// Run carries concurrency, retry and paging settings.
	Run *runner.Config
}

// DefaultConfig returns the standard matcher configuration.
func DefaultConfig() *Config {
	return &Config{
		Strategy:              StrategyToleranceChecked,
		MaxDaysTolerance:      models.MaxDaysTolerance,
		HighConfidenceAmount:  decimal.NewFromFloat(0.01),
		MediumConfidenceRatio: decimal.NewFromFloat(0.01),
		Sources:               []models.Source{models.SourceBankEUR, models.SourceBankUSD},
		Run:                   runner.DefaultConfig(),
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if _, err := ParseStrategy(string(c.Strategy)); err != nil {
		return err
	}
	if c.MaxDaysTolerance < 0 {
		return fmt.Errorf("max days tolerance must be non-negative, got %d", c.MaxDaysTolerance)
	}
	if c.HighConfidenceAmount.IsNegative() {
		return fmt.Errorf("high confidence amount must be non-negative")
	}
	if c.MediumConfidenceRatio.IsNegative() {
		return fmt.Errorf("medium confidence ratio must be non-negative")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one bank source is required")
	}
	for _, s := range c.Sources {
		if !s.IsBank() {
			return fmt.Errorf("source %s is not a bank feed", s)
		}
	}
	if c.Run != nil {
		return c.Run.Validate()
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Sources = append([]models.Source(nil), c.Sources...)
	if c.Run != nil {
		runCopy := *c.Run
		clone.Run = &runCopy
	}
	return &clone
}

// today returns the anchored or wall-clock date for assumed-paid cutoffs.
func (c *Config) today() time.Time {
	if !c.Today.IsZero() {
		return models.WholeDay(c.Today)
	}
	return models.WholeDay(time.Now())
}

// classifyConfidence applies the amount-difference thresholds.
func (c *Config) classifyConfidence(amountDiff, bankAmount decimal.Decimal) models.Confidence {
	if amountDiff.LessThan(c.HighConfidenceAmount) {
		return models.ConfidenceHigh
	}
	if bankAmount.IsPositive() && amountDiff.Div(bankAmount).LessThan(c.MediumConfidenceRatio) {
		return models.ConfidenceMedium
	}
	return models.ConfidenceLow
}
