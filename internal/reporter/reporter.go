// Package reporter renders per-run summaries for dashboards, logs, and
// operators. The rendered payload never includes the dry-run flag, so a
// preview and an apply run over the same input produce identical output.
package reporter

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"settlement-reconciliation-service/internal/aggregator"
	"settlement-reconciliation-service/internal/auditor"
	"settlement-reconciliation-service/internal/dedupe"
	"settlement-reconciliation-service/internal/linker"
	"settlement-reconciliation-service/internal/matcher"
	"settlement-reconciliation-service/internal/models"
)

// Format selects the output rendering.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
)

// ParseFormat converts a CLI string into a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatConsole, "":
		return FormatConsole, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown report format: %q", s)
	}
}

// SourceSummary is one source category's row in the run summary.
type SourceSummary struct {
	Source          models.Source   `json:"source"`
	TotalCandidates int             `json:"totalCandidates"`
	Matched         int             `json:"matched"`
	Unmatched       int             `json:"unmatched"`
	Failed          int             `json:"failed"`
	FlaggedForReset int             `json:"flaggedForReset"`
	ValueReconciled decimal.Decimal `json:"valueReconciled"`
}

// RunSummary is the reporting payload produced after every run.
type RunSummary struct {
	RunID           string           `json:"runId"`
	Operation       string           `json:"operation"`
	GeneratedAt     time.Time        `json:"generatedAt"`
	TotalCandidates int              `json:"totalCandidates"`
	Matched         int              `json:"matched"`
	Unmatched       int              `json:"unmatched"`
	Failed          int              `json:"failed"`
	FlaggedForReset int              `json:"flaggedForReset"`
	ValueReconciled decimal.Decimal  `json:"valueReconciled"`
	Notes           map[string]int   `json:"notes,omitempty"`
	Sources         []*SourceSummary `json:"sources,omitempty"`
}

// FromMatcher converts a matching run into the reporting payload.
func FromMatcher(s *matcher.Summary) *RunSummary {
	out := &RunSummary{
		RunID:           s.RunID,
		Operation:       "match",
		GeneratedAt:     time.Now().UTC(),
		TotalCandidates: s.TotalCandidates,
		Matched:         s.Matched,
		Unmatched:       s.Unmatched,
		Failed:          s.Failed,
		ValueReconciled: s.ValueReconciled,
		Notes:           s.UnmatchedReasons,
	}
	for source, st := range s.BySource {
		out.Sources = append(out.Sources, &SourceSummary{
			Source:          source,
			TotalCandidates: st.Candidates,
			Matched:         st.Matched,
			Unmatched:       st.Unmatched,
			Failed:          st.Failed,
			ValueReconciled: st.ValueReconciled,
		})
	}
	sortSources(out.Sources)
	return out
}

// FromLinker converts a linking run into the reporting payload.
func FromLinker(s *linker.Summary) *RunSummary {
	return &RunSummary{
		RunID:           s.RunID,
		Operation:       "link",
		GeneratedAt:     time.Now().UTC(),
		TotalCandidates: s.TotalCandidates,
		Matched:         s.Linked,
		Unmatched:       s.Unlinked,
		Failed:          s.Failed,
		ValueReconciled: s.ValueLinked,
		Notes:           s.UnlinkedReasons,
	}
}

// FromAggregator converts an aggregation run into the reporting payload.
func FromAggregator(s *aggregator.Summary) *RunSummary {
	value := decimal.Zero
	for _, b := range s.Batches {
		value = value.Add(b.NetExpected)
	}
	return &RunSummary{
		Operation:       "aggregate",
		GeneratedAt:     time.Now().UTC(),
		TotalCandidates: s.TransactionsScanned,
		Matched:         s.BatchesBuilt,
		Failed:          s.Skipped,
		ValueReconciled: value,
		Notes: map[string]int{
			"date-inconsistent batches":  s.DateInconsistent,
			"consumed batches untouched": s.ConsumedUntouched,
		},
	}
}

// FromDedupe converts a deduplication run into the reporting payload.
func FromDedupe(s *dedupe.Summary) *RunSummary {
	return &RunSummary{
		RunID:           s.RunID,
		Operation:       "dedupe",
		GeneratedAt:     time.Now().UTC(),
		TotalCandidates: s.ProvidersSeen,
		Matched:         s.MergesPlanned,
		Failed:          s.Failed,
		ValueReconciled: decimal.Zero,
		Notes: map[string]int{
			"clusters":       len(s.Clusters),
			"rows repointed": s.RowsRepointed,
		},
	}
}

// FromAuditor converts an audit run into the reporting payload.
func FromAuditor(s *auditor.Summary) *RunSummary {
	out := &RunSummary{
		RunID:           s.RunID,
		Operation:       "audit",
		GeneratedAt:     time.Now().UTC(),
		TotalCandidates: s.MatchesExamined,
		Failed:          s.Failed,
		FlaggedForReset: s.Flagged,
		ValueReconciled: s.FlaggedAmount,
	}
	for source, sf := range s.BySource {
		out.Sources = append(out.Sources, &SourceSummary{
			Source:          source,
			FlaggedForReset: sf.Count,
			ValueReconciled: sf.Amount,
		})
	}
	sortSources(out.Sources)
	return out
}

func sortSources(sources []*SourceSummary) {
	sort.Slice(sources, func(i, j int) bool {
		return sources[i].Source < sources[j].Source
	})
}

// Generator renders run summaries in the configured format.
type Generator struct {
	format Format
	out    io.Writer
}

// NewGenerator creates a report generator writing to out.
func NewGenerator(format Format, out io.Writer) *Generator {
	return &Generator{format: format, out: out}
}

// Generate renders one run summary.
func (g *Generator) Generate(summary *RunSummary) error {
	switch g.format {
	case FormatJSON:
		return g.renderJSON(summary)
	case FormatCSV:
		return g.renderCSV(summary)
	default:
		return g.renderConsole(summary)
	}
}

func (g *Generator) renderJSON(summary *RunSummary) error {
	enc := json.NewEncoder(g.out)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func (g *Generator) renderCSV(summary *RunSummary) error {
	w := csv.NewWriter(g.out)
	header := []string{"source", "total_candidates", "matched", "unmatched", "failed", "flagged_for_reset", "value_reconciled"}
	if err := w.Write(header); err != nil {
		return err
	}

	writeRow := func(label string, total, matched, unmatched, failed, flagged int, value decimal.Decimal) error {
		return w.Write([]string{
			label,
			strconv.Itoa(total),
			strconv.Itoa(matched),
			strconv.Itoa(unmatched),
			strconv.Itoa(failed),
			strconv.Itoa(flagged),
			value.StringFixed(2),
		})
	}

	for _, src := range summary.Sources {
		if err := writeRow(string(src.Source), src.TotalCandidates, src.Matched, src.Unmatched,
			src.Failed, src.FlaggedForReset, src.ValueReconciled); err != nil {
			return err
		}
	}
	if err := writeRow("total", summary.TotalCandidates, summary.Matched, summary.Unmatched,
		summary.Failed, summary.FlaggedForReset, summary.ValueReconciled); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

func (g *Generator) renderConsole(summary *RunSummary) error {
	p := func(format string, args ...interface{}) {
		fmt.Fprintf(g.out, format, args...)
	}

	p("==========================================\n")
	p("  %s run %s\n", summary.Operation, summary.RunID)
	p("  generated %s\n", summary.GeneratedAt.Format(time.RFC3339))
	p("==========================================\n\n")

	p("Totals:\n")
	p("  candidates:        %d\n", summary.TotalCandidates)
	p("  matched:           %d\n", summary.Matched)
	p("  unmatched:         %d\n", summary.Unmatched)
	p("  failed:            %d\n", summary.Failed)
	p("  flagged for reset: %d\n", summary.FlaggedForReset)
	p("  value reconciled:  %s\n", summary.ValueReconciled.StringFixed(2))

	if len(summary.Sources) > 0 {
		p("\nBy source:\n")
		for _, src := range summary.Sources {
			p("  %-22s candidates=%-6d matched=%-6d unmatched=%-6d failed=%-4d flagged=%-4d value=%s\n",
				src.Source, src.TotalCandidates, src.Matched, src.Unmatched,
				src.Failed, src.FlaggedForReset, src.ValueReconciled.StringFixed(2))
		}
	}

	if len(summary.Notes) > 0 {
		p("\nNotes:\n")
		keys := make([]string, 0, len(summary.Notes))
		for k := range summary.Notes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			p("  %s: %d\n", k, summary.Notes[k])
		}
	}
	p("\n")
	return nil
}
