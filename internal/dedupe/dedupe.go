// Package dedupe clusters near-duplicate counterparty names and applies
// the resulting merges. Clustering is single-pass greedy over names
// sorted by raw length: not globally optimal, but deterministic for a
// given input set and threshold.
package dedupe

import (
	"context"
	"fmt"
	"sort"

	"github.com/texttheater/golang-levenshtein/levenshtein"

	"settlement-reconciliation-service/internal/models"
	"settlement-reconciliation-service/internal/runner"
	"settlement-reconciliation-service/internal/store"
	apperrors "settlement-reconciliation-service/pkg/errors"
	"settlement-reconciliation-service/pkg/logger"
)

// DefaultThreshold is the similarity above which two normalized names are
// considered the same counterparty.
const DefaultThreshold = 0.80

// Config holds deduplicator settings.
type Config struct {
	// Threshold is the minimum similarity for cluster membership.
	Threshold float64

	// DryRun reports the full merge plan without mutating anything.
	DryRun bool

	// Run carries retry and paging settings.
	Run *runner.Config
}

// DefaultConfig returns the standard deduplicator configuration.
func DefaultConfig() *Config {
	return &Config{
		Threshold: DefaultThreshold,
		Run:       runner.DefaultConfig(),
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be in (0, 1], got %f", c.Threshold)
	}
	if c.Run != nil {
		return c.Run.Validate()
	}
	return nil
}

// Similarity scores two raw names on their normalized forms. Exact
// normalized equality short-circuits to 1.0; otherwise the score is
// one minus the edit distance over the longer normalized length.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == nb {
		return 1.0
	}
	ra, rb := []rune(na), []rune(nb)
	maxLen := len(ra)
	if len(rb) > maxLen {
		maxLen = len(rb)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.DistanceForStrings(ra, rb, levenshtein.DefaultOptions)
	return 1.0 - float64(dist)/float64(maxLen)
}

// Merge is one planned duplicate-to-canonical merge.
type Merge struct {
	DuplicateCode string  `json:"duplicateCode"`
	DuplicateName string  `json:"duplicateName"`
	AnnotatedName string  `json:"annotatedName"`
	Similarity    float64 `json:"similarity"`
	DependentRows int     `json:"dependentRows"`
	Applied       bool    `json:"applied"`
}

// Cluster groups a canonical provider with its planned merges.
type Cluster struct {
	Canonical *models.Provider `json:"canonical"`
	Merges    []*Merge         `json:"merges"`
}

// Alias converts the cluster into its ProviderAlias record.
func (c *Cluster) Alias(threshold float64) *models.ProviderAlias {
	members := []string{c.Canonical.Name}
	for _, m := range c.Merges {
		members = append(members, m.DuplicateName)
	}
	return &models.ProviderAlias{
		CanonicalName:       c.Canonical.Name,
		CanonicalCode:       c.Canonical.Code,
		MemberNames:         members,
		SimilarityThreshold: threshold,
	}
}

// Summary reports the outcome of one deduplication run.
type Summary struct {
	RunID         string     `json:"runId"`
	DryRun        bool       `json:"dryRun"`
	Threshold     float64    `json:"threshold"`
	ProvidersSeen int        `json:"providersSeen"`
	Clusters      []*Cluster `json:"clusters"`
	MergesPlanned int        `json:"mergesPlanned"`
	MergesApplied int        `json:"mergesApplied"`
	RowsRepointed int        `json:"rowsRepointed"`
	Failed        int        `json:"failed"`
}

// Deduplicator clusters and merges near-duplicate providers.
type Deduplicator struct {
	config *Config
	store  store.Store
	logger logger.Logger
}

// New creates a deduplicator with the given configuration.
func New(config *Config, st store.Store) (*Deduplicator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "dedupe", config.Threshold, err)
	}
	return &Deduplicator{
		config: config,
		store:  st,
		logger: logger.GetGlobalLogger().WithComponent("dedupe"),
	}, nil
}

// Run plans the merges and, outside dry-run, applies them cluster by
// cluster. The dry-run plan is identical, including projected dependent
// row counts.
func (d *Deduplicator) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		RunID:     runner.NewRunID(),
		DryRun:    d.config.DryRun,
		Threshold: d.config.Threshold,
	}

	var providers []*models.Provider
	err := store.ForEachPage(ctx, d.config.Run.PageSize, func(pg store.Page) ([]*models.Provider, error) {
		return d.store.ListProviders(ctx, pg)
	}, func(items []*models.Provider) error {
		for _, p := range items {
			if p.Active {
				providers = append(providers, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	summary.ProvidersSeen = len(providers)

	clusters := d.cluster(providers)
	for _, cluster := range clusters {
		for _, merge := range cluster.Merges {
			n, err := d.store.CountProviderDependents(ctx, merge.DuplicateCode)
			if err != nil {
				return nil, apperrors.StoreError(apperrors.CodeStoreUnavailable, "count provider dependents", err)
			}
			merge.DependentRows = n
			summary.MergesPlanned++
		}
		summary.Clusters = append(summary.Clusters, cluster)
	}

	if d.config.DryRun {
		d.logRun(summary)
		return summary, nil
	}

	for _, cluster := range clusters {
		d.applyCluster(ctx, cluster, summary)
	}
	d.logRun(summary)
	return summary, nil
}

// cluster runs the greedy pass: names sorted by raw length descending
// (code as a tiebreak so equal-length inputs cluster identically across
// runs), the longest unclustered name seeds each cluster and absorbs
// every unclustered name at or above the threshold.
func (d *Deduplicator) cluster(providers []*models.Provider) []*Cluster {
	sorted := append([]*models.Provider(nil), providers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li, lj := len(sorted[i].Name), len(sorted[j].Name)
		if li != lj {
			return li > lj
		}
		return sorted[i].Code < sorted[j].Code
	})

	clustered := make(map[string]bool)
	var clusters []*Cluster

	for _, seed := range sorted {
		if clustered[seed.Code] {
			continue
		}
		clustered[seed.Code] = true
		cluster := &Cluster{Canonical: seed}

		for _, other := range sorted {
			if clustered[other.Code] {
				continue
			}
			score := Similarity(seed.Name, other.Name)
			if score < d.config.Threshold {
				continue
			}
			clustered[other.Code] = true
			cluster.Merges = append(cluster.Merges, &Merge{
				DuplicateCode: other.Code,
				DuplicateName: other.Name,
				AnnotatedName: fmt.Sprintf("%s [MERGED→%s]", other.Name, seed.Name),
				Similarity:    score,
			})
		}

		if len(cluster.Merges) > 0 {
			clusters = append(clusters, cluster)
		}
	}
	return clusters
}

// applyCluster merges each duplicate into the canonical provider. The
// store makes the repoint and inactive marking atomic per duplicate;
// a failed merge is counted and does not stop the rest of the cluster.
func (d *Deduplicator) applyCluster(ctx context.Context, cluster *Cluster, summary *Summary) {
	run := d.config.Run
	for _, merge := range cluster.Merges {
		var moved int
		err := runner.Retry(ctx, run.RetryAttempts, run.RetryBackoff, func() error {
			var mergeErr error
			moved, mergeErr = d.store.MergeProvider(ctx, merge.DuplicateCode, cluster.Canonical.Code, merge.AnnotatedName)
			return mergeErr
		})
		if err != nil {
			summary.Failed++
			d.logger.WithError(err).WithFields(logger.Fields{
				"duplicate": merge.DuplicateCode,
				"canonical": cluster.Canonical.Code,
			}).Error("could not apply provider merge")
			continue
		}
		merge.Applied = true
		summary.MergesApplied++
		summary.RowsRepointed += moved
	}
}

func (d *Deduplicator) logRun(summary *Summary) {
	d.logger.WithFields(logger.Fields{
		"run_id":    summary.RunID,
		"providers": summary.ProvidersSeen,
		"clusters":  len(summary.Clusters),
		"planned":   summary.MergesPlanned,
		"applied":   summary.MergesApplied,
		"dry_run":   summary.DryRun,
	}).Info("deduplication run complete")
}
