// Package runner provides the shared run machinery: worker-pool fan-out
// over independent records, bounded retry with backoff for store writes,
// and progress tracking for long scans.
package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	apperrors "settlement-reconciliation-service/pkg/errors"
)

// Config holds the run-level settings shared by all engines.
type Config struct {
	// MaxConcurrency bounds the worker pool for independent records.
	MaxConcurrency int

	// RetryAttempts bounds store-write retries per record.
	RetryAttempts int

	// RetryBackoff is the base delay between attempts, growing linearly.
	RetryBackoff time.Duration

	// PageSize for store scans. Zero uses the store default.
	PageSize int

	// ProgressInterval is the number of processed records between
	// progress reports. Zero uses the tracker default.
	ProgressInterval int

	// OnProgress overrides the engines' progress reporting. Nil keeps
	// the default log-based reporting.
	OnProgress ProgressFunc
}

// DefaultConfig returns the standard run configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency:   4,
		RetryAttempts:    3,
		RetryBackoff:     100 * time.Millisecond,
		ProgressInterval: 100,
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "max_concurrency", c.MaxConcurrency, nil)
	}
	if c.RetryAttempts < 1 {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "retry_attempts", c.RetryAttempts, nil)
	}
	if c.RetryBackoff < 0 {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "retry_backoff", c.RetryBackoff, nil)
	}
	if c.ProgressInterval < 0 {
		return apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "progress_interval", c.ProgressInterval, nil)
	}
	return nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}

// Retry runs op up to attempts times with linearly growing backoff.
// Non-retryable application errors fail immediately; context cancellation
// always stops the loop.
func Retry(ctx context.Context, attempts int, backoff time.Duration, op func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if appErr, ok := apperrors.AsReconcilerError(lastErr); ok && !appErr.IsRetryable() {
			return lastErr
		}
		if i < attempts-1 && backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff * time.Duration(i+1)):
			}
		}
	}
	return lastErr
}

// ForEach fans items out over a bounded worker pool. Each worker finishes
// its in-flight item after cancellation; no new items are submitted once
// the context is done. The first worker error is returned after all
// workers drain.
func ForEach[T any](ctx context.Context, concurrency int, items []T, fn func(T) error) error {
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > len(items) {
		concurrency = len(items)
	}
	if len(items) == 0 {
		return nil
	}

	work := make(chan T)
	var wg sync.WaitGroup
	var firstErr error
	var errOnce sync.Once

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				if err := fn(item); err != nil {
					errOnce.Do(func() { firstErr = err })
				}
			}
		}()
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		work <- item
	}
	close(work)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// ProgressFunc receives running counts during a scan.
type ProgressFunc func(processed, matched int64)

// Progress tracks counts across workers and reports them through an
// optional callback every interval records.
type Progress struct {
	processed int64
	matched   int64
	interval  int64
	callback  ProgressFunc
}

// NewProgress creates a tracker reporting every interval processed
// records. A nil callback disables reporting.
func NewProgress(interval int, callback ProgressFunc) *Progress {
	if interval < 1 {
		interval = 100
	}
	return &Progress{interval: int64(interval), callback: callback}
}

// Record counts one processed record and whether it matched.
func (p *Progress) Record(matched bool) {
	n := atomic.AddInt64(&p.processed, 1)
	if matched {
		atomic.AddInt64(&p.matched, 1)
	}
	if p.callback != nil && n%p.interval == 0 {
		p.callback(n, atomic.LoadInt64(&p.matched))
	}
}

// Counts returns the current totals.
func (p *Progress) Counts() (processed, matched int64) {
	return atomic.LoadInt64(&p.processed), atomic.LoadInt64(&p.matched)
}
