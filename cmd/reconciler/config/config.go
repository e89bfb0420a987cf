// Package config builds engine configurations from the viper-backed
// settings the CLI binds (flags, RECONCILER_* environment variables, and
// an optional config file).
package config

import (
	"time"

	"github.com/spf13/viper"

	"settlement-reconciliation-service/internal/auditor"
	"settlement-reconciliation-service/internal/dedupe"
	"settlement-reconciliation-service/internal/linker"
	"settlement-reconciliation-service/internal/matcher"
	"settlement-reconciliation-service/internal/runner"
	apperrors "settlement-reconciliation-service/pkg/errors"
	"settlement-reconciliation-service/pkg/logger"
)

// Viper keys. Flag names map onto these with dashes replaced by dots in
// the subcommand bindings.
const (
	KeyLogLevel        = "log_level"
	KeyLogFormat       = "log_format"
	KeyMaxConcurrency  = "run.max_concurrency"
	KeyRetryAttempts   = "run.retry_attempts"
	KeyRetryBackoffMS  = "run.retry_backoff_ms"
	KeyPageSize        = "run.page_size"
	KeyProgressEvery   = "run.progress_every"
	KeyMatchStrategy   = "match.strategy"
	KeyMatchDryRun     = "match.dry_run"
	KeyLinkDryRun      = "link.dry_run"
	KeyDedupeThreshold = "dedupe.threshold"
	KeyDedupeApply     = "dedupe.apply"
	KeyAuditApply      = "audit.apply"
	KeyAggregateDryRun = "aggregate.dry_run"
)

// SetDefaults registers the default values for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogLevel, string(logger.InfoLevel))
	v.SetDefault(KeyLogFormat, string(logger.TextFormat))
	v.SetDefault(KeyMaxConcurrency, 4)
	v.SetDefault(KeyRetryAttempts, 3)
	v.SetDefault(KeyRetryBackoffMS, 100)
	v.SetDefault(KeyPageSize, 0)
	v.SetDefault(KeyProgressEvery, 100)
	v.SetDefault(KeyMatchStrategy, string(matcher.StrategyToleranceChecked))
	v.SetDefault(KeyDedupeThreshold, dedupe.DefaultThreshold)
}

// CreateLoggerConfig builds the logger configuration.
func CreateLoggerConfig(v *viper.Viper) (*logger.Config, error) {
	level, err := logger.ParseLevel(v.GetString(KeyLogLevel))
	if err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, KeyLogLevel, v.GetString(KeyLogLevel), err)
	}
	cfg := logger.DefaultConfig()
	cfg.Level = level
	cfg.Format = logger.Format(v.GetString(KeyLogFormat))
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, KeyLogFormat, v.GetString(KeyLogFormat), err)
	}
	return cfg, nil
}

// CreateRunnerConfig builds the shared run configuration.
func CreateRunnerConfig(v *viper.Viper) (*runner.Config, error) {
	cfg := &runner.Config{
		MaxConcurrency:   v.GetInt(KeyMaxConcurrency),
		RetryAttempts:    v.GetInt(KeyRetryAttempts),
		RetryBackoff:     time.Duration(v.GetInt(KeyRetryBackoffMS)) * time.Millisecond,
		PageSize:         v.GetInt(KeyPageSize),
		ProgressInterval: v.GetInt(KeyProgressEvery),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CreateMatcherConfig builds the bank matcher configuration.
func CreateMatcherConfig(v *viper.Viper) (*matcher.Config, error) {
	run, err := CreateRunnerConfig(v)
	if err != nil {
		return nil, err
	}
	strategy, err := matcher.ParseStrategy(v.GetString(KeyMatchStrategy))
	if err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, KeyMatchStrategy, v.GetString(KeyMatchStrategy), err)
	}

	cfg := matcher.DefaultConfig()
	cfg.Strategy = strategy
	cfg.DryRun = v.GetBool(KeyMatchDryRun)
	cfg.Run = run
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CreateLinkerConfig builds the order linker configuration.
func CreateLinkerConfig(v *viper.Viper) (*linker.Config, error) {
	run, err := CreateRunnerConfig(v)
	if err != nil {
		return nil, err
	}
	cfg := linker.DefaultConfig()
	cfg.DryRun = v.GetBool(KeyLinkDryRun)
	cfg.Run = run
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CreateDedupeConfig builds the deduplicator configuration. Apply is the
// explicit opt-in; without it the run is a dry-run plan.
func CreateDedupeConfig(v *viper.Viper) (*dedupe.Config, error) {
	run, err := CreateRunnerConfig(v)
	if err != nil {
		return nil, err
	}
	cfg := dedupe.DefaultConfig()
	cfg.Threshold = v.GetFloat64(KeyDedupeThreshold)
	cfg.DryRun = !v.GetBool(KeyDedupeApply)
	cfg.Run = run
	if err := cfg.Validate(); err != nil {
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, KeyDedupeThreshold, cfg.Threshold, err)
	}
	return cfg, nil
}

// CreateAuditorConfig builds the auditor configuration. Resets only run
// under an explicit apply.
func CreateAuditorConfig(v *viper.Viper) (*auditor.Config, error) {
	run, err := CreateRunnerConfig(v)
	if err != nil {
		return nil, err
	}
	cfg := auditor.DefaultConfig()
	cfg.Apply = v.GetBool(KeyAuditApply)
	cfg.Run = run
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
