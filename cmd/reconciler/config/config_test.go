package config

import (
	"testing"

	"github.com/spf13/viper"

	"settlement-reconciliation-service/internal/matcher"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestDefaultsProduceValidConfigs(t *testing.T) {
	v := newViper()

	if _, err := CreateLoggerConfig(v); err != nil {
		t.Errorf("CreateLoggerConfig: %v", err)
	}
	if cfg, err := CreateRunnerConfig(v); err != nil {
		t.Errorf("CreateRunnerConfig: %v", err)
	} else if cfg.ProgressInterval != 100 {
		t.Errorf("default progress interval = %d", cfg.ProgressInterval)
	}
	if cfg, err := CreateMatcherConfig(v); err != nil {
		t.Errorf("CreateMatcherConfig: %v", err)
	} else if cfg.Strategy != matcher.StrategyToleranceChecked {
		t.Errorf("default strategy = %s", cfg.Strategy)
	}
	if _, err := CreateLinkerConfig(v); err != nil {
		t.Errorf("CreateLinkerConfig: %v", err)
	}
	if cfg, err := CreateDedupeConfig(v); err != nil {
		t.Errorf("CreateDedupeConfig: %v", err)
	} else if !cfg.DryRun {
		t.Error("dedupe must default to a dry-run plan")
	}
	if cfg, err := CreateAuditorConfig(v); err != nil {
		t.Errorf("CreateAuditorConfig: %v", err)
	} else if cfg.Apply {
		t.Error("auditor must default to preview")
	}
}

func TestInvalidValuesRejected(t *testing.T) {
	v := newViper()
	v.Set(KeyMatchStrategy, "guess")
	if _, err := CreateMatcherConfig(v); err == nil {
		t.Error("unknown strategy must be rejected")
	}

	v = newViper()
	v.Set(KeyDedupeThreshold, 1.5)
	if _, err := CreateDedupeConfig(v); err == nil {
		t.Error("threshold above 1 must be rejected")
	}

	v = newViper()
	v.Set(KeyMaxConcurrency, 0)
	if _, err := CreateRunnerConfig(v); err == nil {
		t.Error("zero concurrency must be rejected")
	}

	v = newViper()
	v.Set(KeyProgressEvery, -1)
	if _, err := CreateRunnerConfig(v); err == nil {
		t.Error("negative progress interval must be rejected")
	}

	v = newViper()
	v.Set(KeyLogLevel, "verbose")
	if _, err := CreateLoggerConfig(v); err == nil {
		t.Error("unknown log level must be rejected")
	}
}

func TestApplyFlagsFlipModes(t *testing.T) {
	v := newViper()
	v.Set(KeyDedupeApply, true)
	if cfg, err := CreateDedupeConfig(v); err != nil || cfg.DryRun {
		t.Errorf("apply must disable dry-run: %v %v", cfg, err)
	}

	v = newViper()
	v.Set(KeyAuditApply, true)
	if cfg, err := CreateAuditorConfig(v); err != nil || !cfg.Apply {
		t.Errorf("audit apply not honored: %v %v", cfg, err)
	}
}
