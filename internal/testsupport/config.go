package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"retrain/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options. A single "lstm"
// variant backed by /bin/true is registered.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Storage.LegacyDir = filepath.Join(base, "legacy")
	cfgVal.Scheduler.ProcessingIntervalMS = 10
	cfgVal.Variants = []config.Variant{{Name: "lstm", Command: "true", Features: 8}}

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithVariant registers an additional variant on the test config.
func WithVariant(v config.Variant) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Variants = append(b.cfg.Variants, v)
	}
}

// WithCooldownMS overrides the training cooldown.
func WithCooldownMS(ms int64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Scheduler.TrainingCooldownMS = ms
	}
}

// WithStubTrainer writes an executable shell script named name into the test
// bin directory and points the lstm variant at it. The script body receives
// RETRAIN_SUBJECT, RETRAIN_VARIANT and RETRAIN_FEATURES in its environment.
func WithStubTrainer(name, body string) ConfigOption {
	return func(b *configBuilder) {
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		target := filepath.Join(binDir, name)
		script := []byte("#!/bin/sh\n" + body + "\n")
		if err := os.WriteFile(target, script, 0o755); err != nil {
			b.t.Fatalf("write stub %s: %v", name, err)
		}
		for i := range b.cfg.Variants {
			if b.cfg.Variants[i].Name == "lstm" {
				b.cfg.Variants[i].Command = target
			}
		}
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
