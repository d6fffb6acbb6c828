package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"harvest/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.RuntimeDir = filepath.Join(base, "run")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Agent.ReadyTimeout = 2
	cfgVal.Agent.ReadyPollIntervalMS = 10
	cfgVal.Agent.ResponseTimeout = 2
	cfgVal.Agent.CloseTimeout = 1
	cfgVal.Notifications.NtfyTopic = ""

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

// WithSeedTargets replaces the import seed list.
func WithSeedTargets(targets ...config.SeedTarget) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Import.SeedTargets = append([]config.SeedTarget(nil), targets...)
	}
}

// WithStrictPeriods toggles strict period labelling.
func WithStrictPeriods(strict bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Import.StrictPeriods = strict
	}
}

// WithNtfyTopic points notifications at the given topic URL.
func WithNtfyTopic(topic string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Notifications.NtfyTopic = topic
	}
}

// WithStubbedAgent writes a stub agent executable, prepends its directory to
// PATH and points agent.command at it.
func WithStubbedAgent(script string) ConfigOption {
	return func(b *configBuilder) {
		if script == "" {
			script = "#!/bin/sh\nexit 0\n"
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		target := filepath.Join(binDir, "harvest-agent")
		if err := os.WriteFile(target, []byte(script), 0o755); err != nil {
			b.t.Fatalf("write stub agent: %v", err)
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
		b.cfg.Agent.Command = "harvest-agent"
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
