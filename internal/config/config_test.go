package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"harvest/internal/config"
)

func TestLoadDefaultConfigExpandsPaths(t *testing.T) {
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)
	t.Setenv("XDG_RUNTIME_DIR", "")
	t.Setenv("HARVEST_NTFY_TOPIC", "")
	t.Setenv("HARVEST_AGENT_COMMAND", "")

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "harvest")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.RuntimeDir != filepath.Join(tempHome, ".local", "state", "harvest") {
		t.Fatalf("unexpected runtime dir: %q", cfg.Paths.RuntimeDir)
	}
	if cfg.Paths.APIBind != "127.0.0.1:7491" {
		t.Fatalf("unexpected api bind: %q", cfg.Paths.APIBind)
	}
	if cfg.ResponseTimeout() != 300*time.Second {
		t.Fatalf("unexpected response timeout: %s", cfg.ResponseTimeout())
	}
	if cfg.ReadyPollInterval() != 500*time.Millisecond {
		t.Fatalf("unexpected poll interval: %s", cfg.ReadyPollInterval())
	}
	if cfg.Import.StrictPeriods {
		t.Fatal("expected lenient period labelling by default")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.RuntimeDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
	if filepath.Dir(cfg.VolatileStorePath()) != cfg.Paths.RuntimeDir {
		t.Fatalf("volatile store should live in runtime dir, got %q", cfg.VolatileStorePath())
	}
	if filepath.Dir(cfg.DurableStorePath()) != cfg.Paths.DataDir {
		t.Fatalf("durable store should live in data dir, got %q", cfg.DurableStorePath())
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "harvest.toml")

	type payload struct {
		Paths struct {
			DataDir    string `toml:"data_dir"`
			RuntimeDir string `toml:"runtime_dir"`
		} `toml:"paths"`
		Agent struct {
			ResponseTimeout int `toml:"response_timeout"`
		} `toml:"agent"`
		Import struct {
			StrictPeriods bool                `toml:"strict_periods"`
			SeedTargets   []config.SeedTarget `toml:"seed_targets"`
		} `toml:"import"`
	}
	custom := payload{}
	custom.Paths.DataDir = filepath.Join(tempDir, "data")
	custom.Paths.RuntimeDir = filepath.Join(tempDir, "run")
	custom.Agent.ResponseTimeout = 0
	custom.Import.StrictPeriods = true
	custom.Import.SeedTargets = []config.SeedTarget{
		{Label: " Types ", Target: "https://docs.example.com/types"},
		{Target: "https://docs.example.com/types"},
		{Target: "https://docs.example.com/other"},
	}
	data, err := toml.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal custom config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		t.Fatalf("write custom config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected exists to be true")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: got %q want %q", resolved, configPath)
	}
	if cfg.ResponseTimeout() != 0 {
		t.Fatalf("expected disabled response timeout, got %s", cfg.ResponseTimeout())
	}
	if !cfg.Import.StrictPeriods {
		t.Fatal("expected strict periods")
	}
	if len(cfg.Import.SeedTargets) != 2 {
		t.Fatalf("expected duplicate seed to be dropped, got %+v", cfg.Import.SeedTargets)
	}
	if cfg.Import.SeedTargets[0].Label != "Types" {
		t.Fatalf("expected trimmed label, got %q", cfg.Import.SeedTargets[0].Label)
	}
	if cfg.Import.SeedTargets[1].Label != "https://docs.example.com/other" {
		t.Fatalf("expected label to default to target, got %q", cfg.Import.SeedTargets[1].Label)
	}
}

func TestEnvFallbacks(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HARVEST_NTFY_TOPIC", "https://ntfy.example.com/harvest")
	t.Setenv("HARVEST_AGENT_COMMAND", "/opt/agent/bin/host")

	cfg, _, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Notifications.NtfyTopic != "https://ntfy.example.com/harvest" {
		t.Errorf("expected ntfy topic from env, got %q", cfg.Notifications.NtfyTopic)
	}
	if cfg.Agent.Command != "/opt/agent/bin/host" {
		t.Errorf("expected agent command from env, got %q", cfg.Agent.Command)
	}
}

func TestCreateSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read sample: %v", err)
	}
	if !strings.Contains(string(contents), "seed_targets") {
		t.Fatalf("sample config missing seed targets: %s", contents)
	}

	var cfg config.Config
	if err := toml.Unmarshal(contents, &cfg); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if !strings.Contains(cfg.Paths.DataDir, "harvest") {
		t.Fatalf("expected data dir to contain harvest, got %q", cfg.Paths.DataDir)
	}
	if len(cfg.Import.SeedTargets) == 0 {
		t.Fatal("expected sample seed targets")
	}
}

func TestValidateDetectsInvalidValues(t *testing.T) {
	cfg := config.Default()
	cfg.Agent.ReadyTimeout = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for non-positive ready timeout")
	}

	cfg = config.Default()
	cfg.Agent.ResponseTimeout = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative response timeout")
	}

	cfg = config.Default()
	cfg.Import.SeedTargets = []config.SeedTarget{{Label: "bad", Target: "not a url"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for relative seed target")
	}

	cfg = config.Default()
	cfg.Paths.RuntimeDir = cfg.Paths.DataDir
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when runtime dir equals data dir")
	}

	cfg = config.Default()
	cfg.Logging.Level = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown log level")
	}

	cfg = config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}
