package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"

	"harvest/internal/api"
	"harvest/internal/config"
	"harvest/internal/daemon"
	"harvest/internal/events"
	"harvest/internal/execution"
	"harvest/internal/execution/executiontest"
	"harvest/internal/kvstore"
	"harvest/internal/logging"
	"harvest/internal/testsupport"
)

type cliTestEnv struct {
	cfg        *config.Config
	daemon     *daemon.Daemon
	driver     *executiontest.Driver
	addr       string
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	cfg := testsupport.NewConfig(t)
	homeDir := filepath.Join(testsupport.BaseDir(cfg), "home")
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		t.Fatalf("mkdir home: %v", err)
	}
	t.Setenv("HOME", homeDir)
	t.Setenv("HARVEST_API_TOKEN", "")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}

	configPath := filepath.Join(homeDir, ".config", "harvest", "config.toml")
	writeTestConfig(t, configPath, cfg)

	router := execution.NewRouter()
	driver := executiontest.NewDriver(router, executiontest.Succeed(map[string]int{"rows": 1}))
	mgr := execution.NewManager(driver, router,
		execution.WithLogger(logging.NewNop()),
		execution.WithPollInterval(2*time.Millisecond),
		execution.WithResponseTimeout(time.Second),
	)
	d, err := daemon.New(cfg, daemon.Dependencies{
		Executor: mgr,
		Router:   router,
		Durable:  kvstore.NewMemory(),
		Volatile: kvstore.NewMemory(),
		Hub:      events.NewHub(64),
		Logger:   logging.NewNop(),
	})
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("daemon did not stop")
		}
		_ = d.Close()
	})

	var addr string
	waitFor(t, 2*time.Second, func() bool {
		candidate := d.Addr()
		if candidate == cfg.Paths.APIBind {
			return false
		}
		if _, err := api.NewClient(candidate, "").Status(context.Background()); err != nil {
			return false
		}
		addr = candidate
		return true
	})

	return &cliTestEnv{
		cfg:        cfg,
		daemon:     d,
		driver:     driver,
		addr:       addr,
		configPath: configPath,
	}
}

func runCLI(t *testing.T, args []string, addr, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if addr != "" {
		flags = append(flags, "--api", addr)
	}
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeTestConfig(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func waitFor(t *testing.T, duration time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(duration)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", duration)
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}
