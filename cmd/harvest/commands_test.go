package main

import (
	"encoding/json"
	"strings"
	"testing"

	"harvest/internal/api"
)

const twoItemManifest = `items:
  - target: https://docs.example.com/a
    label: First
  - target: https://docs.example.com/b
    label: Second
`

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"status"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "Running (pid")
	requireContains(t, out, "Durable store")
	requireContains(t, out, "none held")
	requireContains(t, out, "No import recorded")
}

func TestStatusCommandJSON(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"--json", "status"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var status api.DaemonStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v\n%s", err, out)
	}
	if !status.Running {
		t.Fatalf("expected running daemon, got %+v", status)
	}
}

func TestBatchRunWaitThenEventsAndPurge(t *testing.T) {
	env := setupCLITestEnv(t)
	manifest := writeManifest(t, twoItemManifest)

	out, _, err := runCLI(t, []string{"batch", "run", "--wait", manifest}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("batch run: %v", err)
	}
	requireContains(t, out, "First")
	requireContains(t, out, "2/2 succeeded")

	out, _, err = runCLI(t, []string{"events"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	requireContains(t, out, "batch_completed")

	if _, _, err := runCLI(t, []string{"records", "purge"}, env.addr, env.configPath); err == nil {
		t.Fatal("expected purge without --yes to fail")
	}
	out, _, err = runCLI(t, []string{"records", "purge", "--yes"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("records purge: %v", err)
	}
	requireContains(t, out, "Removed 2 records")
}

func TestBatchRunRejectsInvalidManifest(t *testing.T) {
	env := setupCLITestEnv(t)
	manifest := writeManifest(t, "items:\n  - label: Missing target\n")

	if _, _, err := runCLI(t, []string{"batch", "run", manifest}, env.addr, env.configPath); err == nil {
		t.Fatal("expected invalid manifest to fail")
	}
}

func TestBatchCancelWhenIdle(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"batch", "cancel"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("batch cancel: %v", err)
	}
	requireContains(t, out, "No batch is running")
}

func TestImportShowAndSelectWithoutImport(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"import", "show"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("import show: %v", err)
	}
	requireContains(t, out, "No import recorded")

	if _, _, err := runCLI(t, []string{"import", "select"}, env.addr, env.configPath); err == nil {
		t.Fatal("expected select without keys to fail")
	}
	_, _, err = runCLI(t, []string{"import", "select", "objective"}, env.addr, env.configPath)
	if err == nil {
		t.Fatal("expected selection without an import to fail")
	}
	requireContains(t, err.Error(), "import")
}

func TestTestNotifyWithoutTopic(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"test-notify"}, env.addr, env.configPath)
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "ntfy topic not configured")
}

func TestCommandsReportUnavailableDaemon(t *testing.T) {
	env := setupCLITestEnv(t)

	_, _, err := runCLI(t, []string{"status"}, "127.0.0.1:1", env.configPath)
	if err == nil {
		t.Fatal("expected error for unreachable daemon")
	}
	if !strings.Contains(err.Error(), "harvest daemon") {
		t.Fatalf("expected start hint, got %v", err)
	}
}
