package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"missionctl/internal/mission"
	"missionctl/internal/model"
	"missionctl/internal/policy"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := output
	output = &buf
	t.Cleanup(func() { output = previous })
	return &buf
}

func writeTestPolicy(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := policy.Default()
	cfg.Broker.URL = memoryBrokerURL
	cfg.Store.DBPath = filepath.Join(dir, "missionctl.db")
	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal policy: %v", err)
	}
	path := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func requireBash(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}
}

func TestRootCommandRegistersCommands(t *testing.T) {
	rootCmd, err := newRootCommand()
	if err != nil {
		t.Fatalf("new root command: %v", err)
	}
	want := []string{"emit", "exec", "history", "mission", "policy-init", "serve", "watch"}
	for _, name := range want {
		found := false
		for _, command := range rootCmd.Commands() {
			if command.Name() == name {
				found = true
				if command.Flags().Lookup("policy") == nil && name != "policy-init" {
					t.Fatalf("command %s is missing the --policy flag", name)
				}
			}
		}
		if !found {
			t.Fatalf("expected command %q to be registered", name)
		}
	}
}

func TestPolicyInitWritesLoadablePolicy(t *testing.T) {
	buf := captureOutput(t)
	path := filepath.Join(t.TempDir(), "nested", "policy.json")
	if err := executeCLI(context.Background(), []string{"policy-init", "--path", path}); err != nil {
		t.Fatalf("policy-init: %v", err)
	}
	if !strings.Contains(buf.String(), path) {
		t.Fatalf("expected output to name the policy path, got %q", buf.String())
	}
	cfg, _, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load written policy: %v", err)
	}
	if cfg.Sandbox.Provider != "local" {
		t.Fatalf("unexpected provider %q", cfg.Sandbox.Provider)
	}
}

func TestCommandsRequireRunID(t *testing.T) {
	captureOutput(t)
	for _, name := range []string{"history", "watch", "emit"} {
		err := executeCLI(context.Background(), []string{name})
		if err == nil || !strings.Contains(err.Error(), "--run-id is required") {
			t.Fatalf("%s: expected a missing run id error, got %v", name, err)
		}
	}
}

func TestEmitRejectsUnknownEventType(t *testing.T) {
	captureOutput(t)
	err := executeCLI(context.Background(), []string{"emit", "--run-id", "run-1", "--type", "celebrating"})
	if err == nil || !strings.Contains(err.Error(), "unknown event kind") {
		t.Fatalf("expected unknown event kind error, got %v", err)
	}
}

func TestHistoryOnMemoryBrokerIsEmpty(t *testing.T) {
	buf := captureOutput(t)
	err := executeCLI(context.Background(), []string{"history", "--policy", writeTestPolicy(t), "--run-id", "run-none"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "No events for run-none" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestExecRunsCommandInSandbox(t *testing.T) {
	requireBash(t)
	buf := captureOutput(t)
	policyPath := writeTestPolicy(t)

	if err := executeCLI(context.Background(), []string{"exec", "--policy", policyPath, "--command", "echo hello"}); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if buf.String() != "hello\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}

	buf.Reset()
	err := executeCLI(context.Background(), []string{"exec", "--policy", policyPath, "--json", "--command", "echo nope; exit 3"})
	if err == nil || !strings.Contains(err.Error(), "code 3") {
		t.Fatalf("expected exit code error, got %v", err)
	}
	var result model.CommandResult
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("decode result %q: %v", buf.String(), err)
	}
	if result.ExitCode != 3 || result.Stdout != "nope\n" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestMissionCommandPrintsReport(t *testing.T) {
	requireBash(t)
	buf := captureOutput(t)
	policyPath := writeTestPolicy(t)

	planPath := filepath.Join(t.TempDir(), "plan.json")
	plan := `{
  "steps": [{"name": "List files", "command": "ls -a"}],
  "fixes": [{"path": "notes.txt", "content": "patched\n"}],
  "verify": "grep -q patched notes.txt"
}`
	if err := os.WriteFile(planPath, []byte(plan), 0o644); err != nil {
		t.Fatalf("write plan: %v", err)
	}

	err := executeCLI(context.Background(), []string{"mission", "--policy", policyPath, "--plan", planPath, "--run-id", "run-cli"})
	if err != nil {
		t.Fatalf("mission: %v", err)
	}
	var report mission.Report
	if err := json.Unmarshal(buf.Bytes(), &report); err != nil {
		t.Fatalf("decode report %q: %v", buf.String(), err)
	}
	if report.RunID != "run-cli" || report.Status != model.RunStatusSucceeded {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.Steps) != 2 {
		t.Fatalf("expected scouting and verify steps, got %d", len(report.Steps))
	}
}

func TestMissionCommandRequiresPlan(t *testing.T) {
	captureOutput(t)
	err := executeCLI(context.Background(), []string{"mission"})
	if err == nil || !strings.Contains(err.Error(), "--plan is required") {
		t.Fatalf("expected missing plan error, got %v", err)
	}
}
