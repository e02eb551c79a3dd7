package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"serve", "deploy", "approve", "reject", "status", "stats",
		"apps", "event", "recover", "config", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestSubcommandHelp(t *testing.T) {
	for _, args := range [][]string{
		{"deploy", "push"},
		{"deploy", "rerun"},
		{"apps", "sync"},
		{"apps", "list"},
		{"event", "list"},
		{"db", "migrate"},
		{"db", "reset"},
		{"config", "validate"},
		{"config", "show"},
	} {
		out, err := executeCommand(append(args, "--help")...)
		if err != nil {
			t.Errorf("%v --help failed: %v", args, err)
		}
		if out == "" {
			t.Errorf("%v --help produced no output", args)
		}
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command, got nil")
	}
}

func TestSplitApp(t *testing.T) {
	org, name, err := splitApp("acme/widgets")
	if err != nil || org != "acme" || name != "widgets" {
		t.Errorf("splitApp = %q, %q, %v", org, name, err)
	}
	for _, bad := range []string{"acme", "/widgets", "acme/", "a/b/c"} {
		if _, _, err := splitApp(bad); err == nil {
			t.Errorf("splitApp(%q) expected error", bad)
		}
	}
}

func writeCLIConfig(t *testing.T, command string) string {
	t.Helper()
	dir := t.TempDir()
	content := `
storage:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "conveyor.db") + `
executor:
  command: "` + command + `"
  retry_delay: 1ms
applications:
  - org: acme
    name: widgets
    approvals:
      leads:
        type: slack
        people: [alice]
    stages:
      - name: dev
      - name: prod
        approval_required: true
        approvers: leads
`
	path := filepath.Join(dir, "conveyor.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConfigValidateAndShow(t *testing.T) {
	path := writeCLIConfig(t, "true")

	out, err := executeCommand("--config", path, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("unexpected output: %s", out)
	}

	out, err = executeCommand("--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, "driver: sqlite") || !strings.Contains(out, "name: widgets") {
		t.Errorf("config show output missing fields:\n%s", out)
	}
}

func TestConfigValidateReportsErrors(t *testing.T) {
	path := writeCLIConfig(t, "")
	out, err := executeCommand("--config", path, "config", "validate")
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if !strings.Contains(out, "executor.command") {
		t.Errorf("expected executor.command error, got: %s", out)
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	path := writeCLIConfig(t, "true")

	out, err := executeCommand("--config", path, "apps", "sync")
	if err != nil {
		t.Fatalf("apps sync: %v\n%s", err, out)
	}
	if !strings.Contains(out, "acme/widgets created") {
		t.Errorf("apps sync output: %s", out)
	}
	out, _ = executeCommand("--config", path, "apps", "sync")
	if !strings.Contains(out, "acme/widgets updated") {
		t.Errorf("second apps sync output: %s", out)
	}

	out, err = executeCommand("--config", path, "deploy", "push", "acme/widgets", "abc123")
	if err != nil {
		t.Fatalf("deploy push: %v\n%s", err, out)
	}
	if !strings.Contains(out, "succeeded") || !strings.Contains(out, "awaiting_approval") {
		t.Errorf("deploy push output: %s", out)
	}

	out, err = executeCommand("--config", path, "approve", "acme#widgets#prod#abc123", "--as", "alice")
	if err != nil {
		t.Fatalf("approve: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Approved") {
		t.Errorf("approve output: %s", out)
	}

	out, err = executeCommand("--config", path, "status", "acme/widgets")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.Count(out, "Succeeded") != 2 {
		t.Errorf("expected both stages succeeded:\n%s", out)
	}

	out, err = executeCommand("--config", path, "stats", "acme/widgets")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "dev") || !strings.Contains(out, "100.0") {
		t.Errorf("stats output: %s", out)
	}

	out, err = executeCommand("--config", path, "event", "list", "acme/widgets")
	if err != nil {
		t.Fatalf("event list: %v", err)
	}
	if !strings.Contains(out, "approval_approved") {
		t.Errorf("event list output missing approval: %s", out)
	}

	out, err = executeCommand("--config", path, "recover")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if !strings.Contains(out, "0 interrupted, 0 resumed") {
		t.Errorf("recover output: %s", out)
	}
}

func TestApproveByOutsiderFails(t *testing.T) {
	path := writeCLIConfig(t, "true")
	if _, err := executeCommand("--config", path, "apps", "sync"); err != nil {
		t.Fatal(err)
	}
	if _, err := executeCommand("--config", path, "deploy", "push", "acme/widgets", "def456"); err != nil {
		t.Fatal(err)
	}
	if _, err := executeCommand("--config", path, "approve", "acme#widgets#prod#def456", "--as", "mallory"); err == nil {
		t.Error("expected error for approver outside the group")
	}
}

func TestDBResetRequiresConfirmation(t *testing.T) {
	path := writeCLIConfig(t, "true")
	if _, err := executeCommand("--config", path, "db", "reset"); err == nil {
		t.Error("expected refusal without --yes")
	}
	out, err := executeCommand("--config", path, "db", "reset", "--yes")
	if err != nil {
		t.Fatalf("db reset --yes: %v\n%s", err, out)
	}
}

func TestWireRejectsInvalidConfig(t *testing.T) {
	path := writeCLIConfig(t, "true")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := strings.Replace(string(data), "retry_delay: 1ms", "retry_delay: 1ms\n  timeout: 2h\n  recover_after: 1h", 1)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	for _, args := range [][]string{
		{"deploy", "push", "acme/widgets", "abc123"},
		{"recover"},
	} {
		_, err := executeCommand(append([]string{"--config", path}, args...)...)
		if err == nil || !strings.Contains(err.Error(), "executor.recover_after") {
			t.Errorf("%v: err = %v, want a recover_after validation error", args, err)
		}
	}
}

func TestRecoverRejectsShortStaleAfter(t *testing.T) {
	flag := recoverCmd.Flags().Lookup("stale-after")
	t.Cleanup(func() {
		_ = flag.Value.Set("0")
		flag.Changed = false
	})

	path := writeCLIConfig(t, "true")
	_, err := executeCommand("--config", path, "recover", "--stale-after", "5m")
	if err == nil || !strings.Contains(err.Error(), "stale-after") {
		t.Errorf("err = %v, want a stale-after error", err)
	}
}

func TestConfigValidatePrintsPipelines(t *testing.T) {
	path := writeCLIConfig(t, "true")
	out, err := executeCommand("--config", path, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "acme/widgets: dev -> prod [approval: leads]") {
		t.Errorf("missing pipeline summary:\n%s", out)
	}
	if !strings.Contains(out, "recover after 1h0m0s") {
		t.Errorf("missing executor summary:\n%s", out)
	}
}

func TestConfigValidateGroupsErrorsBySection(t *testing.T) {
	path := writeCLIConfig(t, "")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := strings.Replace(string(data), "driver: sqlite", "driver: mysql", 1)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	out, _ := executeCommand("--config", path, "config", "validate")
	executor := strings.Index(out, "executor:\n")
	storage := strings.Index(out, "storage:\n")
	if executor < 0 || storage < 0 || executor > storage {
		t.Errorf("expected executor then storage sections:\n%s", out)
	}
}

func TestConfigShowSection(t *testing.T) {
	flag := configShowCmd.Flags().Lookup("section")
	t.Cleanup(func() {
		_ = flag.Value.Set("")
		flag.Changed = false
	})

	path := writeCLIConfig(t, "true")
	out, err := executeCommand("--config", path, "config", "show", "--section", "executor")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.HasPrefix(out, "executor:") || strings.Contains(out, "storage:") {
		t.Errorf("unexpected section output:\n%s", out)
	}

	if _, err := executeCommand("--config", path, "config", "show", "--section", "nope"); err == nil {
		t.Error("expected error for unknown section")
	}
}
