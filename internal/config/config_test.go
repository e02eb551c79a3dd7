package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfig = `
server:
  addr: ":9090"
  webhook_secret: "${TEST_WEBHOOK_SECRET}"
  api_token: "awssm:conveyor/api#token"
storage:
  driver: postgres
  dsn: postgres://localhost/conveyor
executor:
  command: ./deploy.sh
  teardown_command: ./teardown.sh
  timeout: 10m
  max_retries: 2
artifacts:
  bucket: builds
notify:
  webhook_url: https://chat.example.com/hooks/abc
  github_statuses: true
applications:
  - org: acme
    name: widgets
    channel: "#deploys"
    accounts:
      - name: main
        id: "222"
        default: true
    approvals:
      leads:
        type: slack
        people: [alice, bob]
    triggers:
      pull_requests:
        deploy: true
      merges:
        - to_branch: "^main$"
          stages: [dev]
      tags:
        - pattern: semver
          stages: [prod]
    stages:
      - name: dev
      - name: staging
      - name: prod
        approval_required: true
        approvers: leads
`

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "conveyor.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Setenv("TEST_WEBHOOK_SECRET", "s3cret")
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", cfg.Server.Addr)
	}
	if cfg.Server.WebhookSecret != "s3cret" {
		t.Errorf("WebhookSecret = %q, want substituted value", cfg.Server.WebhookSecret)
	}
	if cfg.Server.APIToken != "awssm:conveyor/api#token" {
		t.Errorf("APIToken = %q, references stay unresolved until ResolveSecrets", cfg.Server.APIToken)
	}
	if cfg.Storage.Driver != "postgres" || cfg.Executor.MaxRetries != 2 {
		t.Errorf("storage/executor = %+v / %+v", cfg.Storage, cfg.Executor)
	}
	if got := cfg.Executor.StageTimeout(); got != 10*time.Minute {
		t.Errorf("StageTimeout = %v, want 10m", got)
	}
	if len(cfg.Applications) != 1 {
		t.Fatalf("len(Applications) = %d, want 1", len(cfg.Applications))
	}

	app := cfg.Applications[0].ToApplication()
	if len(app.Stages) != 3 || !app.Stages[2].ApprovalRequired || app.Stages[2].Approvers != "leads" {
		t.Errorf("stages = %+v", app.Stages)
	}
	if got := app.Approvals["leads"].People; len(got) != 2 {
		t.Errorf("leads = %v", got)
	}
	if !app.Triggers.PullRequests.Deploy || len(app.Triggers.Tags) != 1 {
		t.Errorf("triggers = %+v", app.Triggers)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v, want no errors", errs)
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, "executor:\n  command: ./deploy.sh\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Storage.DSN != "conveyor.db" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
	if cfg.Storage.DynamoDB.DeploymentsTable != "Deployments" {
		t.Errorf("DeploymentsTable = %q", cfg.Storage.DynamoDB.DeploymentsTable)
	}
	if cfg.Executor.StageTimeout() != 30*time.Minute || cfg.Executor.Delay() != 2*time.Second {
		t.Errorf("executor = %+v", cfg.Executor)
	}
	if cfg.Executor.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want default 3", cfg.Executor.MaxRetries)
	}
	if cfg.Executor.StaleAfter() != time.Hour {
		t.Errorf("StaleAfter = %v", cfg.Executor.StaleAfter())
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if errs := Validate(cfg); len(errs) != 0 {
		t.Errorf("Validate() = %v", errs)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CONVEYOR_STORAGE__DRIVER", "dynamodb")
	t.Setenv("CONVEYOR_STORAGE__DYNAMODB__REGION", "eu-west-1")
	t.Setenv("CONVEYOR_EXECUTOR__MAX_RETRIES", "5")

	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Storage.Driver != "dynamodb" {
		t.Errorf("Driver = %q, want env override", cfg.Storage.Driver)
	}
	if cfg.Storage.DynamoDB.Region != "eu-west-1" {
		t.Errorf("Region = %q", cfg.Storage.DynamoDB.Region)
	}
	if cfg.Executor.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Executor.MaxRetries)
	}
}

func TestLoadEnvOnly(t *testing.T) {
	t.Setenv("CONVEYOR_EXECUTOR__COMMAND", "make deploy")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Executor.Command != "make deploy" {
		t.Errorf("Command = %q", cfg.Executor.Command)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CONVEYOR_EXECUTOR__COMMAND=./from-dotenv.sh\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// godotenv never overrides, so make sure the variable starts unset
	t.Setenv("CONVEYOR_EXECUTOR__COMMAND", "")
	os.Unsetenv("CONVEYOR_EXECUTOR__COMMAND")

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error: %v", err)
	}
	if cfg.Executor.Command != "./from-dotenv.sh" {
		t.Errorf("Command = %q", cfg.Executor.Command)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeTestConfig(t, "server: [unclosed")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad driver", func(c *Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"missing dsn", func(c *Config) { c.Storage.DSN = "" }, "storage.dsn"},
		{"missing command", func(c *Config) { c.Executor.Command = "" }, "executor.command"},
		{"bad timeout", func(c *Config) { c.Executor.Timeout = "soon" }, "executor.timeout"},
		{"recover_after within timeout", func(c *Config) { c.Executor.Timeout = "2h"; c.Executor.RecoverAfter = "1h" }, "executor.recover_after"},
		{"recover_after equals timeout", func(c *Config) { c.Executor.Timeout = "1h"; c.Executor.RecoverAfter = "1h" }, "executor.recover_after"},
		{"negative retries", func(c *Config) { c.Executor.MaxRetries = -1 }, "executor.max_retries"},
		{"bad webhook url", func(c *Config) { c.Notify.WebhookURL = "not a url" }, "notify.webhook_url"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"missing name", func(c *Config) { c.Applications[0].Name = "" }, "applications[0]"},
		{"duplicate app", func(c *Config) { c.Applications = append(c.Applications, c.Applications[0]) }, "applications[1]"},
		{"unknown group", func(c *Config) { c.Applications[0].Stages[2].Approvers = "nobody" }, "applications[0].stages"},
		{"merge to unknown stage", func(c *Config) { c.Applications[0].Triggers.Merges[0].Stages = []string{"qa"} }, "applications[0].triggers.merges[0].stages"},
		{"bad tag regex", func(c *Config) { c.Applications[0].Triggers.Tags[0].Pattern = "(" }, "applications[0].triggers.tags[0].pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeTestConfig(t, validConfig))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			errs := Validate(cfg)
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() = %v, want an error on %s", errs, tt.field)
			}
		})
	}
}

func TestValidationErrorString(t *testing.T) {
	e := ValidationError{Field: "storage.driver", Message: "unrecognized driver"}
	if e.Error() != "storage.driver: unrecognized driver" {
		t.Errorf("Error() = %q", e.Error())
	}
}

type fakeResolver map[string]string

func (f fakeResolver) Resolve(_ context.Context, v string) (string, error) {
	ref, ok := strings.CutPrefix(v, "awssm:")
	if !ok {
		return v, nil
	}
	s, ok := f[ref]
	if !ok {
		return "", errors.New("no such secret " + ref)
	}
	return s, nil
}

func TestResolveSecrets(t *testing.T) {
	cfg, err := Load(writeTestConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.ResolveSecrets(context.Background(), fakeResolver{"conveyor/api#token": "tok"}); err != nil {
		t.Fatalf("ResolveSecrets: %v", err)
	}
	if cfg.Server.APIToken != "tok" {
		t.Errorf("APIToken = %q", cfg.Server.APIToken)
	}
	if cfg.Storage.DSN != "postgres://localhost/conveyor" {
		t.Errorf("DSN changed: %q", cfg.Storage.DSN)
	}

	cfg.Storage.DSN = "awssm:missing"
	if err := cfg.ResolveSecrets(context.Background(), fakeResolver{}); err == nil {
		t.Error("expected error for missing secret")
	}
}

func TestRedacted(t *testing.T) {
	cfg := Config{}
	cfg.Server.APIToken = "tok"
	cfg.Server.WebhookSecret = "awssm:conveyor/webhook"
	r := cfg.Redacted()
	if r.Server.APIToken != "********" {
		t.Errorf("APIToken = %q", r.Server.APIToken)
	}
	if r.Server.WebhookSecret != "awssm:conveyor/webhook" {
		t.Errorf("references should stay visible, got %q", r.Server.WebhookSecret)
	}
	if cfg.Server.APIToken != "tok" {
		t.Error("Redacted must not modify the receiver")
	}
}
