package config

import (
	"time"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

// Config is the top-level service configuration.
type Config struct {
	Server       ServerConfig    `koanf:"server" yaml:"server"`
	Storage      StorageConfig   `koanf:"storage" yaml:"storage"`
	Executor     ExecutorConfig  `koanf:"executor" yaml:"executor"`
	Artifacts    ArtifactsConfig `koanf:"artifacts" yaml:"artifacts"`
	Notify       NotifyConfig    `koanf:"notify" yaml:"notify"`
	Secrets      SecretsConfig   `koanf:"secrets" yaml:"secrets"`
	Telemetry    TelemetryConfig `koanf:"telemetry" yaml:"telemetry"`
	Log          LogConfig       `koanf:"log" yaml:"log"`
	Applications []AppConfig     `koanf:"applications" yaml:"applications"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr          string `koanf:"addr" yaml:"addr"`
	WebhookSecret string `koanf:"webhook_secret" yaml:"webhook_secret"`
	APIToken      string `koanf:"api_token" yaml:"api_token"`
	MaxInFlight   int64  `koanf:"max_in_flight" yaml:"max_in_flight"`
}

// StorageConfig selects and configures the record store.
type StorageConfig struct {
	Driver   string         `koanf:"driver" yaml:"driver"` // sqlite, postgres, dynamodb
	DSN      string         `koanf:"dsn" yaml:"dsn"`
	DynamoDB DynamoDBConfig `koanf:"dynamodb" yaml:"dynamodb"`
}

// DynamoDBConfig configures the DynamoDB store.
type DynamoDBConfig struct {
	Region            string `koanf:"region" yaml:"region"`
	Endpoint          string `koanf:"endpoint" yaml:"endpoint"`
	ApplicationsTable string `koanf:"applications_table" yaml:"applications_table"`
	DeploymentsTable  string `koanf:"deployments_table" yaml:"deployments_table"`
}

// ExecutorConfig configures the build/deploy command and its retry policy.
type ExecutorConfig struct {
	Command         string `koanf:"command" yaml:"command"`
	TeardownCommand string `koanf:"teardown_command" yaml:"teardown_command"`
	Timeout         string `koanf:"timeout" yaml:"timeout"`
	MaxRetries      int    `koanf:"max_retries" yaml:"max_retries"`
	RetryDelay      string `koanf:"retry_delay" yaml:"retry_delay"`
	// RecoverAfter is how long a deployment may stay in flight before the
	// recovery sweep marks it interrupted.
	RecoverAfter string `koanf:"recover_after" yaml:"recover_after"`
}

// ArtifactsConfig locates build output.
type ArtifactsConfig struct {
	Bucket string `koanf:"bucket" yaml:"bucket"`
}

// NotifyConfig selects notification adapters. Logging is always on.
type NotifyConfig struct {
	WebhookURL     string `koanf:"webhook_url" yaml:"webhook_url"`
	GitHubStatuses bool   `koanf:"github_statuses" yaml:"github_statuses"`
	StatusContext  string `koanf:"status_context" yaml:"status_context"`
	TargetURL      string `koanf:"target_url" yaml:"target_url"`
}

// SecretsConfig configures awssm: reference resolution.
type SecretsConfig struct {
	Region string `koanf:"region" yaml:"region"`
}

// TelemetryConfig configures tracing.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled" yaml:"enabled"`
	ServiceName string `koanf:"service_name" yaml:"service_name"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level"`   // debug, info, warn, error
	Format string `koanf:"format" yaml:"format"` // text, json
}

// AppConfig is an application as declared in configuration.
type AppConfig struct {
	Org       string                            `koanf:"org" yaml:"org"`
	Name      string                            `koanf:"name" yaml:"name"`
	Channel   string                            `koanf:"channel" yaml:"channel,omitempty"`
	Accounts  []pipeline.Account                `koanf:"accounts" yaml:"accounts,omitempty"`
	Approvals map[string]pipeline.ApprovalGroup `koanf:"approvals" yaml:"approvals,omitempty"`
	Triggers  pipeline.TriggerConfig            `koanf:"triggers" yaml:"triggers"`
	Stages    []pipeline.StageDef               `koanf:"stages" yaml:"stages"`
}

// ToApplication converts the declaration into a store record. Tracked pull
// requests and the version are owned by the store and left zero.
func (a AppConfig) ToApplication() pipeline.Application {
	return pipeline.Application{
		Org:       a.Org,
		Name:      a.Name,
		Channel:   a.Channel,
		Accounts:  a.Accounts,
		Approvals: a.Approvals,
		Triggers:  a.Triggers,
		Stages:    a.Stages,
	}
}

// StageTimeout is the parsed executor timeout.
func (c ExecutorConfig) StageTimeout() time.Duration { return parseDuration(c.Timeout) }

// Delay is the parsed initial retry delay.
func (c ExecutorConfig) Delay() time.Duration { return parseDuration(c.RetryDelay) }

// StaleAfter is the parsed recovery threshold.
func (c ExecutorConfig) StaleAfter() time.Duration { return parseDuration(c.RecoverAfter) }

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
