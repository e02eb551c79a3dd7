package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nesting levels: CONVEYOR_STORAGE__DSN sets storage.dsn.
const EnvPrefix = "CONVEYOR_"

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the YAML file at path, overlays CONVEYOR_* environment variables
// and applies defaults. An empty path loads from the environment only. A
// .env file in the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("loading .env: %w", err)
		}
	}

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	// zero is a meaningful retry count, so this default is set before decoding
	if !k.Exists("executor.max_retries") {
		if err := k.Set("executor.max_retries", 3); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	for _, f := range cfg.secretFields() {
		*f = substituteEnvVars(*f)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault loads the first config found in the standard locations:
// ./conveyor.yaml, ~/.conveyor/config.yaml. With neither present the
// environment alone configures the service.
func LoadDefault() (*Config, error) {
	candidates := []string{"conveyor.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".conveyor", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Load("")
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// secretFields lists the values that may hold secrets or secret references.
func (c *Config) secretFields() []*string {
	return []*string{
		&c.Server.WebhookSecret,
		&c.Server.APIToken,
		&c.Storage.DSN,
		&c.Notify.WebhookURL,
	}
}

// SecretResolver replaces a secret reference with the secret.
type SecretResolver interface {
	Resolve(ctx context.Context, value string) (string, error)
}

// ResolveSecrets resolves every secret reference in place.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretResolver) error {
	var errs []error
	for _, f := range c.secretFields() {
		v, err := r.Resolve(ctx, *f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f = v
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with secret values masked, for display.
func (c Config) Redacted() Config {
	out := c
	for _, f := range out.secretFields() {
		if *f != "" && !strings.HasPrefix(*f, "awssm:") {
			*f = "********"
		}
	}
	return out
}

// applyDefaults fills unset values.
func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxInFlight == 0 {
		cfg.Server.MaxInFlight = 16
	}

	s := &cfg.Storage
	if s.Driver == "" {
		s.Driver = "sqlite"
	}
	if s.Driver == "sqlite" && s.DSN == "" {
		s.DSN = "conveyor.db"
	}
	if s.DynamoDB.ApplicationsTable == "" {
		s.DynamoDB.ApplicationsTable = "Applications"
	}
	if s.DynamoDB.DeploymentsTable == "" {
		s.DynamoDB.DeploymentsTable = "Deployments"
	}

	e := &cfg.Executor
	if e.Timeout == "" {
		e.Timeout = "30m"
	}
	if e.RetryDelay == "" {
		e.RetryDelay = "2s"
	}
	if e.RecoverAfter == "" {
		e.RecoverAfter = "1h"
	}

	if cfg.Notify.StatusContext == "" {
		cfg.Notify.StatusContext = "conveyor"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "conveyor"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
