package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/lucasnoah/conveyor/internal/topology"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var (
	recognizedDrivers = map[string]bool{"sqlite": true, "postgres": true, "dynamodb": true}
	recognizedLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	recognizedFormats = map[string]bool{"text": true, "json": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	s := cfg.Storage
	switch {
	case !recognizedDrivers[s.Driver]:
		add("storage.driver", "unrecognized driver %q", s.Driver)
	case s.Driver != "dynamodb" && s.DSN == "":
		add("storage.dsn", "is required for driver %s", s.Driver)
	}

	if cfg.Executor.Command == "" {
		add("executor.command", "is required")
	}
	for _, d := range []struct{ field, value string }{
		{"executor.timeout", cfg.Executor.Timeout},
		{"executor.retry_delay", cfg.Executor.RetryDelay},
		{"executor.recover_after", cfg.Executor.RecoverAfter},
	} {
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			add(d.field, "invalid duration %q", d.value)
		}
	}
	// a sweep must never interrupt a deployment that can still be running
	if timeout, stale := cfg.Executor.StageTimeout(), cfg.Executor.StaleAfter(); timeout > 0 && stale > 0 && stale <= timeout {
		add("executor.recover_after", "must be longer than executor.timeout (%s)", cfg.Executor.Timeout)
	}
	if cfg.Executor.MaxRetries < 0 {
		add("executor.max_retries", "must not be negative")
	}

	if u := cfg.Notify.WebhookURL; u != "" && !strings.HasPrefix(u, "awssm:") {
		if parsed, err := url.Parse(u); err != nil || parsed.Scheme == "" || parsed.Host == "" {
			add("notify.webhook_url", "invalid URL %q", u)
		}
	}
	if !recognizedLevels[cfg.Log.Level] {
		add("log.level", "unrecognized level %q", cfg.Log.Level)
	}
	if !recognizedFormats[cfg.Log.Format] {
		add("log.format", "unrecognized format %q", cfg.Log.Format)
	}

	seen := make(map[string]bool)
	for i, a := range cfg.Applications {
		prefix := fmt.Sprintf("applications[%d]", i)
		if a.Org == "" || a.Name == "" {
			add(prefix, "org and name are required")
			continue
		}
		key := a.Org + "/" + a.Name
		if seen[key] {
			add(prefix, "duplicate application %q", key)
		}
		seen[key] = true

		// topology construction checks stage names and approval groups
		if _, err := topology.FromApplication(a.ToApplication()); err != nil {
			add(prefix+".stages", "%v", err)
		}
		validateTriggers(a, prefix, add)
	}
	return errs
}

// validateTriggers checks that trigger rules name configured stages.
func validateTriggers(a AppConfig, prefix string, add func(field, format string, args ...any)) {
	stages := make(map[string]bool, len(a.Stages))
	for _, s := range a.Stages {
		stages[s.Name] = true
	}
	for i, r := range a.Triggers.Merges {
		if r.ToBranch == "" {
			add(fmt.Sprintf("%s.triggers.merges[%d].to_branch", prefix, i), "is required")
		} else if _, err := regexp.Compile(r.ToBranch); err != nil {
			add(fmt.Sprintf("%s.triggers.merges[%d].to_branch", prefix, i), "%v", err)
		}
		if r.FromBranch != "" {
			if _, err := regexp.Compile(r.FromBranch); err != nil {
				add(fmt.Sprintf("%s.triggers.merges[%d].from_branch", prefix, i), "%v", err)
			}
		}
		for _, s := range r.Stages {
			if !stages[s] {
				add(fmt.Sprintf("%s.triggers.merges[%d].stages", prefix, i), "references undefined stage %q", s)
			}
		}
	}
	for i, r := range a.Triggers.Tags {
		switch r.Pattern {
		case "":
			add(fmt.Sprintf("%s.triggers.tags[%d].pattern", prefix, i), "is required")
		case "semver":
		default:
			if _, err := regexp.Compile(r.Pattern); err != nil {
				add(fmt.Sprintf("%s.triggers.tags[%d].pattern", prefix, i), "%v", err)
			}
		}
		for _, s := range r.Stages {
			if !stages[s] {
				add(fmt.Sprintf("%s.triggers.tags[%d].stages", prefix, i), "references undefined stage %q", s)
			}
		}
	}
}
