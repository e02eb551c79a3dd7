// Package secrets resolves secret references in configuration values.
//
// A value of the form "awssm:<secret-id>" is fetched from AWS Secrets
// Manager; "awssm:<secret-id>#<field>" selects one field of a JSON secret.
// Any other value is returned unchanged.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

// Prefix marks a Secrets Manager reference.
const Prefix = "awssm:"

var (
	// ErrSecretNotFound is returned when the referenced secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrSecretEmpty is returned when a secret has no value.
	ErrSecretEmpty = errors.New("secret value is empty")
	// ErrAccessDenied is returned when the credentials may not read the secret.
	ErrAccessDenied = errors.New("access denied to secret")
	// ErrFieldNotFound is returned when a #field selector names a missing key.
	ErrFieldNotFound = errors.New("secret field not found")
)

// ManagerAPI is the subset of the Secrets Manager client used here.
type ManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver resolves references, caching fetched secrets for its lifetime.
type Resolver struct {
	api    ManagerAPI
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver wraps api. A nil logger falls back to slog.Default().
func NewResolver(api ManagerAPI, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{api: api, logger: logger, cache: make(map[string]string)}
}

// NewAWSResolver builds a Resolver from the default AWS credential chain.
// An empty region keeps the chain's region.
func NewAWSResolver(ctx context.Context, region string, logger *slog.Logger) (*Resolver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewResolver(secretsmanager.NewFromConfig(cfg), logger), nil
}

// IsReference reports whether value names a secret.
func IsReference(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// Resolve returns value with any secret reference replaced by the secret.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	ref, ok := strings.CutPrefix(value, Prefix)
	if !ok {
		return value, nil
	}
	id, field, _ := strings.Cut(ref, "#")
	if id == "" {
		return "", fmt.Errorf("secret reference %q: empty secret id", value)
	}

	secret, err := r.get(ctx, id)
	if err != nil {
		return "", err
	}
	if field == "" {
		return secret, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(secret), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", id, err)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("secret %s field %q: %w", id, field, ErrFieldNotFound)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func (r *Resolver) get(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	if v, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	r.logger.InfoContext(ctx, "retrieving secret", "secret_id", id)
	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "ResourceNotFoundException":
				return "", fmt.Errorf("get secret %s: %w", id, ErrSecretNotFound)
			case "AccessDeniedException":
				return "", fmt.Errorf("get secret %s: %w", id, ErrAccessDenied)
			}
		}
		return "", fmt.Errorf("get secret %s: %w", id, err)
	}

	var v string
	switch {
	case out.SecretString != nil:
		v = *out.SecretString
	case out.SecretBinary != nil:
		v = string(out.SecretBinary)
	}
	if v == "" {
		return "", fmt.Errorf("get secret %s: %w", id, ErrSecretEmpty)
	}

	r.mu.Lock()
	r.cache[id] = v
	r.mu.Unlock()
	return v, nil
}
