package secrets

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockManagerAPI struct {
	calls              atomic.Int32
	getSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
}

func (m *mockManagerAPI) GetSecretValue(
	ctx context.Context,
	params *secretsmanager.GetSecretValueInput,
	_ ...func(*secretsmanager.Options),
) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls.Add(1)
	return m.getSecretValueFunc(ctx, params)
}

func secretsByID(values map[string]string) *mockManagerAPI {
	return &mockManagerAPI{
		getSecretValueFunc: func(_ context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			v, ok := values[aws.ToString(params.SecretId)]
			if !ok {
				return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "not found"}
			}
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
		},
	}
}

func TestResolvePlainValue(t *testing.T) {
	api := secretsByID(nil)
	r := NewResolver(api, nil)

	got, err := r.Resolve(context.Background(), "postgres://localhost/conveyor")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/conveyor", got)
	assert.Equal(t, int32(0), api.calls.Load())
}

func TestResolveReference(t *testing.T) {
	api := secretsByID(map[string]string{
		"conveyor/webhook": "hunter2",
		"conveyor/db":      `{"dsn":"postgres://db/conveyor","port":5432}`,
	})
	r := NewResolver(api, nil)
	ctx := context.Background()

	got, err := r.Resolve(ctx, "awssm:conveyor/webhook")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	got, err = r.Resolve(ctx, "awssm:conveyor/db#dsn")
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/conveyor", got)

	got, err = r.Resolve(ctx, "awssm:conveyor/db#port")
	require.NoError(t, err)
	assert.Equal(t, "5432", got)

	// both db lookups share one fetch
	assert.Equal(t, int32(2), api.calls.Load())
}

func TestResolveErrors(t *testing.T) {
	api := secretsByID(map[string]string{"plain": "not-json", "empty": ""})
	r := NewResolver(api, nil)
	ctx := context.Background()

	_, err := r.Resolve(ctx, "awssm:missing")
	assert.True(t, errors.Is(err, ErrSecretNotFound), "err = %v", err)

	_, err = r.Resolve(ctx, "awssm:empty")
	assert.ErrorIs(t, err, ErrSecretEmpty)

	_, err = r.Resolve(ctx, "awssm:plain#field")
	assert.Error(t, err)

	_, err = r.Resolve(ctx, "awssm:")
	assert.Error(t, err)
}

func TestResolveAccessDenied(t *testing.T) {
	api := &mockManagerAPI{
		getSecretValueFunc: func(context.Context, *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "denied"}
		},
	}
	_, err := NewResolver(api, nil).Resolve(context.Background(), "awssm:locked")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestResolveMissingField(t *testing.T) {
	api := secretsByID(map[string]string{"db": `{"dsn":"x"}`})
	_, err := NewResolver(api, nil).Resolve(context.Background(), "awssm:db#password")
	assert.ErrorIs(t, err, ErrFieldNotFound)
}

func TestIsReference(t *testing.T) {
	assert.True(t, IsReference("awssm:x"))
	assert.False(t, IsReference("x"))
}
