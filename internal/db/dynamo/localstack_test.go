package dynamo

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/localstack"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/lucasnoah/conveyor/internal/db/dbtest"
	"github.com/lucasnoah/conveyor/internal/pipeline"
)

func startLocalStack(t *testing.T) *dynamodb.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping LocalStack integration test in short mode")
	}
	ctx := context.Background()

	ctr, err := localstack.Run(ctx,
		"localstack/localstack:latest",
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/_localstack/health").
				WithPort("4566").
				WithStartupTimeout(2*time.Minute),
		),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("start LocalStack container (is Docker available?): %v", err)
	}

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "4566")
	require.NoError(t, err)
	endpoint := fmt.Sprintf("http://%s:%s", host, port.Port())

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{AccessKeyID: "test", SecretAccessKey: "test"}, nil
			})),
	)
	require.NoError(t, err)
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
}

func TestStoreContractLocalStack(t *testing.T) {
	client := startLocalStack(t)

	dbtest.Run(t, func(t *testing.T) pipeline.Store {
		// Fresh tables per subtest keep the scans isolated.
		suffix := strings.NewReplacer("/", "-", " ", "-").Replace(t.Name())
		s := NewWithAPI(client, Config{
			ApplicationsTable: "apps-" + suffix,
			DeploymentsTable:  "deps-" + suffix,
		})
		require.NoError(t, s.CreateTables(context.Background()))
		return s
	})
}
