// Package dynamo is the DynamoDB-backed pipeline store.
//
// Deployments live in one table keyed by HashKey (Org#Name#Stage) and Sha.
// The one-in-flight-per-stage rule is enforced with a lock item in the same
// partition (Sha "#IN_FLIGHT") that is written or deleted in the same
// transaction as the deployment record.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

// lockSha is the range key of the per-stage in-flight lock item.
const lockSha = "#IN_FLIGHT"

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Config selects the tables and endpoint.
type Config struct {
	Region            string
	Endpoint          string // optional, e.g. a LocalStack URL
	ApplicationsTable string
	DeploymentsTable  string
}

// Store implements pipeline.Store over DynamoDB.
type Store struct {
	api          API
	applications string
	deployments  string
	now          func() time.Time
}

var _ pipeline.Store = (*Store)(nil)

// New builds a store from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithAPI(client, cfg), nil
}

// NewWithAPI builds a store over an existing client.
func NewWithAPI(api API, cfg Config) *Store {
	s := &Store{
		api:          api,
		applications: cfg.ApplicationsTable,
		deployments:  cfg.DeploymentsTable,
		now:          time.Now,
	}
	if s.applications == "" {
		s.applications = "Applications"
	}
	if s.deployments == "" {
		s.deployments = "Deployments"
	}
	return s
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error { return nil }

// CreateTables creates both tables with on-demand billing when they do not
// exist yet.
func (s *Store) CreateTables(ctx context.Context) error {
	tables := []struct {
		name  string
		attrs []types.AttributeDefinition
		keys  []types.KeySchemaElement
	}{
		{
			name:  s.applications,
			attrs: []types.AttributeDefinition{{AttributeName: aws.String("HashKey"), AttributeType: types.ScalarAttributeTypeS}},
			keys:  []types.KeySchemaElement{{AttributeName: aws.String("HashKey"), KeyType: types.KeyTypeHash}},
		},
		{
			name: s.deployments,
			attrs: []types.AttributeDefinition{
				{AttributeName: aws.String("HashKey"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("Sha"), AttributeType: types.ScalarAttributeTypeS},
			},
			keys: []types.KeySchemaElement{
				{AttributeName: aws.String("HashKey"), KeyType: types.KeyTypeHash},
				{AttributeName: aws.String("Sha"), KeyType: types.KeyTypeRange},
			},
		},
	}
	for _, tbl := range tables {
		_, err := s.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tbl.name)})
		if err == nil {
			continue
		}
		var nf *types.ResourceNotFoundException
		if !errors.As(err, &nf) {
			return fmt.Errorf("describe table %s: %w", tbl.name, err)
		}
		_, err = s.api.CreateTable(ctx, &dynamodb.CreateTableInput{
			TableName:            aws.String(tbl.name),
			AttributeDefinitions: tbl.attrs,
			KeySchema:            tbl.keys,
			BillingMode:          types.BillingModePayPerRequest,
		})
		if err != nil {
			return fmt.Errorf("create table %s: %w", tbl.name, err)
		}
		waiter := dynamodb.NewTableExistsWaiter(s.api)
		if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(tbl.name)}, 2*time.Minute); err != nil {
			return fmt.Errorf("wait for table %s: %w", tbl.name, err)
		}
	}
	return nil
}

// classify maps lost conditional writes to pipeline.ErrConditionFailed.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%s: %w", op, pipeline.ErrConditionFailed)
	}
	var conflict *types.TransactionConflictException
	if errors.As(err, &conflict) {
		return fmt.Errorf("%s: %w", op, pipeline.ErrConditionFailed)
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, r := range canceled.CancellationReasons {
			switch aws.ToString(r.Code) {
			case "ConditionalCheckFailed", "TransactionConflict":
				return fmt.Errorf("%s: %w", op, pipeline.ErrConditionFailed)
			}
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %s: %w", op, apiErr.ErrorCode(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
