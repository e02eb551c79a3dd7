package dynamo

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

type applicationItem struct {
	HashKey   string `dynamodbav:"HashKey"`
	Org       string `dynamodbav:"Org"`
	Name      string `dynamodbav:"Name"`
	Body      string `dynamodbav:"Body"`
	Version   int64  `dynamodbav:"Version"`
	CreatedAt string `dynamodbav:"CreatedAt"`
	UpdatedAt string `dynamodbav:"UpdatedAt"`
}

func (it applicationItem) application() (pipeline.Application, error) {
	var app pipeline.Application
	if err := json.Unmarshal([]byte(it.Body), &app); err != nil {
		return pipeline.Application{}, fmt.Errorf("decode application %s: %w", it.HashKey, err)
	}
	app.Org, app.Name, app.Version = it.Org, it.Name, it.Version
	var err error
	if app.CreatedAt, err = parseTime(it.CreatedAt); err != nil {
		return pipeline.Application{}, err
	}
	if app.UpdatedAt, err = parseTime(it.UpdatedAt); err != nil {
		return pipeline.Application{}, err
	}
	return app, nil
}

// GetApplication returns the application record, or pipeline.ErrNotFound.
func (s *Store) GetApplication(ctx context.Context, org, name string) (pipeline.Application, error) {
	hk := pipeline.AppKey(org, name)
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.applications),
		Key:            map[string]types.AttributeValue{"HashKey": &types.AttributeValueMemberS{Value: hk}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return pipeline.Application{}, classify("get application "+hk, err)
	}
	if len(out.Item) == 0 {
		return pipeline.Application{}, fmt.Errorf("application %s: %w", hk, pipeline.ErrNotFound)
	}
	var it applicationItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return pipeline.Application{}, fmt.Errorf("decode application %s: %w", hk, err)
	}
	return it.application()
}

// PutApplication creates (expectVersion 0) or replaces an application whose
// stored version equals expectVersion.
func (s *Store) PutApplication(ctx context.Context, app pipeline.Application, expectVersion int64) error {
	body, err := json.Marshal(app)
	if err != nil {
		return fmt.Errorf("marshal application: %w", err)
	}
	now := formatTime(s.now())
	it := applicationItem{
		HashKey:   app.Key(),
		Org:       app.Org,
		Name:      app.Name,
		Body:      string(body),
		Version:   expectVersion + 1,
		CreatedAt: formatTime(app.CreatedAt),
		UpdatedAt: now,
	}
	var cond expression.ConditionBuilder
	if expectVersion == 0 {
		it.CreatedAt = now
		cond = expression.Name("HashKey").AttributeNotExists()
	} else {
		if it.CreatedAt == "" {
			it.CreatedAt = now
		}
		cond = expression.Name("Version").Equal(expression.Value(expectVersion))
	}
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("encode application %s: %w", app.Key(), err)
	}
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build condition: %w", err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(s.applications),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	return classify("put application "+app.Key(), err)
}

// ListApplications returns every application ordered by org and name.
func (s *Store) ListApplications(ctx context.Context) ([]pipeline.Application, error) {
	p := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:      aws.String(s.applications),
		ConsistentRead: aws.Bool(true),
	})
	var apps []pipeline.Application
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("scan applications", err)
		}
		var items []applicationItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("decode applications: %w", err)
		}
		for _, it := range items {
			app, err := it.application()
			if err != nil {
				return nil, err
			}
			apps = append(apps, app)
		}
	}
	sort.Slice(apps, func(i, j int) bool {
		if apps[i].Org != apps[j].Org {
			return apps[i].Org < apps[j].Org
		}
		return apps[i].Name < apps[j].Name
	})
	return apps, nil
}
