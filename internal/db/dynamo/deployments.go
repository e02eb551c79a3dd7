package dynamo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/lucasnoah/conveyor/internal/pipeline"
)

type deploymentItem struct {
	HashKey        string  `dynamodbav:"HashKey"`
	Sha            string  `dynamodbav:"Sha"`
	Org            string  `dynamodbav:"Org"`
	Name           string  `dynamodbav:"Name"`
	Stage          string  `dynamodbav:"Stage"`
	IsDeploying    bool    `dynamodbav:"IsDeploying"`
	WasSuccess     *bool   `dynamodbav:"WasSuccess,omitempty"`
	ArtifactBucket string  `dynamodbav:"ArtifactBucket"`
	ArtifactFolder string  `dynamodbav:"ArtifactFolder"`
	Trigger        string  `dynamodbav:"Trigger"`
	CausedBy       *string `dynamodbav:"CausedBy,omitempty"`
	ApprovalStatus string  `dynamodbav:"ApprovalStatus"`
	ApprovedBy     string  `dynamodbav:"ApprovedBy"`
	FailureCause   string  `dynamodbav:"FailureCause"`
	Attempts       int     `dynamodbav:"Attempts"`
	Seq            int64   `dynamodbav:"Seq"`
	CreatedAt      string  `dynamodbav:"CreatedAt"`
	UpdatedAt      string  `dynamodbav:"UpdatedAt"`
}

func toItem(d pipeline.Deployment) (deploymentItem, error) {
	trig, err := json.Marshal(d.Trigger)
	if err != nil {
		return deploymentItem{}, fmt.Errorf("marshal trigger: %w", err)
	}
	return deploymentItem{
		HashKey:        d.Key.HashKey(),
		Sha:            d.Key.Sha,
		Org:            d.Key.Org,
		Name:           d.Key.Name,
		Stage:          d.Key.Stage,
		IsDeploying:    d.IsDeploying,
		WasSuccess:     d.WasSuccess,
		ArtifactBucket: d.ArtifactBucket,
		ArtifactFolder: d.ArtifactFolder,
		Trigger:        string(trig),
		CausedBy:       d.CausedBy,
		ApprovalStatus: string(d.ApprovalStatus),
		ApprovedBy:     d.ApprovedBy,
		FailureCause:   string(d.FailureCause),
		Attempts:       d.Attempts,
		Seq:            d.Seq,
		CreatedAt:      formatTime(d.CreatedAt),
		UpdatedAt:      formatTime(d.UpdatedAt),
	}, nil
}

func (it deploymentItem) deployment() (pipeline.Deployment, error) {
	d := pipeline.Deployment{
		Key:            pipeline.DeploymentKey{Org: it.Org, Name: it.Name, Stage: it.Stage, Sha: it.Sha},
		IsDeploying:    it.IsDeploying,
		WasSuccess:     it.WasSuccess,
		ArtifactBucket: it.ArtifactBucket,
		ArtifactFolder: it.ArtifactFolder,
		CausedBy:       it.CausedBy,
		ApprovalStatus: pipeline.ApprovalStatus(it.ApprovalStatus),
		ApprovedBy:     it.ApprovedBy,
		FailureCause:   pipeline.FailureCause(it.FailureCause),
		Attempts:       it.Attempts,
		Seq:            it.Seq,
	}
	if err := json.Unmarshal([]byte(it.Trigger), &d.Trigger); err != nil {
		return pipeline.Deployment{}, fmt.Errorf("decode trigger for %s: %w", d.Key, err)
	}
	var err error
	if d.CreatedAt, err = parseTime(it.CreatedAt); err != nil {
		return pipeline.Deployment{}, err
	}
	if d.UpdatedAt, err = parseTime(it.UpdatedAt); err != nil {
		return pipeline.Deployment{}, err
	}
	return d, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func itemKey(hashKey, sha string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"HashKey": &types.AttributeValueMemberS{Value: hashKey},
		"Sha":     &types.AttributeValueMemberS{Value: sha},
	}
}

// GetDeployment returns the record for key, or pipeline.ErrNotFound.
func (s *Store) GetDeployment(ctx context.Context, key pipeline.DeploymentKey) (pipeline.Deployment, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.deployments),
		Key:            itemKey(key.HashKey(), key.Sha),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return pipeline.Deployment{}, classify("get deployment "+key.String(), err)
	}
	if len(out.Item) == 0 {
		return pipeline.Deployment{}, fmt.Errorf("deployment %s: %w", key, pipeline.ErrNotFound)
	}
	var it deploymentItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return pipeline.Deployment{}, fmt.Errorf("decode deployment %s: %w", key, err)
	}
	return it.deployment()
}

// PutIfAbsentOrStatusMatches writes dep when the stored record satisfies
// expect. Transitions into or out of IsDeploying also take or release the
// stage's lock item in the same transaction.
func (s *Store) PutIfAbsentOrStatusMatches(ctx context.Context, dep pipeline.Deployment, expect pipeline.Expectation) error {
	key := dep.Key
	op := "put deployment " + key.String()

	// Without an IsDeploying expectation the lock transition is unknown, so
	// pin the currently stored flag. A concurrent flip surfaces as a lost
	// condition.
	if !expect.Absent && expect.IsDeploying == nil {
		cur, err := s.GetDeployment(ctx, key)
		if errors.Is(err, pipeline.ErrNotFound) {
			return fmt.Errorf("%s: %w", op, pipeline.ErrConditionFailed)
		}
		if err != nil {
			return err
		}
		expect.IsDeploying = pipeline.Bool(cur.IsDeploying)
	}

	now := s.now().UTC()
	var recordOp types.TransactWriteItem
	if expect.Absent {
		put, err := s.createPut(dep, now)
		if err != nil {
			return err
		}
		recordOp.Put = put
	} else {
		upd, err := s.conditionalUpdate(dep, expect, now)
		if err != nil {
			return err
		}
		recordOp.Update = upd
	}

	wasDeploying := !expect.Absent && *expect.IsDeploying
	var lockOp *types.TransactWriteItem
	switch {
	case dep.IsDeploying && !wasDeploying:
		lock, err := s.acquireLock(key)
		if err != nil {
			return err
		}
		lockOp = &types.TransactWriteItem{Put: lock}
	case !dep.IsDeploying && wasDeploying:
		release, err := s.releaseLock(key)
		if err != nil {
			return err
		}
		lockOp = &types.TransactWriteItem{Delete: release}
	}

	if lockOp == nil {
		if recordOp.Put != nil {
			p := recordOp.Put
			_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:                 p.TableName,
				Item:                      p.Item,
				ConditionExpression:       p.ConditionExpression,
				ExpressionAttributeNames:  p.ExpressionAttributeNames,
				ExpressionAttributeValues: p.ExpressionAttributeValues,
			})
			return classify(op, err)
		}
		u := recordOp.Update
		_, err := s.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                 u.TableName,
			Key:                       u.Key,
			UpdateExpression:          u.UpdateExpression,
			ConditionExpression:       u.ConditionExpression,
			ExpressionAttributeNames:  u.ExpressionAttributeNames,
			ExpressionAttributeValues: u.ExpressionAttributeValues,
		})
		return classify(op, err)
	}

	_, err := s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{recordOp, *lockOp},
	})
	return classify(op, err)
}

func (s *Store) createPut(dep pipeline.Deployment, now time.Time) (*types.Put, error) {
	dep.CreatedAt, dep.UpdatedAt = now, now
	dep.Seq = now.UnixNano()
	it, err := toItem(dep)
	if err != nil {
		return nil, err
	}
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return nil, fmt.Errorf("encode deployment %s: %w", dep.Key, err)
	}
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("HashKey").AttributeNotExists()).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build condition: %w", err)
	}
	return &types.Put{
		TableName:                 aws.String(s.deployments),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, nil
}

func (s *Store) conditionalUpdate(dep pipeline.Deployment, expect pipeline.Expectation, now time.Time) (*types.Update, error) {
	trig, err := json.Marshal(dep.Trigger)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger: %w", err)
	}
	update := expression.Set(expression.Name("IsDeploying"), expression.Value(dep.IsDeploying)).
		Set(expression.Name("ArtifactBucket"), expression.Value(dep.ArtifactBucket)).
		Set(expression.Name("ArtifactFolder"), expression.Value(dep.ArtifactFolder)).
		Set(expression.Name("Trigger"), expression.Value(string(trig))).
		Set(expression.Name("ApprovalStatus"), expression.Value(string(dep.ApprovalStatus))).
		Set(expression.Name("ApprovedBy"), expression.Value(dep.ApprovedBy)).
		Set(expression.Name("FailureCause"), expression.Value(string(dep.FailureCause))).
		Set(expression.Name("Attempts"), expression.Value(dep.Attempts)).
		Set(expression.Name("UpdatedAt"), expression.Value(formatTime(now)))
	if dep.WasSuccess != nil {
		update = update.Set(expression.Name("WasSuccess"), expression.Value(*dep.WasSuccess))
	} else {
		update = update.Remove(expression.Name("WasSuccess"))
	}
	if dep.CausedBy != nil {
		update = update.Set(expression.Name("CausedBy"), expression.Value(*dep.CausedBy))
	} else {
		update = update.Remove(expression.Name("CausedBy"))
	}

	cond := expression.Name("HashKey").AttributeExists().
		And(expression.Name("IsDeploying").Equal(expression.Value(*expect.IsDeploying)))
	if expect.ApprovalStatus != "" {
		cond = cond.And(expression.Name("ApprovalStatus").Equal(expression.Value(string(expect.ApprovalStatus))))
	}

	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("build update: %w", err)
	}
	return &types.Update{
		TableName:                 aws.String(s.deployments),
		Key:                       itemKey(dep.Key.HashKey(), dep.Key.Sha),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, nil
}

func (s *Store) acquireLock(key pipeline.DeploymentKey) (*types.Put, error) {
	item := itemKey(key.HashKey(), lockSha)
	item["Holder"] = &types.AttributeValueMemberS{Value: key.Sha}
	cond := expression.Name("HashKey").AttributeNotExists().
		Or(expression.Name("Holder").Equal(expression.Value(key.Sha)))
	expr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return nil, fmt.Errorf("build lock condition: %w", err)
	}
	return &types.Put{
		TableName:                 aws.String(s.deployments),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, nil
}

func (s *Store) releaseLock(key pipeline.DeploymentKey) (*types.Delete, error) {
	expr, err := expression.NewBuilder().
		WithCondition(expression.Name("Holder").Equal(expression.Value(key.Sha))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("build lock condition: %w", err)
	}
	return &types.Delete{
		TableName:                 aws.String(s.deployments),
		Key:                       itemKey(key.HashKey(), lockSha),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}, nil
}

// ListDeployments returns an application's deployments grouped by stage, in
// insertion order within each stage.
func (s *Store) ListDeployments(ctx context.Context, org, name string) ([]pipeline.Deployment, error) {
	filter := expression.Name("Org").Equal(expression.Value(org)).
		And(expression.Name("Name").Equal(expression.Value(name)))
	out, err := s.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Key.Stage != out[j].Key.Stage {
			return out[i].Key.Stage < out[j].Key.Stage
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// ListInFlight returns every deployment currently marked as deploying.
func (s *Store) ListInFlight(ctx context.Context) ([]pipeline.Deployment, error) {
	out, err := s.scan(ctx, expression.Name("IsDeploying").Equal(expression.Value(true)))
	if err != nil {
		return nil, err
	}
	sortBySeq(out)
	return out, nil
}

// ListApproved returns approved deployments that have not started.
func (s *Store) ListApproved(ctx context.Context) ([]pipeline.Deployment, error) {
	filter := expression.Name("ApprovalStatus").Equal(expression.Value(string(pipeline.ApprovalApproved))).
		And(
			expression.Name("IsDeploying").Equal(expression.Value(false)),
			expression.Name("WasSuccess").AttributeNotExists(),
		)
	out, err := s.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	sortBySeq(out)
	return out, nil
}

func sortBySeq(ds []pipeline.Deployment) {
	sort.SliceStable(ds, func(i, j int) bool { return ds[i].Seq < ds[j].Seq })
}

// scan reads every deployment matching filter. Lock items carry none of the
// filtered attributes, so they never match.
func (s *Store) scan(ctx context.Context, filter expression.ConditionBuilder) ([]pipeline.Deployment, error) {
	filter = filter.And(expression.Name("Sha").NotEqual(expression.Value(lockSha)))
	expr, err := expression.NewBuilder().WithFilter(filter).Build()
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}
	p := dynamodb.NewScanPaginator(s.api, &dynamodb.ScanInput{
		TableName:                 aws.String(s.deployments),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
	})
	var out []pipeline.Deployment
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("scan deployments", err)
		}
		var items []deploymentItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("decode deployments: %w", err)
		}
		for _, it := range items {
			d, err := it.deployment()
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
	}
	return out, nil
}
