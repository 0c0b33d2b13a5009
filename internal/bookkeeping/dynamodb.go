// Package bookkeeping persists the durable per-job audit record (spec §3
// "Bookkeeping record", §6 "Durable bookkeeping table") in DynamoDB: a
// key-value table keyed on Src_bucket + "/" + Src_key, updated with
// ADD/SET expressions rather than whole-item overwrites so concurrent
// workers touching the same job never clobber each other's counters.
package bookkeeping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"s3xfer/internal/engine"
)

// Recorder implements engine.BookkeepingRecorder against a DynamoDB table.
type Recorder struct {
	api       *dynamodb.Client
	tableName string
}

func New(api *dynamodb.Client, tableName string) *Recorder {
	return &Recorder{api: api, tableName: tableName}
}

var _ engine.BookkeepingRecorder = (*Recorder)(nil)

// RecordAttemptStart implements the INIT -> PROBE bookkeeping write (spec
// §4.4): ADD 1 to retry_times, ADD the worker id to the instance_id set,
// and SET start_time only if this is the first attempt.
func (r *Recorder) RecordAttemptStart(ctx context.Context, identity, workerID string) error {
	update, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name("retry_times"), expression.Value(1)).
			Add(expression.Name("instance_id"), expression.Value(&types.AttributeValueMemberSS{Value: []string{workerID}})).
			Set(expression.Name("start_time"), expression.IfNotExists(expression.Name("start_time"), expression.Value(time.Now().Unix())))).
		Build()
	if err != nil {
		return fmt.Errorf("build attempt-start update expression: %w", err)
	}

	_, err = r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       keyFor(identity),
		UpdateExpression:          update.Update(),
		ExpressionAttributeNames:  update.Names(),
		ExpressionAttributeValues: update.Values(),
	})
	if err != nil {
		return fmt.Errorf("record attempt start for %s: %w", identity, err)
	}
	return nil
}

// RecordTerminal implements the attempt-end bookkeeping write: SET
// spent_time, ADD the terminal status to the job_status set.
func (r *Recorder) RecordTerminal(ctx context.Context, identity, status string, elapsed time.Duration) error {
	update, err := expression.NewBuilder().
		WithUpdate(expression.Set(expression.Name("spent_time"), expression.Value(elapsed.Seconds())).
			Add(expression.Name("job_status"), expression.Value(&types.AttributeValueMemberSS{Value: []string{status}}))).
		Build()
	if err != nil {
		return fmt.Errorf("build terminal update expression: %w", err)
	}

	_, err = r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       keyFor(identity),
		UpdateExpression:          update.Update(),
		ExpressionAttributeNames:  update.Names(),
		ExpressionAttributeValues: update.Values(),
	})
	if err != nil {
		return fmt.Errorf("record terminal status for %s: %w", identity, err)
	}
	return nil
}

// PutJobMeta writes the immutable job-descriptor attributes (spec §6:
// Src_bucket, Des_bucket, Des_key, Size) once at enqueue time, so workers
// never need to write them on every attempt.
func (r *Recorder) PutJobMeta(ctx context.Context, identity, srcBucket, destBucket, destKey string, size int64) error {
	item := map[string]types.AttributeValue{
		"Key":         &types.AttributeValueMemberS{Value: identity},
		"Src_bucket":  &types.AttributeValueMemberS{Value: srcBucket},
		"Des_bucket":  &types.AttributeValueMemberS{Value: destBucket},
		"Des_key":     &types.AttributeValueMemberS{Value: destKey},
		"Size":        &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", size)},
		"retry_times": &types.AttributeValueMemberN{Value: "0"},
	}
	_, err := r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#k)"),
		ExpressionAttributeNames: map[string]string{
			"#k": "Key",
		},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return nil
		}
		return fmt.Errorf("put job meta for %s: %w", identity, err)
	}
	return nil
}

func keyFor(identity string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"Key": &types.AttributeValueMemberS{Value: identity},
	}
}
