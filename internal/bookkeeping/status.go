package bookkeeping

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Record is the bookkeeping row's shape for reads, mirroring spec §6's
// table definition.
type Record struct {
	Key         string   `dynamodbav:"Key"`
	SrcBucket   string   `dynamodbav:"Src_bucket"`
	DesBucket   string   `dynamodbav:"Des_bucket"`
	DesKey      string   `dynamodbav:"Des_key"`
	Size        int64    `dynamodbav:"Size"`
	InstanceID  []string `dynamodbav:"instance_id"`
	RetryTimes  int      `dynamodbav:"retry_times"`
	StartTime   int64    `dynamodbav:"start_time"`
	SpentTime   float64  `dynamodbav:"spent_time"`
	JobStatus   []string `dynamodbav:"job_status"`
}

// ErrNotFound is returned by GetStatus when no row exists for identity.
var ErrNotFound = fmt.Errorf("bookkeeping record not found")

// GetStatus reads the bookkeeping row for identity, the read-only status
// surface's only query (spec §6).
func (r *Recorder) GetStatus(ctx context.Context, identity string) (*Record, error) {
	resp, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       keyFor(identity),
	})
	if err != nil {
		return nil, fmt.Errorf("get bookkeeping row for %s: %w", identity, err)
	}
	if len(resp.Item) == 0 {
		return nil, ErrNotFound
	}

	var rec Record
	if err := attributevalue.UnmarshalMap(resp.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal bookkeeping row for %s: %w", identity, err)
	}
	return &rec, nil
}
