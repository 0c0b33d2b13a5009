// Package queue wraps SQS long-polling receive/delete and parses the two
// message shapes the job loop may see on the wire: the canonical job
// descriptor the producer writes, and a raw S3 event notification
// (spec §6, "event-triggered single-job entry point").
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"s3xfer/internal/engine"
)

// Queue wraps one SQS queue URL.
type Queue struct {
	api      *sqs.Client
	queueURL string
}

func New(api *sqs.Client, queueURL string) *Queue {
	return &Queue{api: api, queueURL: queueURL}
}

// Message is one received SQS message paired with its parsed job
// descriptor and the receipt handle needed to delete it.
type Message struct {
	Job           engine.JobDescriptor
	ReceiptHandle string
}

// Receive long-polls for up to one message. A nil Message with a nil
// error means the queue was empty — the job loop's caller decides
// whether to check ApproximateNumberOfMessagesNotVisible and sleep.
func (q *Queue) Receive(ctx context.Context) (*Message, error) {
	resp, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
	})
	if err != nil {
		return nil, fmt.Errorf("receive message: %w", err)
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}

	raw := resp.Messages[0]
	job, err := ParseJobMessage(aws.ToString(raw.Body))
	if err != nil {
		return nil, fmt.Errorf("parse job message: %w", err)
	}

	return &Message{Job: job, ReceiptHandle: aws.ToString(raw.ReceiptHandle)}, nil
}

// InFlightCount returns ApproximateNumberOfMessagesNotVisible — the job
// loop uses this to decide whether an empty receive means the queue is
// truly drained or whether other workers still hold leases.
func (q *Queue) InFlightCount(ctx context.Context) (int, error) {
	resp, err := q.api.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessagesNotVisible},
	})
	if err != nil {
		return 0, fmt.Errorf("get queue attributes: %w", err)
	}
	raw := resp.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessagesNotVisible)]
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse in-flight count %q: %w", raw, err)
	}
	return n, nil
}

// Delete acknowledges a message, releasing its visibility-timeout lease
// for good (spec §4.5: only a successful DONE deletes; TIMEOUT/ERR leave
// the message to reappear for another worker).
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// SendBatch submits up to 10 job descriptors in one SQS batch call, the
// producer's enqueue unit (spec §6, batched enqueue).
func (q *Queue) SendBatch(ctx context.Context, jobs []engine.JobDescriptor) error {
	if len(jobs) == 0 {
		return nil
	}
	if len(jobs) > 10 {
		return fmt.Errorf("send batch: %d jobs exceeds the 10-message SQS batch limit", len(jobs))
	}

	entries := make([]types.SendMessageBatchRequestEntry, len(jobs))
	for i, j := range jobs {
		body, err := json.Marshal(canonicalMessage{
			SrcBucket: j.SourceBucket,
			SrcKey:    j.SourceKey,
			Size:      j.Size,
			DesBucket: j.DestBucket,
			DesKey:    j.DestKey,
		})
		if err != nil {
			return fmt.Errorf("marshal job message: %w", err)
		}
		entries[i] = types.SendMessageBatchRequestEntry{
			Id:          aws.String(strconv.Itoa(i)),
			MessageBody: aws.String(string(body)),
		}
	}

	resp, err := q.api.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(q.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("send message batch: %w", err)
	}
	if len(resp.Failed) > 0 {
		return fmt.Errorf("send message batch: %d entries failed (first: %s)", len(resp.Failed), aws.ToString(resp.Failed[0].Message))
	}
	return nil
}

// canonicalMessage is the producer's own wire shape for a job descriptor.
type canonicalMessage struct {
	SrcBucket string `json:"Src_bucket"`
	SrcKey    string `json:"Src_key"`
	Size      int64  `json:"Size"`
	DesBucket string `json:"Des_bucket"`
	DesKey    string `json:"Des_key"`
}

// s3EventNotification is the shape an S3 bucket notification delivers
// to the lambda entry point (spec §6): one or more Records, each naming
// a bucket and a URL-encoded key.
type s3EventNotification struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key  string `json:"key"`
				Size int64  `json:"size"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// DefaultDestBucket and DefaultDestPrefix are applied to S3-event-derived
// jobs when the event payload carries no destination hint of its own —
// the lambda entry point is configured with a single migration target.
var (
	DefaultDestBucket string
	DefaultDestPrefix string
)

// ParseJobMessage accepts either wire shape and returns a normalized
// JobDescriptor. A canonical message is tried first since that's what the
// batch producer writes; a message that doesn't match falls back to the
// S3 event notification shape.
func ParseJobMessage(body string) (engine.JobDescriptor, error) {
	var canonical canonicalMessage
	if err := json.Unmarshal([]byte(body), &canonical); err == nil && canonical.SrcBucket != "" && canonical.SrcKey != "" {
		return engine.JobDescriptor{
			SourceBucket: canonical.SrcBucket,
			SourceKey:    canonical.SrcKey,
			Size:         canonical.Size,
			DestBucket:   canonical.DesBucket,
			DestKey:      canonical.DesKey,
		}, nil
	}

	var event s3EventNotification
	if err := json.Unmarshal([]byte(body), &event); err != nil || len(event.Records) == 0 {
		return engine.JobDescriptor{}, fmt.Errorf("message body matches neither the canonical job shape nor an S3 event notification")
	}

	rec := event.Records[0]
	key, err := url.QueryUnescape(strings.ReplaceAll(rec.S3.Object.Key, "+", " "))
	if err != nil {
		key = rec.S3.Object.Key
	}

	destBucket := DefaultDestBucket
	if destBucket == "" {
		destBucket = rec.S3.Bucket.Name
	}
	destKey := DefaultDestPrefix + key

	return engine.JobDescriptor{
		SourceBucket: rec.S3.Bucket.Name,
		SourceKey:    key,
		Size:         rec.S3.Object.Size,
		DestBucket:   destBucket,
		DestKey:      destKey,
	}, nil
}
