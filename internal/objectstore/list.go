package objectstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectSummary is one entry returned by ListObjects, the shape the
// producer's delta computation needs: enough to dedupe against the
// destination's listing without re-fetching metadata.
type ObjectSummary struct {
	Key          string
	Size         int64
	ETag         string
	LastModified string
}

// ListObjects pages through a bucket/prefix with ListObjectsV2 and returns
// every object found. Used by the job producer to build the
// source inventory and the destination's existing-object set for delta
// computation.
func (c *Client) ListObjects(ctx context.Context, bucket, prefix string) ([]ObjectSummary, error) {
	var out []ObjectSummary
	var token *string

	for {
		resp, err := c.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list objects %s/%s: %w", bucket, prefix, err)
		}

		for _, o := range resp.Contents {
			lm := ""
			if o.LastModified != nil {
				lm = o.LastModified.UTC().Format("2006-01-02T15:04:05Z")
			}
			out = append(out, ObjectSummary{
				Key:          aws.ToString(o.Key),
				Size:         aws.ToInt64(o.Size),
				ETag:         aws.ToString(o.ETag),
				LastModified: lm,
			})
		}

		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}

	return out, nil
}
