// Package objectstore adapts the AWS SDK v2 S3 client to the engine's
// RangeReader and MultipartStore interfaces (spec §6 "External protocol
// notes"), and to anything else in this module that needs a plain
// bucket-listing client (the producer).
package objectstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"s3xfer/internal/engine"
)

// Client wraps an *s3.Client as both an engine.RangeReader (for the
// source side) and an engine.MultipartStore (for the destination side).
// One Client per bucket role; the worker holds a source Client and a
// destination Client side by side.
type Client struct {
	api *s3.Client
}

// New wraps an already-configured s3.Client. Construction (region,
// credentials, endpoint override for S3-compatible providers) is the
// caller's job — see internal/secrets for the credential chain.
func New(api *s3.Client) *Client {
	return &Client{api: api}
}

var _ engine.Store = (*Client)(nil)

func (c *Client) GetObjectRange(ctx context.Context, bucket, key string, start, length int64) ([]byte, error) {
	rangeHeader := fmt.Sprintf("bytes=%d-%d", start, start+length-1)
	resp, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Range:  aws.String(rangeHeader),
	})
	if err != nil {
		return nil, fmt.Errorf("get object range %s/%s [%s]: %w", bucket, key, rangeHeader, err)
	}
	defer resp.Body.Close()

	buf := make([]byte, length)
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read object range %s/%s: %w", bucket, key, err)
	}
	return buf[:n], nil
}

func (c *Client) ListMultipartUploads(ctx context.Context, bucket, key string) ([]engine.UploadCandidate, error) {
	var out []engine.UploadCandidate
	var keyMarker, uploadIDMarker *string

	for {
		resp, err := c.api.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(bucket),
			Prefix:         aws.String(key),
			KeyMarker:      keyMarker,
			UploadIdMarker: uploadIDMarker,
		})
		if err != nil {
			return nil, fmt.Errorf("list multipart uploads %s/%s: %w", bucket, key, err)
		}

		for _, u := range resp.Uploads {
			if aws.ToString(u.Key) != key {
				continue
			}
			initiated := aws.ToTime(u.Initiated)
			out = append(out, engine.UploadCandidate{
				Key:       key,
				UploadID:  aws.ToString(u.UploadId),
				Initiated: initiated,
			})
		}

		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		keyMarker = resp.NextKeyMarker
		uploadIDMarker = resp.NextUploadIdMarker
	}

	return out, nil
}

func (c *Client) ListParts(ctx context.Context, bucket, key, uploadID string) ([]int32, error) {
	parts, err := c.listPartsWithETag(ctx, bucket, key, uploadID)
	if err != nil {
		return nil, err
	}
	nums := make([]int32, 0, len(parts))
	for _, p := range parts {
		nums = append(nums, p.PartNumber)
	}
	return nums, nil
}

func (c *Client) ListPartsWithETag(ctx context.Context, bucket, key, uploadID string) ([]engine.CompletedPart, error) {
	return c.listPartsWithETag(ctx, bucket, key, uploadID)
}

func (c *Client) listPartsWithETag(ctx context.Context, bucket, key, uploadID string) ([]engine.CompletedPart, error) {
	var out []engine.CompletedPart
	var partMarker *string

	for {
		resp, err := c.api.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(bucket),
			Key:              aws.String(key),
			UploadId:         aws.String(uploadID),
			PartNumberMarker: partMarker,
		})
		if err != nil {
			if isNoSuchUpload(err) {
				return nil, engine.ErrNoSuchUpload
			}
			return nil, fmt.Errorf("list parts %s/%s upload %s: %w", bucket, key, uploadID, err)
		}

		for _, p := range resp.Parts {
			out = append(out, engine.CompletedPart{
				PartNumber: aws.ToInt32(p.PartNumber),
				ETag:       aws.ToString(p.ETag),
			})
		}

		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		partMarker = resp.NextPartNumberMarker
	}

	return out, nil
}

func (c *Client) CreateMultipartUpload(ctx context.Context, bucket, key, storageClass string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if storageClass != "" {
		input.StorageClass = types.StorageClass(storageClass)
	}
	resp, err := c.api.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", fmt.Errorf("create multipart upload %s/%s: %w", bucket, key, err)
	}
	return aws.ToString(resp.UploadId), nil
}

func (c *Client) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body []byte, md5sum [16]byte) (string, error) {
	resp, err := c.api.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(bucket),
		Key:        aws.String(key),
		UploadId:   aws.String(uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(body),
		ContentMD5: aws.String(base64.StdEncoding.EncodeToString(md5sum[:])),
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return "", engine.ErrNoSuchUpload
		}
		return "", fmt.Errorf("upload part %d for %s/%s upload %s: %w", partNumber, bucket, key, uploadID, err)
	}
	return aws.ToString(resp.ETag), nil
}

func (c *Client) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []engine.CompletedPart) (string, error) {
	sorted := make([]engine.CompletedPart, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].PartNumber < sorted[j].PartNumber })

	cp := make([]types.CompletedPart, len(sorted))
	for i, p := range sorted {
		cp[i] = types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.ETag),
		}
	}

	resp, err := c.api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: cp},
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return "", engine.ErrNoSuchUpload
		}
		return "", fmt.Errorf("complete multipart upload %s/%s upload %s: %w", bucket, key, uploadID, err)
	}
	return aws.ToString(resp.ETag), nil
}

func (c *Client) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	_, err := c.api.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil && !isNoSuchUpload(err) {
		return fmt.Errorf("abort multipart upload %s/%s upload %s: %w", bucket, key, uploadID, err)
	}
	return nil
}

func (c *Client) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}

func isNoSuchUpload(err error) bool {
	var nsu *types.NoSuchUpload
	return errors.As(err, &nsu)
}
