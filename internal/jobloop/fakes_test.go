package jobloop

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"

	"s3xfer/internal/engine"
)

// fakeSrc is a minimal RangeReader for loop tests; the object contents
// don't matter, only that the transfer completes.
type fakeSrc struct {
	data []byte
}

func (s *fakeSrc) GetObjectRange(ctx context.Context, bucket, key string, start, length int64) ([]byte, error) {
	out := make([]byte, length)
	if int64(len(s.data)) >= start+length {
		copy(out, s.data[start:start+length])
	}
	return out, nil
}

type fakeUpload struct {
	parts     map[int32][]byte
	completed bool
}

// fakeDestStore is a minimal in-memory engine.Store for loop tests.
type fakeDestStore struct {
	mu      sync.Mutex
	uploads map[string]*fakeUpload
	next    int
}

func newFakeDestStore() *fakeDestStore {
	return &fakeDestStore{uploads: map[string]*fakeUpload{}}
}

func (d *fakeDestStore) GetObjectRange(ctx context.Context, bucket, key string, start, length int64) ([]byte, error) {
	return make([]byte, length), nil
}

func (d *fakeDestStore) ListMultipartUploads(ctx context.Context, bucket, key string) ([]engine.UploadCandidate, error) {
	return nil, nil
}

func (d *fakeDestStore) ListParts(ctx context.Context, bucket, key, uploadID string) ([]int32, error) {
	return nil, nil
}

func (d *fakeDestStore) ListPartsWithETag(ctx context.Context, bucket, key, uploadID string) ([]engine.CompletedPart, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.uploads[uploadID]
	if !ok {
		return nil, engine.ErrNoSuchUpload
	}
	var out []engine.CompletedPart
	for p, body := range u.parts {
		sum := md5.Sum(body)
		out = append(out, engine.CompletedPart{PartNumber: p, ETag: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

func (d *fakeDestStore) CreateMultipartUpload(ctx context.Context, bucket, key, storageClass string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	id := fmt.Sprintf("upload-%d", d.next)
	d.uploads[id] = &fakeUpload{parts: map[int32][]byte{}}
	return id, nil
}

func (d *fakeDestStore) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body []byte, sum [16]byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.uploads[uploadID]
	if !ok {
		return "", engine.ErrNoSuchUpload
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	u.parts[partNumber] = cp
	return hex.EncodeToString(sum[:]), nil
}

func (d *fakeDestStore) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []engine.CompletedPart) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.uploads[uploadID]
	if !ok {
		return "", engine.ErrNoSuchUpload
	}
	u.completed = true
	return `"etag-1"`, nil
}

func (d *fakeDestStore) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.uploads, uploadID)
	return nil
}

func (d *fakeDestStore) DeleteObject(ctx context.Context, bucket, key string) error { return nil }
