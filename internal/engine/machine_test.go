package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeBookkeeping is an in-memory BookkeepingRecorder for tests.
type fakeBookkeeping struct {
	mu     sync.Mutex
	starts int
	terms  []string
}

func (b *fakeBookkeeping) RecordAttemptStart(ctx context.Context, identity, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.starts++
	return nil
}
func (b *fakeBookkeeping) RecordTerminal(ctx context.Context, identity, status string, elapsed time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.terms = append(b.terms, status)
	return nil
}

// fakeSource is a RangeReader serving bytes from an in-memory buffer.
type fakeSource struct {
	data []byte
}

func (s *fakeSource) GetObjectRange(ctx context.Context, bucket, key string, start, length int64) ([]byte, error) {
	out := make([]byte, length)
	copy(out, s.data[start:start+length])
	return out, nil
}

type fakeUpload struct {
	bucket, key  string
	storageClass string
	initiated    time.Time
	parts        map[int32][]byte
	completed    bool
}

// fakeDest is a full in-memory MultipartStore + RangeReader simulating a
// destination object store's multipart protocol, for exercising the
// object state machine without any network dependency.
type fakeDest struct {
	mu          sync.Mutex
	uploads     map[string]*fakeUpload
	objects     map[string][]byte
	nextID      int
	corruptNext bool
}

func newFakeDest() *fakeDest {
	return &fakeDest{uploads: map[string]*fakeUpload{}, objects: map[string][]byte{}}
}

func objKey(bucket, key string) string { return bucket + "/" + key }

func (d *fakeDest) GetObjectRange(ctx context.Context, bucket, key string, start, length int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	data := d.objects[objKey(bucket, key)]
	out := make([]byte, length)
	copy(out, data[start:start+length])
	return out, nil
}

func (d *fakeDest) ListMultipartUploads(ctx context.Context, bucket, key string) ([]UploadCandidate, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []UploadCandidate
	for id, u := range d.uploads {
		if u.completed || u.bucket != bucket || u.key != key {
			continue
		}
		out = append(out, UploadCandidate{Key: key, UploadID: id, Initiated: u.initiated})
	}
	return out, nil
}

func (d *fakeDest) ListParts(ctx context.Context, bucket, key, uploadID string) ([]int32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.uploads[uploadID]
	if !ok || u.completed {
		return nil, nil
	}
	var nums []int32
	for p := range u.parts {
		nums = append(nums, p)
	}
	return nums, nil
}

func (d *fakeDest) ListPartsWithETag(ctx context.Context, bucket, key, uploadID string) ([]CompletedPart, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.uploads[uploadID]
	if !ok || u.completed {
		return nil, ErrNoSuchUpload
	}
	var out []CompletedPart
	for p, body := range u.parts {
		sum := md5.Sum(body)
		out = append(out, CompletedPart{PartNumber: p, ETag: hex.EncodeToString(sum[:])})
	}
	return out, nil
}

func (d *fakeDest) CreateMultipartUpload(ctx context.Context, bucket, key, storageClass string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := fmt.Sprintf("upload-%d", d.nextID)
	d.uploads[id] = &fakeUpload{
		bucket: bucket, key: key, storageClass: storageClass,
		initiated: time.Now().Add(time.Duration(d.nextID) * time.Millisecond),
		parts:     map[int32][]byte{},
	}
	return id, nil
}

func (d *fakeDest) UploadPart(ctx context.Context, bucket, key, uploadID string, partNumber int32, body []byte, sum [16]byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.uploads[uploadID]
	if !ok {
		return "", ErrNoSuchUpload
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	u.parts[partNumber] = cp
	return hex.EncodeToString(sum[:]), nil
}

func (d *fakeDest) CompleteMultipartUpload(ctx context.Context, bucket, key, uploadID string, parts []CompletedPart) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.uploads[uploadID]
	if !ok {
		return "", ErrNoSuchUpload
	}

	maxPart := int32(0)
	for _, p := range parts {
		if p.PartNumber > maxPart {
			maxPart = p.PartNumber
		}
	}
	full := make([]byte, 0)
	var digestBuf []byte
	for pn := int32(1); pn <= maxPart; pn++ {
		body := u.parts[pn]
		full = append(full, body...)
		sum := md5.Sum(body)
		digestBuf = append(digestBuf, sum[:]...)
	}
	d.objects[objKey(bucket, key)] = full
	u.completed = true

	compositeSum := md5.Sum(digestBuf)
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(compositeSum[:]), len(parts))
	if d.corruptNext {
		d.corruptNext = false
		etag = `"deadbeefdeadbeefdeadbeefdeadbeef-` + fmt.Sprint(len(parts)) + `"`
	}
	return etag, nil
}

func (d *fakeDest) AbortMultipartUpload(ctx context.Context, bucket, key, uploadID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.uploads, uploadID)
	return nil
}

func (d *fakeDest) DeleteObject(ctx context.Context, bucket, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.objects, objKey(bucket, key))
	return nil
}

func testMachine(dest *fakeDest, src RangeReader, bk *fakeBookkeeping, cfg Config) *Machine {
	return &Machine{
		Source:      src,
		Dest:        dest,
		Bookkeeping: bk,
		Config:      cfg,
		WorkerID:    "test-worker",
		Backoff:     func(attempt int) time.Duration { return time.Millisecond },
	}
}

func makeSourceData(size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 256)
	}
	return data
}

func TestMachineSmallObjectNoResume(t *testing.T) {
	data := makeSourceData(1024 * 1024)
	src := &fakeSource{data: data}
	dest := newFakeDest()
	bk := &fakeBookkeeping{}
	cfg := Config{ChunkSize: 5 * 1024 * 1024, ResumableThreshold: 100 * 1024 * 1024, MaxRetry: 3, MaxConcurrency: 4, JobTimeout: 5 * time.Second}

	m := testMachine(dest, src, bk, cfg)
	job := JobDescriptor{SourceBucket: "src", SourceKey: "k", Size: int64(len(data)), DestBucket: "dst", DestKey: "k"}

	outcome := m.RunObject(context.Background(), job)
	if !outcome.IsDone() {
		t.Fatalf("outcome = %+v, want Done", outcome)
	}
	if len(bk.terms) != 1 || bk.terms[0] != "DONE" {
		t.Fatalf("bookkeeping terminal = %+v, want [DONE]", bk.terms)
	}
}

func TestMachineResumesAfterPriorPartialAttempt(t *testing.T) {
	size := 5 * 256 * 1024 // 5 parts of 256KiB with chunk=256KiB
	data := makeSourceData(size)
	src := &fakeSource{data: data}
	dest := newFakeDest()
	bk := &fakeBookkeeping{}
	cfg := Config{ChunkSize: 256 * 1024, ResumableThreshold: 0, MaxRetry: 3, MaxConcurrency: 4, JobTimeout: 5 * time.Second}

	job := JobDescriptor{SourceBucket: "src", SourceKey: "k", Size: int64(size), DestBucket: "dst", DestKey: "k"}

	// Simulate a prior worker uploading parts 1-3 then dying: create the
	// upload and the parts directly against the fake, bypassing the
	// machine.
	uploadID, _ := dest.CreateMultipartUpload(context.Background(), "dst", "k", "")
	plan := BuildPlan(int64(size), 256*1024)
	for _, r := range plan.Ranges[:3] {
		body := data[r.Start : r.Start+r.Length]
		sum := md5.Sum(body)
		_, _ = dest.UploadPart(context.Background(), "dst", "k", uploadID, r.PartNumber, body, sum)
	}

	m := testMachine(dest, src, bk, cfg)
	outcome := m.RunObject(context.Background(), job)
	if !outcome.IsDone() {
		t.Fatalf("outcome = %+v, want Done", outcome)
	}

	u := dest.uploads[uploadID]
	if u == nil || !u.completed {
		t.Fatalf("expected the adopted upload to be completed")
	}
	if len(u.parts) != 5 {
		t.Fatalf("expected all 5 parts present, got %d", len(u.parts))
	}
	got := dest.objects[objKey("dst", "k")]
	if string(got) != string(data) {
		t.Fatalf("reconstructed object does not match source bytes")
	}
}

func TestMachineTimeoutLeavesUploadOpen(t *testing.T) {
	size := 5 * 256 * 1024
	data := makeSourceData(size)
	src := &slowSource{fakeSource: fakeSource{data: data}, delay: 2 * time.Second}
	dest := newFakeDest()
	bk := &fakeBookkeeping{}
	cfg := Config{ChunkSize: 256 * 1024, ResumableThreshold: 0, MaxRetry: 3, MaxConcurrency: 4, JobTimeout: 50 * time.Millisecond}

	m := testMachine(dest, src, bk, cfg)
	job := JobDescriptor{SourceBucket: "src", SourceKey: "k", Size: int64(size), DestBucket: "dst", DestKey: "k"}

	outcome := m.RunObject(context.Background(), job)
	if !outcome.IsTimeout() {
		t.Fatalf("outcome = %+v, want Timeout", outcome)
	}
	if len(dest.uploads) != 1 {
		t.Fatalf("expected the in-progress upload to remain open, got %d uploads", len(dest.uploads))
	}
}

type slowSource struct {
	fakeSource
	delay time.Duration
}

func (s *slowSource) GetObjectRange(ctx context.Context, bucket, key string, start, length int64) ([]byte, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.fakeSource.GetObjectRange(ctx, bucket, key, start, length)
}

func TestMachineVerifyMismatchRetriesThenSucceeds(t *testing.T) {
	size := 3 * 256 * 1024
	data := makeSourceData(size)
	src := &fakeSource{data: data}
	dest := newFakeDest()
	dest.corruptNext = true // first CompleteMultipartUpload returns a bogus ETag
	bk := &fakeBookkeeping{}
	cfg := Config{
		ChunkSize: 256 * 1024, ResumableThreshold: 0, MaxRetry: 3, MaxConcurrency: 4,
		JobTimeout: 5 * time.Second, VerifyDigestTwice: true,
	}

	m := testMachine(dest, src, bk, cfg)
	job := JobDescriptor{SourceBucket: "src", SourceKey: "k", Size: int64(size), DestBucket: "dst", DestKey: "k"}

	outcome := m.RunObject(context.Background(), job)
	if !outcome.IsDone() {
		t.Fatalf("outcome = %+v, want Done after retrying the mismatch", outcome)
	}
	if len(bk.terms) != 1 || bk.terms[0] != "DONE" {
		t.Fatalf("bookkeeping terminal = %+v, want [DONE]", bk.terms)
	}
}

func TestMachineConcurrentCompletionYieldsRaceLost(t *testing.T) {
	size := 256 * 1024
	data := makeSourceData(size)
	src := &fakeSource{data: data}
	dest := newFakeDest()
	bk := &fakeBookkeeping{}
	cfg := Config{ChunkSize: 256 * 1024, ResumableThreshold: 0, MaxRetry: 1, MaxConcurrency: 4, JobTimeout: 5 * time.Second}

	job := JobDescriptor{SourceBucket: "src", SourceKey: "k", Size: int64(size), DestBucket: "dst", DestKey: "k"}

	// Worker B races ahead and finishes the whole job first.
	other := testMachine(dest, src, bk, cfg)
	outcomeB := other.RunObject(context.Background(), job)
	if !outcomeB.IsDone() {
		t.Fatalf("worker B outcome = %+v, want Done", outcomeB)
	}

	// Worker A now tries to finalize against an upload id that no longer
	// exists (simulated directly since RunObject would otherwise adopt
	// the already-completed state and succeed too — the race is about a
	// worker whose TRANSFER already ran against the now-vanished id).
	handle := NewUploadHandle("dst", "k", "long-gone-upload-id")
	_, err := other.finalize(context.Background(), handle, 1)
	if err != ErrNoSuchUpload {
		t.Fatalf("finalize err = %v, want ErrNoSuchUpload", err)
	}
}
