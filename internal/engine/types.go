// Package engine implements the per-object multipart transfer state
// machine: resume discovery, part planning, bounded-concurrency part
// transfer, finalize, and optional end-to-end digest verification.
package engine

import "time"

// JobDescriptor is immutable for the duration of one attempt. Identity is
// SourceBucket + "/" + SourceKey.
type JobDescriptor struct {
	SourceBucket string
	SourceKey    string
	Size         int64
	DestBucket   string
	DestKey      string
	StorageClass string
}

// Identity returns the bookkeeping primary key for this job.
func (j JobDescriptor) Identity() string {
	return j.SourceBucket + "/" + j.SourceKey
}

// PartRange is one entry of a Plan: part numbers start at 1 and increase
// strictly; ranges are non-overlapping and cover [0, Size) exactly once.
type PartRange struct {
	PartNumber int32
	Start      int64
	Length     int64
}

// Plan is the ordered sequence of byte ranges produced by the part
// planner (component A), plus the effective chunk size actually used.
type Plan struct {
	Ranges         []PartRange
	EffectiveChunk int64
}

// UploadHandle identifies a multipart upload in progress on the
// destination, either freshly initiated or adopted from an existing
// in-progress upload discovered by the resume probe.
type UploadHandle struct {
	DestBucket     string
	DestKey        string
	UploadID       string
	CompletedParts map[int32]struct{}
}

// NewUploadHandle returns a handle with an empty completed-parts set.
func NewUploadHandle(bucket, key, uploadID string) *UploadHandle {
	return &UploadHandle{
		DestBucket:     bucket,
		DestKey:        key,
		UploadID:       uploadID,
		CompletedParts: make(map[int32]struct{}),
	}
}

// Has reports whether partNumber is already recorded as completed.
func (h *UploadHandle) Has(partNumber int32) bool {
	_, ok := h.CompletedParts[partNumber]
	return ok
}

// MarkComplete records partNumber as completed. Monotonic within an
// attempt: callers never clear entries mid-attempt.
func (h *UploadHandle) MarkComplete(partNumber int32) {
	h.CompletedParts[partNumber] = struct{}{}
}

// UploadCandidate is one in-progress multipart upload discovered for a
// key during the resume probe, with its initiation time so the probe can
// pick the latest.
type UploadCandidate struct {
	Key         string
	UploadID    string
	Initiated   time.Time
}

// CompletedPart pairs a part number with the destination-reported ETag
// for that part, as required by the complete-multipart-upload call.
type CompletedPart struct {
	PartNumber int32
	ETag       string
}
