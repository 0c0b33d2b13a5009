package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"s3xfer/internal/xlog"
)

// BookkeepingRecorder is the durable per-job audit log the object state
// machine writes to on attempt start and attempt end (spec §3
// "Bookkeeping record", §6 "Durable bookkeeping table"). Failures here are
// logged, never fatal — progress on the object must not block on the
// audit log (spec §7).
type BookkeepingRecorder interface {
	RecordAttemptStart(ctx context.Context, identity, workerID string) error
	RecordTerminal(ctx context.Context, identity, status string, elapsed time.Duration) error
}

// Config carries every tunable the state machine and part pool need for
// one attempt.
type Config struct {
	ChunkSize             int64
	ResumableThreshold    int64
	MaxRetry              int
	MaxConcurrency        int
	JobTimeout            time.Duration
	VerifyDigestTwice     bool
	DefaultStorageClass   string
	CleanUnfinishedUpload bool
}

// Machine is the object state machine (spec §4.4), holding everything it
// needs to run one job's attempts: adapters, bookkeeping, and config. A
// single Machine value is constructed once per worker process and reused
// across jobs — spec §9's "replace global clients with an explicit engine
// value" redesign note.
type Machine struct {
	Source      RangeReader
	Dest        Store
	Bookkeeping BookkeepingRecorder
	Config      Config
	WorkerID    string
	Backoff     func(attempt int) time.Duration
	Log         *xlog.Logger
}

func (m *Machine) backoff() func(int) time.Duration {
	if m.Backoff != nil {
		return m.Backoff
	}
	return func(attempt int) time.Duration { return time.Duration(5*attempt) * time.Second }
}

func (m *Machine) log() *xlog.Logger {
	if m.Log != nil {
		return m.Log
	}
	return xlog.Default
}

// RunObject drives one job through INIT → PROBE → PLAN → TRANSFER →
// FINALIZE → (VERIFY) → CLEANUP → TERMINAL, retrying the whole object up
// to config.DigestMismatchMaxAttempts times when verify_digest_twice
// catches a composite-digest mismatch.
func (m *Machine) RunObject(ctx context.Context, job JobDescriptor) AttemptOutcome {
	identity := job.Identity()
	start := time.Now()

	// INIT -> PROBE: bookkeeping write is best-effort.
	if err := m.Bookkeeping.RecordAttemptStart(ctx, identity, m.WorkerID); err != nil {
		m.log().Warn("bookkeeping attempt-start failed for %s: %v", identity, err)
	}

	const maxDigestAttempts = 3
	var outcome AttemptOutcome

	for attempt := 0; attempt < maxDigestAttempts; attempt++ {
		outcome = m.attemptOnce(ctx, job)

		if outcome.IsDone() || outcome.IsTimeout() {
			break
		}
		if outcome.IsRaceLost() {
			break
		}
		if !outcome.isMismatch {
			break
		}
		m.log().Warn("digest mismatch for %s, retrying whole object (attempt %d)", identity, attempt+1)
	}

	elapsed := time.Since(start)
	if err := m.Bookkeeping.RecordTerminal(ctx, identity, outcome.Status(), elapsed); err != nil {
		m.log().Warn("bookkeeping terminal write failed for %s: %v", identity, err)
	}
	return outcome
}

// attemptOnce runs PROBE through CLEANUP exactly once. The returned
// outcome's isMismatch field (unexported, see outcome.go) tells RunObject
// whether to loop for another whole-object attempt.
func (m *Machine) attemptOnce(ctx context.Context, job JobDescriptor) AttemptOutcome {
	probe := ProbeResult{}
	if job.Size > m.Config.ResumableThreshold {
		probe = Probe(ctx, m.Dest, job.DestBucket, job.DestKey)
	}

	if m.Config.CleanUnfinishedUpload && probe.Adopted {
		m.log().Warn("clean_unfinished_upload set: aborting discovered upload %s and all siblings for %s/%s", probe.UploadID, job.DestBucket, job.DestKey)
		m.abortCandidate(ctx, job.DestBucket, job.DestKey, probe.UploadID)
		for _, c := range probe.Others {
			m.abortCandidate(ctx, job.DestBucket, job.DestKey, c.UploadID)
		}
		probe = ProbeResult{}
	}

	var handle *UploadHandle
	storageClass := job.StorageClass
	if storageClass == "" {
		storageClass = m.Config.DefaultStorageClass
	}

	if probe.Adopted {
		handle = NewUploadHandle(job.DestBucket, job.DestKey, probe.UploadID)
		for p := range probe.CompletedParts {
			handle.MarkComplete(p)
		}
	} else {
		uploadID, err := m.initiateUpload(ctx, job.DestBucket, job.DestKey, storageClass)
		if err != nil {
			m.log().Error("failed to initiate multipart upload for %s/%s: %v", job.DestBucket, job.DestKey, err)
			return Err("initiate_failed")
		}
		handle = NewUploadHandle(job.DestBucket, job.DestKey, uploadID)
	}

	defer func() {
		for _, c := range probe.Others {
			m.abortCandidate(ctx, job.DestBucket, job.DestKey, c.UploadID)
		}
	}()

	plan := BuildPlan(job.Size, m.Config.ChunkSize)

	transferCtx, cancel := context.WithTimeout(ctx, m.Config.JobTimeout)
	defer cancel()

	poolCfg := PoolConfig{
		MaxConcurrency:    m.Config.MaxConcurrency,
		MaxRetry:          m.Config.MaxRetry,
		VerifyDigestTwice: m.Config.VerifyDigestTwice,
		Backoff:           m.backoff(),
	}
	result := Run(transferCtx, job, plan, handle, m.Source, m.Dest, poolCfg)

	switch result.Outcome {
	case PoolTimeout:
		m.log().Warn("job timeout for %s/%s", job.SourceBucket, job.SourceKey)
		return Timeout()
	case PoolMaxRetryExceeded:
		return Err("max_retry_exceeded")
	}

	etag, err := m.finalize(ctx, handle, len(plan.Ranges))
	if err != nil {
		if err == ErrNoSuchUpload {
			return RaceLost("concurrent_completion")
		}
		return Err("finalize_failed")
	}

	if m.Config.VerifyDigestTwice && result.DigestDefined {
		if cleanETag(etag) == result.CompositeDigest {
			return Done(etag)
		}
		m.log().Warn("digest mismatch for %s/%s: dest=%s computed=%s", job.DestBucket, job.DestKey, cleanETag(etag), result.CompositeDigest)
		if derr := m.Dest.DeleteObject(ctx, job.DestBucket, job.DestKey); derr != nil {
			m.log().Error("failed to delete mismatched object %s/%s: %v", job.DestBucket, job.DestKey, derr)
		}
		out := Err("digest_mismatch")
		out.isMismatch = true
		return out
	}

	return Done(etag)
}

func (m *Machine) initiateUpload(ctx context.Context, bucket, key, storageClass string) (string, error) {
	var uploadID string
	cancelled, exhausted := withRetry(ctx, 2, m.backoff(), func() error {
		id, err := m.Dest.CreateMultipartUpload(ctx, bucket, key, storageClass)
		if err != nil {
			return err
		}
		uploadID = id
		return nil
	})
	if cancelled || exhausted {
		return "", errInitiateFailed
	}
	return uploadID, nil
}

// finalize pages through the destination's part listing, sorts by part
// number, and submits complete-multipart-upload (spec §4.4 FINALIZE).
func (m *Machine) finalize(ctx context.Context, handle *UploadHandle, wantParts int) (string, error) {
	var parts []CompletedPart
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return "", errCancelled
		default:
		}

		p, err := m.Dest.ListPartsWithETag(ctx, handle.DestBucket, handle.DestKey, handle.UploadID)
		if err == nil {
			parts = p
			break
		}
		if err == ErrNoSuchUpload {
			// Another worker already finalized this object: no retry.
			return "", ErrNoSuchUpload
		}
		if attempt > m.Config.MaxRetry {
			return "", errListPartsFailed
		}
		select {
		case <-time.After(m.backoff()(attempt)):
		case <-ctx.Done():
			return "", errCancelled
		}
	}

	if len(parts) != wantParts {
		m.log().Warn("uploaded part count %d != plan length %d for %s/%s", len(parts), wantParts, handle.DestBucket, handle.DestKey)
		return "", errPartCountMismatch
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })

	var etag string
	cancelled, exhausted := withRetry(ctx, m.Config.MaxRetry, m.backoff(), func() error {
		e, err := m.Dest.CompleteMultipartUpload(ctx, handle.DestBucket, handle.DestKey, handle.UploadID, parts)
		if err != nil {
			return err
		}
		etag = e
		return nil
	})
	if cancelled || exhausted {
		return "", errCompleteFailed
	}
	return etag, nil
}

func (m *Machine) abortCandidate(ctx context.Context, bucket, key, uploadID string) {
	if err := m.Dest.AbortMultipartUpload(ctx, bucket, key, uploadID); err != nil {
		m.log().Warn("failed to abort leftover upload %s for %s/%s: %v", uploadID, bucket, key, err)
	}
}

func cleanETag(etag string) string {
	return strings.Trim(strings.TrimSpace(etag), "\"")
}

type sentinelErr string

func (e sentinelErr) Error() string { return string(e) }

const (
	errInitiateFailed    = sentinelErr("initiate multipart upload failed")
	errCancelled         = sentinelErr("cancelled")
	errCompleteFailed    = sentinelErr("complete multipart upload failed")
	errPartCountMismatch = sentinelErr("uploaded part count does not match plan")
	errListPartsFailed   = sentinelErr("list parts failed")
)
