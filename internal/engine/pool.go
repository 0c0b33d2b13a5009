package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig configures the part worker pool (component C).
type PoolConfig struct {
	MaxConcurrency    int
	MaxRetry          int
	VerifyDigestTwice bool
	// Backoff computes the sleep between retry attempts; defaults to
	// 5*attempt seconds (spec §4.3) via NewPoolConfig. Tests override it
	// to avoid real sleeps.
	Backoff func(attempt int) time.Duration
}

// NewPoolConfig builds a PoolConfig with the spec-mandated linear backoff.
func NewPoolConfig(maxConcurrency, maxRetry int, verifyTwice bool) PoolConfig {
	return PoolConfig{
		MaxConcurrency:    maxConcurrency,
		MaxRetry:          maxRetry,
		VerifyDigestTwice: verifyTwice,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(5*attempt) * time.Second
		},
	}
}

// PoolOutcome is the part pool's tagged result (spec §9 redesign:
// replaces the Python original's "TIMEOUT" / "MaxRetry" / etag-string
// sentinels).
type PoolOutcome int

const (
	PoolCompleted PoolOutcome = iota
	PoolTimeout
	PoolMaxRetryExceeded
)

// PoolResult carries the outcome plus the composite digest, when defined.
type PoolResult struct {
	Outcome        PoolOutcome
	CompositeDigest string
	DigestDefined   bool
}

// Run executes the plan's parts against the given upload handle with
// bounded concurrency. ctx must already carry the per-object deadline
// (job_timeout); Run derives its own cancellable child so that a part's
// retry exhaustion can halt its siblings independently of the deadline.
func Run(ctx context.Context, job JobDescriptor, plan Plan, handle *UploadHandle, src RangeReader, dst MultipartStore, cfg PoolConfig) PoolResult {
	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	n := len(plan.Ranges)
	partDigests := make([][md5.Size]byte, n)
	skipped := make([]bool, n)
	var completedMu sync.Mutex
	var exhausted atomic.Bool

	sem := make(chan struct{}, cfg.MaxConcurrency)
	var wg sync.WaitGroup

	for i, r := range plan.Ranges {
		wg.Add(1)
		go func(idx int, r PartRange) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-poolCtx.Done():
				return
			}
			defer func() { <-sem }()

			outcome, wasSkipped := runPart(poolCtx, job, r, handle, src, dst, cfg, &partDigests[idx], &completedMu)
			skipped[idx] = wasSkipped
			if outcome == partExhausted && exhausted.CompareAndSwap(false, true) {
				cancel()
			}
		}(i, r)
	}
	wg.Wait()

	if ctx.Err() == context.DeadlineExceeded {
		return PoolResult{Outcome: PoolTimeout}
	}
	if exhausted.Load() {
		return PoolResult{Outcome: PoolMaxRetryExceeded}
	}

	anySkipped := false
	for _, s := range skipped {
		if s {
			anySkipped = true
			break
		}
	}
	if anySkipped {
		return PoolResult{Outcome: PoolCompleted, DigestDefined: false}
	}

	digest := compositeDigest(partDigests)
	return PoolResult{Outcome: PoolCompleted, CompositeDigest: digest, DigestDefined: true}
}

// runPart handles one part: skip (dry run, no verify), download-only
// (dry run with verify), or download-then-upload. Returns whether the
// part contributed no digest at all (pure skip, composite becomes
// undefined).
func runPart(ctx context.Context, job JobDescriptor, r PartRange, handle *UploadHandle, src RangeReader, dst MultipartStore, cfg PoolConfig, digestOut *[md5.Size]byte, completedMu *sync.Mutex) (partOutcome, bool) {
	alreadyUploaded := handle.Has(r.PartNumber)

	if alreadyUploaded && !cfg.VerifyDigestTwice {
		// Dry-run part: no download, no digest, no upload.
		return partComplete, true
	}

	var body []byte
	cancelled, exhausted := withRetry(ctx, cfg.MaxRetry, cfg.Backoff, func() error {
		b, err := src.GetObjectRange(ctx, job.SourceBucket, job.SourceKey, r.Start, r.Length)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	if cancelled {
		return partCancelled, false
	}
	if exhausted {
		return partExhausted, false
	}

	sum := md5.Sum(body)
	*digestOut = sum

	if alreadyUploaded {
		// verify_digest_twice dry run: digest recomputed, nothing uploaded.
		return partComplete, false
	}

	cancelled, exhausted = withRetry(ctx, cfg.MaxRetry, cfg.Backoff, func() error {
		_, err := dst.UploadPart(ctx, handle.DestBucket, handle.DestKey, handle.UploadID, r.PartNumber, body, sum)
		return err
	})
	if cancelled {
		return partCancelled, false
	}
	if exhausted {
		return partExhausted, false
	}

	completedMu.Lock()
	handle.MarkComplete(r.PartNumber)
	completedMu.Unlock()

	return partComplete, false
}

// withRetry runs op up to maxRetry+1 times total, sleeping cfg.Backoff(attempt)
// between failures, checking ctx before every attempt and every sleep so
// cancellation is prompt (spec §4.3, §5 "suspension points").
func withRetry(ctx context.Context, maxRetry int, backoff func(int) time.Duration, op func() error) (cancelled, exhausted bool) {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return true, false
		default:
		}

		if err := op(); err == nil {
			return false, false
		}

		if attempt > maxRetry {
			return false, true
		}

		select {
		case <-time.After(backoff(attempt)):
		case <-ctx.Done():
			return true, false
		}
	}
}

// compositeDigest computes hex(md5(concat(part_digests))) + "-" + count,
// the formula the destination's multipart ETag matches when the same
// chunking was used (spec §3, Glossary "Composite ETag").
func compositeDigest(digests [][md5.Size]byte) string {
	buf := make([]byte, 0, len(digests)*md5.Size)
	for _, d := range digests {
		buf = append(buf, d[:]...)
	}
	sum := md5.Sum(buf)
	return hex.EncodeToString(sum[:]) + "-" + strconv.Itoa(len(digests))
}
