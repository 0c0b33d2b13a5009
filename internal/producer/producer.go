// Package producer implements the external job producer (spec §6): list
// the source bucket, compute the delta against what's already present at
// the destination, and enqueue the difference as jobs — batched ten at a
// time into SQS, after a bookkeeping row has been written for every job.
package producer

import (
	"context"
	"fmt"
	"path"
	"strings"

	"s3xfer/internal/bookkeeping"
	"s3xfer/internal/engine"
	"s3xfer/internal/objectstore"
	"s3xfer/internal/queue"
	"s3xfer/internal/xlog"
)

// BucketPair names the source and destination locations one producer run
// compares.
type BucketPair struct {
	SrcBucket string
	SrcPrefix string
	DesBucket string
	DesPrefix string
}

// Producer owns the clients needed to list both sides and enqueue the
// difference.
type Producer struct {
	Source      *objectstore.Client
	Dest        *objectstore.Client
	Queue       *queue.Queue
	Bookkeeping *bookkeeping.Recorder
	Log         *xlog.Logger
}

func (p *Producer) log() *xlog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return xlog.Default
}

// Run lists both sides, computes the delta, and enqueues it. It returns
// the number of jobs enqueued.
func (p *Producer) Run(ctx context.Context, pair BucketPair) (int, error) {
	p.log().Info("listing source s3://%s/%s", pair.SrcBucket, pair.SrcPrefix)
	srcObjects, err := p.Source.ListObjects(ctx, pair.SrcBucket, pair.SrcPrefix)
	if err != nil {
		return 0, fmt.Errorf("list source bucket: %w", err)
	}

	p.log().Info("listing destination s3://%s/%s", pair.DesBucket, pair.DesPrefix)
	desObjects, err := p.Dest.ListObjects(ctx, pair.DesBucket, pair.DesPrefix)
	if err != nil {
		return 0, fmt.Errorf("list destination bucket: %w", err)
	}

	jobs := DeltaJobList(srcObjects, desObjects, pair)
	p.log().Info("delta job list length: %d", len(jobs))
	if len(jobs) == 0 {
		return 0, nil
	}

	if err := p.enqueueBatched(ctx, jobs); err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// ScheduledRun adapts a fixed (Producer, BucketPair) pair to
// scheduler.Runnable, so a cron tick can re-run the same producer
// comparison on an interval.
type ScheduledRun struct {
	Producer *Producer
	Pair     BucketPair
}

func (s ScheduledRun) Run(ctx context.Context) error {
	n, err := s.Producer.Run(ctx, s.Pair)
	if err != nil {
		return err
	}
	s.Producer.log().Info("scheduled producer run enqueued %d jobs", n)
	return nil
}

// DeltaJobList compares the source listing against the destination
// listing (stripping the destination prefix before comparing keys) and
// returns the jobs for objects missing or size-mismatched at the
// destination. Zero-size objects (directory markers) are skipped, same
// as the listing step in the original producer.
func DeltaJobList(src, dest []objectstore.ObjectSummary, pair BucketPair) []engine.JobDescriptor {
	existing := make(map[string]int64, len(dest))
	for _, d := range dest {
		key := strings.TrimPrefix(d.Key, pair.DesPrefix)
		key = strings.TrimPrefix(key, "/")
		existing[key] = d.Size
	}

	var jobs []engine.JobDescriptor
	for _, s := range src {
		if s.Size == 0 {
			continue
		}
		if size, ok := existing[s.Key]; ok && size == s.Size {
			continue
		}
		jobs = append(jobs, engine.JobDescriptor{
			SourceBucket: pair.SrcBucket,
			SourceKey:    s.Key,
			Size:         s.Size,
			DestBucket:   pair.DesBucket,
			DestKey:      path.Join(pair.DesPrefix, s.Key),
		})
	}
	return jobs
}

// enqueueBatched writes each job's bookkeeping row then sends it in
// batches of 10, the SQS SendMessageBatch limit.
func (p *Producer) enqueueBatched(ctx context.Context, jobs []engine.JobDescriptor) error {
	const batchSize = 10

	for _, j := range jobs {
		if err := p.Bookkeeping.PutJobMeta(ctx, j.Identity(), j.SourceBucket, j.DestBucket, j.DestKey, j.Size); err != nil {
			p.log().Error("failed writing bookkeeping row for %s: %v", j.Identity(), err)
		}
	}

	for start := 0; start < len(jobs); start += batchSize {
		end := start + batchSize
		if end > len(jobs) {
			end = len(jobs)
		}
		if err := p.Queue.SendBatch(ctx, jobs[start:end]); err != nil {
			return fmt.Errorf("send batch [%d:%d]: %w", start, end, err)
		}
	}
	return nil
}
