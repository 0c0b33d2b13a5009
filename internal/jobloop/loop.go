// Package jobloop drives the single-threaded per-process job loop (spec
// §4.5, component E): long-poll one message, run it through the object
// state machine, delete on success, leave it for another worker on
// timeout or error.
package jobloop

import (
	"context"
	"time"

	"s3xfer/internal/engine"
	"s3xfer/internal/queue"
	"s3xfer/internal/xlog"
)

// Queue is the subset of *queue.Queue the loop needs, kept as an
// interface so tests can fake it without a real SQS client.
type Queue interface {
	Receive(ctx context.Context) (*queue.Message, error)
	InFlightCount(ctx context.Context) (int, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Loop owns the receive/run/delete cycle for one worker process.
type Loop struct {
	Queue   Queue
	Machine *engine.Machine
	Log     *xlog.Logger

	// EmptyQueueSleep is how long the loop waits after an empty receive
	// with no in-flight messages either (spec: 60s). DeleteBackoff
	// scales 5*attempt seconds on delete failure, matching the rest of
	// the system's linear backoff. Both are overridable for tests.
	EmptyQueueSleep  time.Duration
	ErrorSleep       time.Duration
	DeleteMaxRetry   int
	DeleteBackoff    func(attempt int) time.Duration
	sleep            func(time.Duration)
}

func New(q Queue, m *engine.Machine) *Loop {
	return &Loop{
		Queue:           q,
		Machine:         m,
		Log:             xlog.Default,
		EmptyQueueSleep: 60 * time.Second,
		ErrorSleep:      5 * time.Second,
		DeleteMaxRetry:  10,
		DeleteBackoff:   func(attempt int) time.Duration { return time.Duration(5*attempt) * time.Second },
		sleep:           time.Sleep,
	}
}

// Run loops forever, processing one job per iteration, until ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		l.iterate(ctx)
	}
}

// iterate runs exactly one receive/process/ack cycle. Kept as a separate
// method (not inlined into Run) so tests can drive it deterministically
// instead of racing a background loop.
func (l *Loop) iterate(ctx context.Context) {
	msg, err := l.Queue.Receive(ctx)
	if err != nil {
		l.Log.Error("receive failed: %v", err)
		l.sleep(l.ErrorSleep)
		return
	}

	if msg == nil {
		inFlight, err := l.Queue.InFlightCount(ctx)
		if err != nil {
			l.Log.Warn("could not check in-flight count: %v", err)
		} else if inFlight > 0 {
			return
		} else {
			l.Log.Info("queue empty and nothing in flight")
		}
		l.sleep(l.EmptyQueueSleep)
		return
	}

	if msg.Job.Size == 0 {
		l.Log.Info("dropping zero-size job %s", msg.Job.Identity())
		l.deleteWithRetry(ctx, msg.ReceiptHandle)
		return
	}

	l.Log.Info("starting %s, size=%d", msg.Job.Identity(), msg.Job.Size)
	outcome := l.Machine.RunObject(ctx, msg.Job)
	l.Log.Info("finished %s: %s", msg.Job.Identity(), outcome.Status())

	if outcome.IsDone() {
		l.deleteWithRetry(ctx, msg.ReceiptHandle)
		return
	}

	// TIMEOUT and ERR both leave the message in place: visibility
	// timeout expiry hands it to another worker (spec §4.5, §7
	// "Concurrent-completion race").
}

func (l *Loop) deleteWithRetry(ctx context.Context, receiptHandle string) {
	for attempt := 0; attempt <= l.DeleteMaxRetry; attempt++ {
		if err := l.Queue.Delete(ctx, receiptHandle); err == nil {
			return
		} else if attempt == l.DeleteMaxRetry {
			l.Log.Error("giving up deleting queue message after %d retries: %v", l.DeleteMaxRetry, err)
			return
		} else {
			l.Log.Warn("delete message attempt %d failed: %v", attempt, err)
			l.sleep(l.DeleteBackoff(attempt))
		}
	}
}
