// Package diskqueue runs filesystem work on a single goroutine so snapshot
// and cache mutations never interleave.
package diskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wolfeidau/sticker-cache/telemetry"
)

// ErrClosed is returned when submitting to a closed queue.
var ErrClosed = errors.New("disk queue closed")

// DefaultBacklog is the number of jobs that may wait before Submit blocks.
const DefaultBacklog = 64

// Job is a unit of disk work. The context passed to a job is never canceled
// by the submitter, so a job that has started always runs to completion.
type Job func(ctx context.Context) error

// Queue executes jobs one at a time in submission order.
type Queue struct {
	logger  *slog.Logger
	backlog int

	jobs    chan queued
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	pending atomic.Int64
}

type queued struct {
	ctx    context.Context
	fn     Job
	result chan error
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for job failures.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithBacklog sets how many jobs may wait before Submit blocks.
func WithBacklog(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.backlog = n
		}
	}
}

// New starts a queue worker. Call Close to stop it.
func New(opts ...Option) *Queue {
	q := &Queue{
		logger:  slog.Default(),
		backlog: DefaultBacklog,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.jobs = make(chan queued, q.backlog)
	go q.run()
	return q
}

// Do runs fn on the queue and waits for it. If ctx ends first Do returns
// ctx.Err(); fn still runs once dequeued and its error is discarded.
func (q *Queue) Do(ctx context.Context, fn Job) error {
	result := make(chan error, 1)
	if err := q.enqueue(ctx, queued{ctx: context.WithoutCancel(ctx), fn: fn, result: result}); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues fn without waiting for it to run. It blocks only while the
// backlog is full.
func (q *Queue) Submit(ctx context.Context, fn Job) error {
	return q.enqueue(ctx, queued{ctx: context.WithoutCancel(ctx), fn: fn})
}

// Call runs fn on q and returns its value.
func Call[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	var v T
	err := q.Do(ctx, func(ctx context.Context) error {
		var err error
		v, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// Pending returns the number of jobs submitted but not yet finished.
func (q *Queue) Pending() int {
	return int(q.pending.Load())
}

// Close stops accepting jobs, waits for queued jobs to finish and stops the
// worker. It is safe to call more than once.
func (q *Queue) Close() error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.done
	return nil
}

func (q *Queue) enqueue(ctx context.Context, j queued) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.jobs <- j:
		telemetry.RecordDiskQueueDepth(ctx, int(q.pending.Add(1)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for j := range q.jobs {
		err := q.exec(j)
		telemetry.RecordDiskQueueDepth(j.ctx, int(q.pending.Add(-1)))
		if j.result != nil {
			j.result <- err
			continue
		}
		if err != nil {
			q.logger.Error("disk job failed", "error", err)
		}
	}
}

func (q *Queue) exec(j queued) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("disk job panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}
