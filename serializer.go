package cmdbus

import (
	"context"
	"errors"
	"sync"
)

type (
	// CommitQueue runs submitted jobs one at a time in arrival order. The Bus
	// routes every commit through it so that concurrent commands from one
	// process do not all contend on the stream position at once. Jobs wait in
	// an explicit FIFO
	CommitQueue struct {
		signal chan struct{}
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu     sync.Mutex
		jobs   []*commitJob
		closed bool
	}

	commitJob struct {
		ctx  context.Context
		fn   func(context.Context) error
		done chan error
	}
)

// ErrQueueClosed is returned by Do after Close
var ErrQueueClosed = errors.New("commit queue closed")

// NewCommitQueue starts the queue's single worker
func NewCommitQueue() *CommitQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &CommitQueue{
		signal: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	q.wg.Add(1)
	go q.run()
	return q
}

// Do enqueues fn and waits for it to finish. If ctx ends while fn is still
// queued, fn never runs. Once fn has started it runs to completion, so a
// caller that gave up may still observe its effect later
func (q *CommitQueue) Do(
	ctx context.Context, fn func(context.Context) error,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	job := &commitJob{
		ctx:  ctx,
		fn:   fn,
		done: make(chan error, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker once the running job finishes. Jobs still queued
// fail with ErrQueueClosed
func (q *CommitQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, job := range q.jobs {
		job.done <- ErrQueueClosed
	}
	q.jobs = nil
}

func (q *CommitQueue) run() {
	defer q.wg.Done()

	for {
		job, ok := q.next()
		if !ok {
			return
		}
		if err := job.ctx.Err(); err != nil {
			job.done <- err
			continue
		}
		job.done <- job.fn(job.ctx)
	}
}

func (q *CommitQueue) next() (*commitJob, bool) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 && q.ctx.Err() == nil {
			job := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return job, true
		}
		q.mu.Unlock()

		select {
		case <-q.ctx.Done():
			return nil, false
		case <-q.signal:
		}
	}
}
