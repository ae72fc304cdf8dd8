package cmdbus

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

type (
	// subscriber drives live delivery to one handler. Work arrives as tasks
	// on an unbounded queue and is processed by a single goroutine, in order
	subscriber struct {
		stream  *Stream
		handler EventHandler
		ctx     context.Context
		cancel  context.CancelFunc
		signal  chan struct{}

		mu     sync.Mutex
		tasks  []task
		closed bool
	}

	task struct {
		done chan struct{}
		kind taskKind
	}

	taskKind int

	// subscriberKey marks the context handed to a live delivery
	subscriberKey struct{}
)

const (
	// taskAdvance delivers up to the latest known position
	taskAdvance taskKind = iota

	// taskCatchup refreshes the latest position from the store first
	taskCatchup

	// taskBarrier is closed once every earlier task has finished
	taskBarrier
)

func newSubscriber(s *Stream, h EventHandler) *subscriber {
	sub := &subscriber{
		stream:  s,
		handler: h,
		signal:  make(chan struct{}, 1),
	}
	ctx := context.WithValue(context.Background(), subscriberKey{}, sub)
	sub.ctx, sub.cancel = context.WithCancel(ctx)
	return sub
}

// inDelivery reports whether ctx belongs to a live delivery
func inDelivery(ctx context.Context) bool {
	_, ok := ctx.Value(subscriberKey{}).(*subscriber)
	return ok
}

// enqueue adds t to the queue. An advance is folded into a pending advance
// or catchup. It returns false once the subscriber is stopped
func (sub *subscriber) enqueue(t task) bool {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return false
	}
	if n := len(sub.tasks); t.kind == taskAdvance && n > 0 &&
		sub.tasks[n-1].kind != taskBarrier {
		sub.mu.Unlock()
		return true
	}
	sub.tasks = append(sub.tasks, t)
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
	return true
}

func (sub *subscriber) next() (task, bool) {
	for {
		sub.mu.Lock()
		if len(sub.tasks) > 0 {
			t := sub.tasks[0]
			sub.tasks = sub.tasks[1:]
			sub.mu.Unlock()
			return t, true
		}
		sub.mu.Unlock()

		select {
		case <-sub.ctx.Done():
			return task{}, false
		case <-sub.signal:
		}
	}
}

func (sub *subscriber) run() {
	defer sub.release()

	for {
		t, ok := sub.next()
		if !ok {
			return
		}
		switch t.kind {
		case taskCatchup:
			s := sub.stream
			pos, err := s.reader.StreamPosition(sub.ctx, s.tenant, s.name)
			if err != nil {
				sub.fail(err)
				continue
			}
			s.advanceLatest(pos)
			sub.advance()
		case taskAdvance:
			sub.advance()
		case taskBarrier:
			close(t.done)
		}
	}
}

func (sub *subscriber) advance() {
	s := sub.stream
	latest := s.latest.Load()
	if _, err := s.deliver(sub.ctx, sub.handler, latest, 0); err != nil {
		sub.fail(err)
	}
}

func (sub *subscriber) fail(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	sub.stream.log.Error("live delivery stopped at failed event",
		zap.String("handler", sub.handler.Name()),
		zap.Error(err),
	)
}

// stop cancels the subscriber without waiting for it, so a handler may stop
// its own subscription. A delivery already in progress still records its
// cursor, and no later event reaches the handler
func (sub *subscriber) stop() {
	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	sub.cancel()
}

// release runs as the goroutine exits and frees any Flush still waiting on
// a queued barrier
func (sub *subscriber) release() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	sub.closed = true
	for _, t := range sub.tasks {
		if t.kind == taskBarrier {
			close(t.done)
		}
	}
	sub.tasks = nil
}
