package cmdbus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// Stream delivers the events of one tenant stream to its handlers in
	// ascending position order. Each handler's progress is a durable cursor,
	// so a handler receives every event after its cursor exactly once
	Stream struct {
		reader  StreamReader
		cursors CursorStore
		tracer  Tracer
		log     *zap.Logger
		tenant  string
		name    string
		config  StreamConfig
		latest  atomic.Int64
		running sync.WaitGroup

		mu     sync.Mutex
		subs   map[string]*subscriber
		locks  map[string]*sync.Mutex
		status map[string]*HandlerStatus
		window map[int64]*Event
		closed bool
	}

	// HandlerStatus reports a handler's progress on a Stream
	HandlerStatus struct {
		Name string

		// Position is the last delivered stream position, or -1
		Position int64

		// Err is the most recent delivery failure, cleared by the next
		// successful delivery
		Err error

		Subscribed bool
	}
)

// ErrStreamClosed is returned when subscribing to a closed Stream
var ErrStreamClosed = errors.New("stream closed")

// NewStream creates a Stream for (tenant, name). Events are read through
// reader and handler cursors are kept in cursors
func NewStream(
	tenant, name string, reader StreamReader, cursors CursorStore,
	cfg StreamConfig, opts ...Option,
) *Stream {
	o := applyOptions(opts)
	if cfg.PollLimit <= 0 {
		cfg.PollLimit = DefaultPollLimit
	}
	if cfg.PollConcurrency <= 0 {
		cfg.PollConcurrency = DefaultPollConcurrency
	}
	s := &Stream{
		reader:  reader,
		cursors: cursors,
		tracer:  o.tracer,
		log: o.logger.With(
			zap.String("tenant", tenant), zap.String("stream", name),
		),
		tenant: tenant,
		name:   name,
		config: cfg,
		subs:   map[string]*subscriber{},
		locks:  map[string]*sync.Mutex{},
		status: map[string]*HandlerStatus{},
		window: map[int64]*Event{},
	}
	s.latest.Store(-1)
	return s
}

// Tenant returns the tenant the Stream belongs to
func (s *Stream) Tenant() string {
	return s.tenant
}

// Name returns the stream name
func (s *Stream) Name() string {
	return s.name
}

// Subscribe registers h for live delivery. It does not deliver any backlog
// by itself; Catchup or the next Push does
func (s *Stream) Subscribe(h EventHandler) error {
	if h == nil || h.Name() == "" {
		return missingArgument("handler.name")
	}
	if h.Stream() != s.name {
		return invalidArgument(
			"handler %s consumes %s, not %s", h.Name(), h.Stream(), s.name,
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStreamClosed
	}
	if _, ok := s.subs[h.Name()]; ok {
		return preconditionError("handler %s already subscribed", h.Name())
	}

	sub := newSubscriber(s, h)
	s.subs[h.Name()] = sub
	s.statusLocked(h.Name()).Subscribed = true
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		sub.run()
	}()

	s.log.Debug("handler subscribed", zap.String("handler", h.Name()))
	return nil
}

// Unsubscribe stops live delivery to the named handler. It does not wait for
// an in-flight delivery, which completes and records its cursor. Handlers may
// unsubscribe themselves
func (s *Stream) Unsubscribe(name string) bool {
	s.mu.Lock()
	sub, ok := s.subs[name]
	if ok {
		delete(s.subs, name)
		s.statusLocked(name).Subscribed = false
	}
	s.mu.Unlock()

	if ok {
		sub.stop()
		s.log.Debug("handler unsubscribed", zap.String("handler", name))
	}
	return ok
}

// Catchup reads the current stream position and starts delivering every
// subscribed handler up to it in the background
func (s *Stream) Catchup(ctx context.Context) error {
	pos, err := s.reader.StreamPosition(ctx, s.tenant, s.name)
	if err != nil {
		return err
	}
	s.advanceLatest(pos)
	s.enqueueAll(task{kind: taskAdvance})
	return nil
}

// Push offers a newly committed event to the subscribed handlers. With a
// nil event and load set, each handler instead refreshes the stream position
// from the store and catches up to it
func (s *Stream) Push(ev *Event, load bool) {
	if ev != nil {
		s.remember(ev)
		s.enqueueAll(task{kind: taskAdvance})
		return
	}
	if load {
		s.enqueueAll(task{kind: taskCatchup})
	}
}

// Poll delivers up to limit pending events to each handler and reports
// whether any handler is still behind the stream position read at the start
// of the call. A limit of zero or less delivers everything pending. Failures
// of individual handlers do not stop the others and are returned combined
func (s *Stream) Poll(
	ctx context.Context, handlers []EventHandler, limit int,
) (bool, error) {
	latest, err := s.reader.StreamPosition(ctx, s.tenant, s.name)
	if err != nil {
		return false, err
	}
	s.advanceLatest(latest)

	var (
		behind atomic.Bool
		mu     sync.Mutex
		errs   error
		g      errgroup.Group
	)
	g.SetLimit(s.config.PollConcurrency)

	for _, h := range handlers {
		if h == nil || h.Stream() != s.name {
			continue
		}
		g.Go(func() error {
			pos, err := s.deliver(ctx, h, latest, limit)
			if pos < latest {
				behind.Store(true)
			}
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return behind.Load(), errs
}

// Flush waits until every subscribed handler has processed the work queued
// before the call. Work queued afterward is not waited for. A handler can't
// flush from inside its own delivery
func (s *Stream) Flush(ctx context.Context) error {
	if inDelivery(ctx) {
		return errFlushInDelivery()
	}

	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	waits := make([]chan struct{}, 0, len(subs))
	for _, sub := range subs {
		done := make(chan struct{})
		if sub.enqueue(task{kind: taskBarrier, done: done}) {
			waits = append(waits, done)
		}
	}

	for _, done := range waits {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Status returns the progress of every handler the Stream has delivered to
// or subscribed, ordered by name
func (s *Stream) Status() []HandlerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]HandlerStatus, 0, len(s.status))
	for _, st := range s.status {
		res = append(res, *st)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Name < res[j].Name
	})
	return res
}

// Latest returns the highest stream position the Stream knows of
func (s *Stream) Latest() int64 {
	return s.latest.Load()
}

// Close stops every subscriber without waiting for in-flight deliveries.
// Poll remains usable
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = map[string]*subscriber{}
	for name := range subs {
		s.statusLocked(name).Subscribed = false
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
}

// Wait blocks until every subscriber goroutine has exited, or until ctx ends.
// A stopped subscriber exits once its in-flight delivery has finished
func (s *Stream) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver hands h the events after its cursor, up to position upTo, stopping
// after limit events when limit is positive. It returns the handler's cursor
func (s *Stream) deliver(
	ctx context.Context, h EventHandler, upTo int64, limit int,
) (int64, error) {
	name := h.Name()
	lock := s.handlerLock(name)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return -1, err
	}
	cursor, err := s.cursors.LoadCursor(ctx, s.tenant, s.name, name)
	if err != nil {
		s.setStatus(name, -1, err)
		return -1, err
	}

	delivered := 0
	for cursor < upTo && (limit <= 0 || delivered < limit) {
		batch := s.config.PollLimit
		if limit > 0 {
			batch = min(batch, limit-delivered)
		}
		events, err := s.fetch(ctx, cursor+1, batch)
		if err != nil {
			s.setStatus(name, cursor, err)
			return cursor, err
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			if ev.Position <= cursor {
				continue
			}
			if ev.Position > upTo {
				s.setStatus(name, cursor, nil)
				return cursor, nil
			}
			if err := ctx.Err(); err != nil {
				s.setStatus(name, cursor, nil)
				return cursor, err
			}
			if err := s.handle(ctx, h, ev); err != nil {
				s.setStatus(name, cursor, err)
				return cursor, err
			}
			// the handler has seen ev, so its cursor outlives cancellation
			err := s.cursors.SaveCursor(context.WithoutCancel(ctx),
				s.tenant, s.name, name, ev.Position,
			)
			if err != nil {
				s.setStatus(name, cursor, err)
				return cursor, err
			}
			cursor = ev.Position
			delivered++
		}
	}

	s.setStatus(name, cursor, nil)
	return cursor, nil
}

func (s *Stream) handle(ctx context.Context, h EventHandler, ev *Event) error {
	s.tracer.Trace(func() Record {
		return Record{
			Method: TraceHandleEvent,
			Fields: map[string]any{
				"tenant":   s.tenant,
				"stream":   s.name,
				"handler":  h.Name(),
				"position": ev.Position,
			},
		}
	})

	err := h.Handle(ctx, ev)
	if err == nil {
		return nil
	}

	s.tracer.Trace(func() Record {
		return Record{
			Method: TraceHandlerError,
			Fields: map[string]any{
				"tenant":   s.tenant,
				"stream":   s.name,
				"handler":  h.Name(),
				"position": ev.Position,
				"error":    err.Error(),
			},
		}
	})
	s.log.Warn("event handler failed",
		zap.String("handler", h.Name()),
		zap.Int64("position", ev.Position),
		zap.Error(err),
	)
	return err
}

// fetch returns up to limit events starting at position from, served from
// the recent-event window when it holds the first of them
func (s *Stream) fetch(
	ctx context.Context, from int64, limit int,
) ([]*Event, error) {
	s.mu.Lock()
	var res []*Event
	for pos := from; len(res) < limit; pos++ {
		ev, ok := s.window[pos]
		if !ok {
			break
		}
		res = append(res, ev)
	}
	s.mu.Unlock()

	if len(res) > 0 {
		return res, nil
	}
	return s.reader.ReadStream(ctx, s.tenant, s.name, from, limit)
}

func (s *Stream) remember(ev *Event) {
	s.advanceLatest(ev.Position)
	if s.config.WindowSize <= 0 || ev.Position < 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.window[ev.Position] = ev
	if len(s.window) <= s.config.WindowSize {
		return
	}
	floor := s.latest.Load() - int64(s.config.WindowSize)
	for pos := range s.window {
		if pos <= floor {
			delete(s.window, pos)
		}
	}
}

func (s *Stream) advanceLatest(pos int64) {
	for {
		cur := s.latest.Load()
		if pos <= cur || s.latest.CompareAndSwap(cur, pos) {
			return
		}
	}
}

func (s *Stream) enqueueAll(t task) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(t)
	}
}

func (s *Stream) handlerLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[name] = lock
	}
	return lock
}

func (s *Stream) setStatus(name string, pos int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.statusLocked(name)
	st.Position = pos
	st.Err = err
}

func (s *Stream) statusLocked(name string) *HandlerStatus {
	st, ok := s.status[name]
	if !ok {
		st = &HandlerStatus{Name: name, Position: -1}
		s.status[name] = st
	}
	return st
}
