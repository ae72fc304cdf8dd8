package cmdbus

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type (
	// Bus validates commands, routes them to their aggregates, commits the
	// resulting events, and pushes them to the tenant streams
	Bus struct {
		store   EventStore
		reader  StreamReader
		cursors CursorStore
		mapper  *CommandMapper
		cache   *aggregateCache
		commits *CommitQueue
		hub     *streamHub
		tracer  Tracer
		log     *zap.Logger
		config  Config
		once    sync.Once
	}

	// CommandOption sets the optional arguments of Bus.Command
	CommandOption func(*commandOptions)

	commandOptions struct {
		id       string
		expected int64
	}
)

// NewBus creates a Bus over store. The store must also implement
// StreamReader and CursorStore for the Bus to serve streams
func NewBus(
	cfg Config, store EventStore, types []*AggregateType, opts ...Option,
) (*Bus, error) {
	if store == nil {
		return nil, missingArgument("store")
	}
	mapper, err := NewCommandMapper(types...)
	if err != nil {
		return nil, err
	}

	o := applyOptions(opts)
	b := &Bus{
		store:  store,
		mapper: mapper,
		cache:  newAggregateCache(cfg.CacheSize),
		hub:    newStreamHub(),
		tracer: o.tracer,
		log:    o.logger,
		config: cfg,
	}
	b.reader, _ = store.(StreamReader)
	b.cursors, _ = store.(CursorStore)
	if cfg.SerializeCommits {
		b.commits = NewCommitQueue()
	}
	return b, nil
}

// WithAggregateID targets an existing aggregate. Without it a command
// creates a new aggregate with a generated id
func WithAggregateID(id string) CommandOption {
	return func(o *commandOptions) {
		o.id = id
	}
}

// WithExpectedVersion makes the command fail with a ConcurrencyError unless
// the aggregate is at version v. AnyVersion leaves it unspecified
func WithExpectedVersion(v int64) CommandOption {
	return func(o *commandOptions) {
		o.expected = v
	}
}

// Mapper returns the Bus's command registry
func (b *Bus) Mapper() *CommandMapper {
	return b.mapper
}

// Store returns the EventStore the Bus commits to
func (b *Bus) Store() EventStore {
	return b.store
}

// Command executes a command on behalf of actor and returns the resulting
// aggregate. A command that raises no events commits nothing
func (b *Bus) Command(
	ctx context.Context, actor Actor, command string, payload Payload,
	opts ...CommandOption,
) (*Aggregate, error) {
	if err := actor.validate(); err != nil {
		return nil, err
	}
	if command == "" {
		return nil, missingArgument("command")
	}

	o := commandOptions{expected: AnyVersion}
	for _, opt := range opts {
		opt(&o)
	}
	if o.expected < AnyVersion {
		return nil, invalidArgument("expected version %d", o.expected)
	}
	if o.expected != AnyVersion && o.id == "" {
		return nil, missingArgument("aggregateId")
	}

	b.tracer.Trace(func() Record {
		return Record{
			Method: TraceCommand,
			Fields: map[string]any{
				"tenant":          actor.Tenant,
				"actor":           actor.ID,
				"command":         command,
				"aggregateId":     o.id,
				"expectedVersion": o.expected,
			},
		}
	})

	typ, err := b.mapper.Map(command)
	if err != nil {
		return nil, err
	}

	ag, err := b.load(ctx, actor.Tenant, typ, o)
	if err != nil {
		return nil, err
	}
	if o.expected != AnyVersion && ag.Version() != o.expected {
		return nil, &ConcurrencyError{
			AggregateType:   typ.Name,
			AggregateID:     ag.ID(),
			ExpectedVersion: o.expected,
			ActualVersion:   ag.Version(),
		}
	}

	raised, err := ag.Model().Handle(ctx, &Command{
		Name:    command,
		Actor:   actor,
		Payload: payload.Clone(),
		Bus:     b,
	})
	if err != nil {
		return nil, err
	}
	for _, p := range raised {
		if err := ag.Raise(p); err != nil {
			return nil, err
		}
	}

	if len(ag.Uncommitted()) == 0 {
		return ag, nil
	}

	expected := o.expected
	if expected == AnyVersion {
		expected = ag.Version()
	}

	events, err := b.commit(ctx, actor, command, ag, expected)
	if err != nil {
		return nil, err
	}

	if clone, err := ag.Clone(); err == nil {
		b.cache.Set(cacheKey(actor.Tenant, typ, ag.ID()), clone)
	} else {
		b.log.Warn("aggregate not cached",
			zap.String("aggregate_type", typ.Name),
			zap.String("aggregate_id", ag.ID()),
			zap.Error(err),
		)
	}

	if s, ok := b.hub.get(actor.Tenant, typ.Stream); ok {
		for _, ev := range events {
			s.Push(ev, false)
		}
	}
	return ag, nil
}

// Load returns the current state of an aggregate. Command handlers use it to
// consult other aggregates
func (b *Bus) Load(
	ctx context.Context, tenant, typeName, id string,
) (*Aggregate, error) {
	if tenant == "" {
		return nil, missingArgument("tenant")
	}
	if id == "" {
		return nil, missingArgument("aggregateId")
	}
	typ, err := b.mapper.Type(typeName)
	if err != nil {
		return nil, err
	}
	opts := commandOptions{id: id, expected: AnyVersion}
	return b.load(ctx, tenant, typ, opts)
}

// NewStream creates an unregistered Stream over the Bus's store
func (b *Bus) NewStream(tenant, name string) (*Stream, error) {
	if tenant == "" {
		return nil, missingArgument("tenant")
	}
	if name == "" {
		return nil, missingArgument("stream")
	}
	if b.reader == nil || b.cursors == nil {
		return nil, NotImplemented("ReadStream")
	}
	return NewStream(
		tenant, name, b.reader, b.cursors, b.config.Stream,
		WithTracer(b.tracer), WithLogger(b.log),
	), nil
}

// Stream returns the registered Stream for (tenant, name), registering a new
// one if needed. Committed events are pushed to registered Streams
func (b *Bus) Stream(tenant, name string) (*Stream, error) {
	if s, ok := b.hub.get(tenant, name); ok {
		return s, nil
	}
	s, err := b.NewStream(tenant, name)
	if err != nil {
		return nil, err
	}
	res := b.hub.getOrCreate(tenant, name, func() *Stream { return s })
	if res != s {
		s.Close()
	}
	return res, nil
}

// Subscribe registers each handler with its tenant stream and starts
// catching them up
func (b *Bus) Subscribe(
	ctx context.Context, tenant string, handlers ...EventHandler,
) error {
	byStream := map[string][]EventHandler{}
	var order []string
	for _, h := range handlers {
		if h == nil {
			return missingArgument("handler")
		}
		name := h.Stream()
		if _, ok := byStream[name]; !ok {
			order = append(order, name)
		}
		byStream[name] = append(byStream[name], h)
	}

	for _, name := range order {
		s, err := b.Stream(tenant, name)
		if err != nil {
			return err
		}
		for _, h := range byStream[name] {
			if err := s.Subscribe(h); err != nil {
				return err
			}
		}
		if err := s.Catchup(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes the named handler from a tenant stream
func (b *Bus) Unsubscribe(tenant, stream, handler string) bool {
	s, ok := b.hub.get(tenant, stream)
	if !ok {
		return false
	}
	return s.Unsubscribe(handler)
}

// Push offers an event to a registered stream. With a nil event and load
// set, the stream's handlers refresh from the store instead. It reports
// whether the stream is registered
func (b *Bus) Push(tenant, stream string, ev *Event, load bool) bool {
	s, ok := b.hub.get(tenant, stream)
	if !ok {
		return false
	}
	s.Push(ev, load)
	return true
}

// Poll delivers up to limit pending events of a tenant stream to each
// handler and reports whether any of them is still behind
func (b *Bus) Poll(
	ctx context.Context, tenant, stream string, handlers []EventHandler,
	limit int,
) (bool, error) {
	s, err := b.Stream(tenant, stream)
	if err != nil {
		return false, err
	}
	return s.Poll(ctx, handlers, limit)
}

// Flush waits for the queued deliveries of every stream of the tenant, or of
// all tenants when tenant is empty
func (b *Bus) Flush(ctx context.Context, tenant string) error {
	if inDelivery(ctx) {
		return errFlushInDelivery()
	}

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, s := range b.hub.streams(tenant) {
		g.Go(func() error {
			if err := s.Flush(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Shutdown closes the Bus and waits until in-flight deliveries have recorded
// their cursors, so the store can then be closed safely
func (b *Bus) Shutdown(ctx context.Context) error {
	if inDelivery(ctx) {
		return preconditionError("shutdown called from inside a live delivery")
	}
	streams := b.hub.streams("")
	b.Close()

	var errs error
	for _, s := range streams {
		errs = multierr.Append(errs, s.Wait(ctx))
	}
	return errs
}

// Close stops every registered stream and the commit queue without waiting
// for in-flight deliveries. The store is left open
func (b *Bus) Close() {
	b.once.Do(func() {
		for _, s := range b.hub.streams("") {
			if _, ok := b.hub.remove(s.tenant, s.name); ok {
				s.Close()
			}
		}
		if b.commits != nil {
			b.commits.Close()
		}
	})
}

func (b *Bus) load(
	ctx context.Context, tenant string, typ *AggregateType, o commandOptions,
) (*Aggregate, error) {
	if o.id != "" && o.expected != AnyVersion {
		key := cacheKey(tenant, typ, o.id)
		if cached, ok := b.cache.Get(key); ok && cached.Version() == o.expected {
			return cached.Clone()
		}
	}

	b.tracer.Trace(func() Record {
		return Record{
			Method: TraceLoadAggregate,
			Fields: map[string]any{
				"tenant":        tenant,
				"aggregateType": typ.Name,
				"aggregateId":   o.id,
			},
		}
	})
	return b.store.LoadAggregate(ctx, tenant, typ, o.id)
}

func (b *Bus) commit(
	ctx context.Context, actor Actor, command string, ag *Aggregate,
	expected int64,
) ([]*Event, error) {
	count := len(ag.Uncommitted())
	var events []*Event
	run := func(ctx context.Context) error {
		var err error
		events, err = b.store.CommitEvents(ctx, actor, command, ag, expected)
		return err
	}

	var err error
	if b.commits != nil {
		err = b.commits.Do(ctx, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		return nil, err
	}

	b.tracer.Trace(func() Record {
		return Record{
			Method: TraceCommitEvents,
			Fields: map[string]any{
				"tenant":          actor.Tenant,
				"aggregateType":   ag.Type().Name,
				"aggregateId":     ag.ID(),
				"expectedVersion": expected,
				"count":           count,
			},
		}
	})
	b.log.Debug("events committed",
		zap.String("tenant", actor.Tenant),
		zap.String("aggregate_type", ag.Type().Name),
		zap.String("aggregate_id", ag.ID()),
		zap.Int64("version", ag.Version()),
		zap.Int("count", count),
	)
	return events, nil
}
