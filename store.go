package cmdbus

import "context"

type (
	// EventStore loads aggregates and commits their events under optimistic
	// concurrency
	EventStore interface {
		// LoadAggregate returns the caught-up aggregate. An empty id yields
		// a fresh aggregate with a generated id at version -1
		LoadAggregate(
			ctx context.Context, tenant string, typ *AggregateType, id string,
		) (*Aggregate, error)

		// CommitEvents atomically appends the aggregate's uncommitted
		// events, assigning stream positions. It fails with a
		// ConcurrencyError if the aggregate advanced past expected
		CommitEvents(
			ctx context.Context, actor Actor, command string, ag *Aggregate,
			expected int64,
		) ([]*Event, error)
	}

	// StreamReader reads committed events in stream position order
	StreamReader interface {
		// ReadStream returns up to limit events whose position is at least
		// from, in ascending order. A limit of zero or less means no limit
		ReadStream(
			ctx context.Context, tenant, stream string, from int64, limit int,
		) ([]*Event, error)

		// StreamPosition returns the last assigned position, or -1
		StreamPosition(
			ctx context.Context, tenant, stream string,
		) (int64, error)
	}

	// CursorStore persists the last position each handler processed
	CursorStore interface {
		// LoadCursor returns the handler's position, or -1 if it has none
		LoadCursor(
			ctx context.Context, tenant, stream, handler string,
		) (int64, error)

		SaveCursor(
			ctx context.Context, tenant, stream, handler string, pos int64,
		) error
	}

	// Commit is a validated commit request. Stores use it to stamp event
	// records and to finish the aggregate once their transaction succeeds
	Commit struct {
		Actor     Actor
		Command   string
		Aggregate *Aggregate
		Expected  int64
	}
)

// NewCommit checks the preconditions shared by every EventStore: the
// aggregate must be at the expected version and the commit must stay below
// the type's MaxEvents
func NewCommit(
	actor Actor, command string, ag *Aggregate, expected int64,
) (*Commit, error) {
	if ag.Version() != expected {
		return nil, preconditionError(
			"%s %s is at version %d, not the expected %d",
			ag.typ.Name, ag.id, ag.Version(), expected,
		)
	}
	count := int64(len(ag.Uncommitted()))
	if expected+count >= ag.typ.MaxEvents-1 {
		return nil, preconditionError("max events reached")
	}
	return &Commit{
		Actor:     actor,
		Command:   command,
		Aggregate: ag,
		Expected:  expected,
	}, nil
}

// Tenant returns the tenant the commit writes to
func (c *Commit) Tenant() string {
	return c.Actor.Tenant
}

// Type returns the committed aggregate's type
func (c *Commit) Type() *AggregateType {
	return c.Aggregate.typ
}

// Final returns the aggregate version after the commit
func (c *Commit) Final() int64 {
	return c.Expected + int64(len(c.Aggregate.Uncommitted()))
}

// ConflictFrom returns the smallest padded version whose presence means
// another commit got there first
func (c *Commit) ConflictFrom() string {
	return c.Type().Padder().Pad(c.Expected + 1)
}

// Events stamps the uncommitted events, assigning positions that follow
// lastPosition
func (c *Commit) Events(lastPosition int64) []*Event {
	padder := c.Type().Padder()
	pending := c.Aggregate.Uncommitted()
	res := make([]*Event, 0, len(pending))
	for i, p := range pending {
		res = append(res, &Event{
			CommitterID:   c.Actor.ID,
			Command:       c.Command,
			AggregateType: c.Type().Name,
			AggregateID:   c.Aggregate.ID(),
			Version:       padder.Pad(c.Expected + int64(i) + 1),
			Position:      lastPosition + int64(i) + 1,
			Payload:       p,
		})
	}
	return res
}

// Conflict returns the error reported when the version check fails
func (c *Commit) Conflict() error {
	return &ConcurrencyError{
		AggregateType:   c.Type().Name,
		AggregateID:     c.Aggregate.ID(),
		ExpectedVersion: c.Expected,
		ActualVersion:   unknownVersion,
	}
}

// Complete finishes the aggregate after the store's transaction succeeded
func (c *Commit) Complete() {
	c.Aggregate.MarkCommitted(c.Final())
}

// Snapshot encodes the aggregate as it will be after the commit
func (c *Commit) Snapshot() ([]byte, error) {
	snap := &Aggregate{
		typ:     c.Aggregate.typ,
		model:   c.Aggregate.model,
		id:      c.Aggregate.id,
		version: c.Final(),
	}
	return snap.Snapshot()
}

// Paths

func tenantPath(tenant string) string {
	return "/tenants/" + tenant
}

// AggregatePath is the snapshot document path of an aggregate
func AggregatePath(tenant string, typ *AggregateType, id string) string {
	return tenantPath(tenant) + typ.StoragePath + "/" + id
}

// StreamPath is the path of a tenant stream's watermark document
func StreamPath(tenant, stream string) string {
	return tenantPath(tenant) + "/streams/" + stream
}

// EventsPath is the collection holding a stream's events
func EventsPath(tenant, stream string) string {
	return StreamPath(tenant, stream) + "/events"
}

// IndexPath is the collection indexing one aggregate's events by padded
// version
func IndexPath(tenant string, typ *AggregateType, id string) string {
	return StreamPath(tenant, typ.Stream) + "/index/" + typ.Name + "/" + id
}

// CursorsPath is the collection holding a stream's handler cursors
func CursorsPath(tenant, stream string) string {
	return StreamPath(tenant, stream) + "/cursors"
}
