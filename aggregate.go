package cmdbus

import (
	"context"
	"encoding/json"
	"sync"
)

type (
	// AggregateType describes a registered kind of aggregate. It must not be
	// changed once events have been written for it. Registering it through
	// NewCommandMapper or NewBus fills in MaxEvents and StoragePath, so a type
	// is registered before it is used
	AggregateType struct {
		// Name identifies the type in event records and cache keys
		Name string

		// Stream is the tenant stream that the type's events are appended to
		Stream string

		// StoragePath is where snapshots live, relative to the tenant root.
		// It must start with "/"
		StoragePath string

		// MaxEvents bounds the events one instance may accumulate and fixes
		// the width of its padded versions
		MaxEvents int64

		// Commands lists the command names that the type handles
		Commands []string

		// New constructs the zero state of the type
		New func() Model

		padder     *Padder
		padderOnce sync.Once
	}

	// Model is the user-supplied state and behavior of an aggregate. Cached
	// copies and snapshots are made by encoding the Model with encoding/json,
	// so all of its state must survive a JSON round trip. Unexported fields
	// are lost
	Model interface {
		// Handle decides the events a command raises. It must not mutate
		// the Model; raised events are applied through Apply
		Handle(context.Context, *Command) ([]Payload, error)

		// Apply folds an event into the Model
		Apply(*Event) error
	}

	// Command is the invocation handed to a Model
	Command struct {
		Name    string
		Actor   Actor
		Payload Payload

		// Bus lets a handler read or command other aggregates
		Bus *Bus
	}

	// Aggregate maintains an aggregate's state and the events raised during
	// a command. It is not safe for concurrent use
	Aggregate struct {
		typ      *AggregateType
		model    Model
		id       string
		enqueued []Payload
		version  int64
	}

	aggregateSnapshot struct {
		ID       string          `json:"id"`
		Version  int64           `json:"version"`
		State    json.RawMessage `json:"state"`
		Enqueued []Payload       `json:"enqueued,omitempty"`
	}
)

// DefaultMaxEvents is used when an AggregateType leaves MaxEvents unset
const DefaultMaxEvents = MaxAggregateEvents

func (t *AggregateType) validate() error {
	switch {
	case t == nil:
		return preconditionError("aggregate type is nil")
	case t.Name == "":
		return preconditionError("aggregate type has no name")
	case t.Stream == "":
		return preconditionError("%s has no stream", t.Name)
	case t.New == nil:
		return preconditionError("%s has no constructor", t.Name)
	case len(t.Commands) == 0:
		return preconditionError("%s declares no commands", t.Name)
	case t.StoragePath != "" && t.StoragePath[0] != '/':
		return preconditionError("%s storage path must start with /", t.Name)
	}
	if t.MaxEvents == 0 {
		t.MaxEvents = DefaultMaxEvents
	}
	if t.MaxEvents < 2 {
		return preconditionError("%s max events must be at least 2", t.Name)
	}
	if t.StoragePath == "" {
		t.StoragePath = "/" + t.Name
	}
	p, err := NewPadder(t.MaxEvents)
	if err != nil {
		return err
	}
	t.padderOnce.Do(func() {
		t.padder = p
	})
	return nil
}

// Padder returns the version padder derived from MaxEvents. It is computed
// once, at registration or on first use
func (t *AggregateType) Padder() *Padder {
	t.padderOnce.Do(func() {
		p, err := NewPadder(t.MaxEvents)
		if err != nil {
			p, _ = NewPadder(DefaultMaxEvents)
		}
		t.padder = p
	})
	return t.padder
}

// NewAggregate returns a brand-new aggregate at version -1
func NewAggregate(typ *AggregateType, id string) *Aggregate {
	return &Aggregate{
		typ:      typ,
		id:       id,
		version:  -1,
		model:    typ.New(),
		enqueued: []Payload{},
	}
}

// RestoreAggregate rebuilds an aggregate from its snapshot form
func RestoreAggregate(typ *AggregateType, data []byte) (*Aggregate, error) {
	var snap aggregateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	ag := NewAggregate(typ, snap.ID)
	ag.version = snap.Version
	if len(snap.State) > 0 {
		if err := json.Unmarshal(snap.State, ag.model); err != nil {
			return nil, err
		}
	}
	if len(snap.Enqueued) > 0 {
		ag.enqueued = snap.Enqueued
	}
	return ag, nil
}

// Type returns the aggregate's type descriptor
func (a *Aggregate) Type() *AggregateType {
	return a.typ
}

// ID returns the aggregate's identifier
func (a *Aggregate) ID() string {
	return a.id
}

// Version returns the version of the last committed event, or -1
func (a *Aggregate) Version() int64 {
	return a.version
}

// Model returns the aggregate's current state
func (a *Aggregate) Model() Model {
	return a.model
}

// Uncommitted returns the events raised since the last commit
func (a *Aggregate) Uncommitted() []Payload {
	return a.enqueued
}

// Raise enqueues an event and applies it to the Model
func (a *Aggregate) Raise(p Payload) error {
	for k := range p {
		if reservedFields[k] {
			return invalidArgument("event payload uses reserved field %s", k)
		}
	}
	next := a.version + int64(len(a.enqueued)) + 1
	ev := &Event{
		AggregateType: a.typ.Name,
		AggregateID:   a.id,
		Version:       a.typ.Padder().Pad(next),
		Position:      -1,
		Payload:       p,
	}
	if err := a.model.Apply(ev); err != nil {
		return err
	}
	a.enqueued = append(a.enqueued, p)
	return nil
}

// Replay applies a committed event and advances the version to match it
func (a *Aggregate) Replay(ev *Event) error {
	v, err := ev.AggregateVersion()
	if err != nil {
		return err
	}
	if err := a.model.Apply(ev); err != nil {
		return err
	}
	a.version = v
	return nil
}

// MarkCommitted records a successful commit at the given version
func (a *Aggregate) MarkCommitted(version int64) {
	a.version = version
	a.enqueued = []Payload{}
}

// Snapshot encodes the committed state of the aggregate
func (a *Aggregate) Snapshot() ([]byte, error) {
	return a.encode(false)
}

// Clone returns a deep copy that shares no mutable state with a
func (a *Aggregate) Clone() (*Aggregate, error) {
	data, err := a.encode(true)
	if err != nil {
		return nil, err
	}
	return RestoreAggregate(a.typ, data)
}

func (a *Aggregate) encode(withEnqueued bool) ([]byte, error) {
	state, err := json.Marshal(a.model)
	if err != nil {
		return nil, err
	}
	snap := aggregateSnapshot{
		ID:      a.id,
		Version: a.version,
		State:   state,
	}
	if withEnqueued {
		snap.Enqueued = a.enqueued
	}
	return json.Marshal(snap)
}
