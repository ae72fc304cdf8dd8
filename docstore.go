package cmdbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type (
	// DocStore is a transactional document store addressed by slash-separated
	// paths. The last path segment is a document's key within its collection,
	// and collections are sorted by key
	DocStore interface {
		// View runs fn in a read-only transaction
		View(ctx context.Context, fn func(DocTx) error) error

		// Update runs fn in a read-write transaction. Either every write made
		// by fn lands or, if fn fails, none does
		Update(ctx context.Context, fn func(DocTx) error) error

		Close() error
	}

	// DocTx is the view of a DocStore within one transaction
	DocTx interface {
		// Get returns the document at path and whether it exists
		Get(path string) ([]byte, bool, error)

		// Set replaces the document at path
		Set(path string, data []byte) error

		// Merge overlays fields onto the JSON object at path, creating it
		// if absent
		Merge(path string, fields map[string]any) error

		// Scan returns up to limit documents of the collection whose keys
		// are at least from, in ascending key order. A limit of zero or less
		// means no limit
		Scan(collection, from string, limit int) ([]Doc, error)
	}

	// Doc is a document returned by Scan
	Doc struct {
		Key  string
		Data []byte
	}

	// DocEventStore implements the event store protocol over any DocStore.
	// It also serves stream reads and handler cursors
	DocEventStore struct {
		docs      DocStore
		tracer    Tracer
		log       *zap.Logger
		snapshots *SnapshotWorker
		config    StoreConfig
	}

	positionDoc struct {
		Position *int64 `json:"_version_"`
	}
)

var (
	// ErrCorruptIndex is returned when a version index entry has no event
	ErrCorruptIndex = errors.New("version index references a missing event")

	// ErrReadOnlyTx is returned when writing inside View
	ErrReadOnlyTx = errors.New("write in read-only transaction")
)

var (
	_ EventStore    = (*DocEventStore)(nil)
	_ StreamReader  = (*DocEventStore)(nil)
	_ CursorStore   = (*DocEventStore)(nil)
	_ SnapshotSaver = (*DocEventStore)(nil)
)

// NewDocEventStore creates an event store over docs
func NewDocEventStore(
	docs DocStore, cfg StoreConfig, opts ...Option,
) *DocEventStore {
	o := applyOptions(opts)
	s := &DocEventStore{
		docs:   docs,
		tracer: o.tracer,
		log:    o.logger.With(zap.String("store", "doc")),
		config: cfg,
	}
	if cfg.Snapshots && cfg.WorkerCount > 0 {
		s.snapshots = NewSnapshotWorker(s, cfg, WithLogger(s.log))
	}
	return s
}

// Close stops the snapshot worker and closes the underlying DocStore
func (s *DocEventStore) Close() error {
	if s.snapshots != nil {
		s.snapshots.Stop()
	}
	return s.docs.Close()
}

// LoadAggregate implements EventStore
func (s *DocEventStore) LoadAggregate(
	ctx context.Context, tenant string, typ *AggregateType, id string,
) (*Aggregate, error) {
	if id == "" {
		return NewAggregate(typ, uuid.NewString()), nil
	}
	if strings.Contains(id, "/") {
		return nil, invalidArgument("aggregate id %q contains /", id)
	}

	var (
		ag          *Aggregate
		snapSize    int
		replaySize  int
		eventsPath  = EventsPath(tenant, typ.Stream)
		indexPath   = IndexPath(tenant, typ, id)
		useSnapshot = s.config.Snapshots
	)

	err := s.docs.View(ctx, func(tx DocTx) error {
		ag = NewAggregate(typ, id)
		snapSize, replaySize = 0, 0

		if useSnapshot {
			data, ok, err := tx.Get(AggregatePath(tenant, typ, id))
			if err != nil {
				return err
			}
			if ok {
				if ag, err = RestoreAggregate(typ, data); err != nil {
					return err
				}
				snapSize = len(data)
			}
		}

		from := typ.Padder().Pad(ag.Version() + 1)
		entries, err := tx.Scan(indexPath, from, 0)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			pos, err := decodePosition(entry.Data, -1)
			if err != nil {
				return err
			}
			data, ok, err := tx.Get(eventsPath + "/" + PadPosition(pos))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s/%s",
					ErrCorruptIndex, indexPath, entry.Key,
				)
			}
			ev := &Event{}
			if err := json.Unmarshal(data, ev); err != nil {
				return err
			}
			if err := ag.Replay(ev); err != nil {
				return err
			}
			replaySize += len(data)
			s.tracer.Trace(func() Record {
				return Record{
					Method: TraceLoadEvent,
					Fields: map[string]any{
						"aggregateType": typ.Name,
						"event":         ev,
					},
				}
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.snapshots != nil && replaySize > snapSize {
		if data, err := ag.Snapshot(); err == nil {
			s.snapshots.Enqueue(tenant, typ, id, ag.Version(), data)
		}
	}
	return ag, nil
}

// CommitEvents implements EventStore
func (s *DocEventStore) CommitEvents(
	ctx context.Context, actor Actor, command string, ag *Aggregate,
	expected int64,
) ([]*Event, error) {
	c, err := NewCommit(actor, command, ag, expected)
	if err != nil {
		return nil, err
	}
	if len(ag.Uncommitted()) == 0 {
		return []*Event{}, nil
	}

	var (
		tenant     = c.Tenant()
		typ        = c.Type()
		streamPath = StreamPath(tenant, typ.Stream)
		eventsPath = EventsPath(tenant, typ.Stream)
		indexPath  = IndexPath(tenant, typ, ag.ID())
		events     []*Event
	)

	err = s.docs.Update(ctx, func(tx DocTx) error {
		pos, err := readPosition(tx, streamPath)
		if err != nil {
			return err
		}

		newer, err := tx.Scan(indexPath, c.ConflictFrom(), 1)
		if err != nil {
			return err
		}
		if len(newer) > 0 {
			return c.Conflict()
		}

		events = c.Events(pos)
		for _, ev := range events {
			data, err := json.Marshal(ev)
			if err != nil {
				return err
			}
			key := eventsPath + "/" + PadPosition(ev.Position)
			if err := tx.Set(key, data); err != nil {
				return err
			}
			ref := encodePosition(ev.Position)
			if err := tx.Set(indexPath+"/"+ev.Version, ref); err != nil {
				return err
			}
		}

		last := events[len(events)-1].Position
		watermark := map[string]any{fieldPosition: last}
		if err := tx.Merge(streamPath, watermark); err != nil {
			return err
		}

		if s.config.Snapshots {
			snap, err := c.Snapshot()
			if err != nil {
				return err
			}
			return tx.Set(AggregatePath(tenant, typ, ag.ID()), snap)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.Complete()
	return events, nil
}

// ReadStream implements StreamReader
func (s *DocEventStore) ReadStream(
	ctx context.Context, tenant, stream string, from int64, limit int,
) ([]*Event, error) {
	var res []*Event
	err := s.docs.View(ctx, func(tx DocTx) error {
		start := PadPosition(max(from, 0))
		docs, err := tx.Scan(EventsPath(tenant, stream), start, limit)
		if err != nil {
			return err
		}
		res = make([]*Event, 0, len(docs))
		for _, d := range docs {
			ev := &Event{}
			if err := json.Unmarshal(d.Data, ev); err != nil {
				return err
			}
			res = append(res, ev)
		}
		return nil
	})
	return res, err
}

// StreamPosition implements StreamReader
func (s *DocEventStore) StreamPosition(
	ctx context.Context, tenant, stream string,
) (int64, error) {
	var pos int64
	err := s.docs.View(ctx, func(tx DocTx) error {
		var err error
		pos, err = readPosition(tx, StreamPath(tenant, stream))
		return err
	})
	return pos, err
}

// LoadCursor implements CursorStore
func (s *DocEventStore) LoadCursor(
	ctx context.Context, tenant, stream, handler string,
) (int64, error) {
	var pos int64
	err := s.docs.View(ctx, func(tx DocTx) error {
		var err error
		pos, err = readPosition(tx, cursorPath(tenant, stream, handler))
		return err
	})
	return pos, err
}

// SaveCursor implements CursorStore
func (s *DocEventStore) SaveCursor(
	ctx context.Context, tenant, stream, handler string, pos int64,
) error {
	return s.docs.Update(ctx, func(tx DocTx) error {
		return tx.Merge(
			cursorPath(tenant, stream, handler),
			map[string]any{fieldPosition: pos},
		)
	})
}

// SaveSnapshot implements SnapshotSaver. An existing snapshot at the same or
// a later version is left untouched
func (s *DocEventStore) SaveSnapshot(
	ctx context.Context, tenant string, typ *AggregateType, id string,
	version int64, data []byte,
) error {
	path := AggregatePath(tenant, typ, id)
	return s.docs.Update(ctx, func(tx DocTx) error {
		cur, ok, err := tx.Get(path)
		if err != nil {
			return err
		}
		if ok {
			var snap aggregateSnapshot
			if err := json.Unmarshal(cur, &snap); err == nil &&
				snap.Version >= version {
				return nil
			}
		}
		return tx.Set(path, data)
	})
}

func cursorPath(tenant, stream, handler string) string {
	return CursorsPath(tenant, stream) + "/" + escapeKey(handler)
}

func escapeKey(key string) string {
	return strings.ReplaceAll(key, "/", "%2F")
}

func readPosition(tx DocTx, path string) (int64, error) {
	data, ok, err := tx.Get(path)
	if err != nil || !ok {
		return -1, err
	}
	return decodePosition(data, -1)
}

func decodePosition(data []byte, def int64) (int64, error) {
	var doc positionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, err
	}
	if doc.Position == nil {
		return def, nil
	}
	return *doc.Position, nil
}

func encodePosition(pos int64) []byte {
	data, _ := json.Marshal(map[string]any{fieldPosition: pos})
	return data
}

// SplitPath separates a document path into its collection and key
func SplitPath(path string) (string, string) {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// MergeFields overlays fields onto a JSON object document
func MergeFields(existing []byte, fields map[string]any) ([]byte, error) {
	doc := map[string]json.RawMessage{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		doc[k] = data
	}
	return json.Marshal(doc)
}
