// Package postgres stores cmdbus events, snapshots, and handler cursors in
// PostgreSQL through pgx
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kode4food/cmdbus"
)

type (
	// Store implements cmdbus.EventStore, cmdbus.StreamReader, and
	// cmdbus.CursorStore. A commit locks its stream's row, so commits to one
	// stream are serialized across every process sharing the database
	Store struct {
		pool      *pgxpool.Pool
		tracer    cmdbus.Tracer
		log       *zap.Logger
		snapshots *cmdbus.SnapshotWorker
		config    cmdbus.StoreConfig
	}

	// Option configures a Store
	Option func(*Store)
)

// uniqueViolation is the SQLSTATE of a unique constraint violation
const uniqueViolation = "23505"

var (
	_ cmdbus.EventStore    = (*Store)(nil)
	_ cmdbus.StreamReader  = (*Store)(nil)
	_ cmdbus.CursorStore   = (*Store)(nil)
	_ cmdbus.SnapshotSaver = (*Store)(nil)
)

// WithTracer sets the Tracer that receives per-event load records
func WithTracer(t cmdbus.Tracer) Option {
	return func(s *Store) {
		s.tracer = t
	}
}

// WithLogger sets the Store's logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Open connects to the database named by dsn
func Open(
	ctx context.Context, dsn string, cfg cmdbus.StoreConfig, opts ...Option,
) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return New(pool, cfg, opts...), nil
}

// New wraps an existing pool. The Store closes the pool on Close
func New(
	pool *pgxpool.Pool, cfg cmdbus.StoreConfig, opts ...Option,
) *Store {
	s := &Store{
		pool:   pool,
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracer == nil {
		s.tracer = cmdbus.NopTracer()
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.log = s.log.With(zap.String("store", "postgres"))
	if cfg.Snapshots && cfg.WorkerCount > 0 {
		s.snapshots = cmdbus.NewSnapshotWorker(
			s, cfg, cmdbus.WithLogger(s.log),
		)
	}
	return s
}

func (s *Store) Close() error {
	if s.snapshots != nil {
		s.snapshots.Stop()
	}
	s.pool.Close()
	return nil
}

// LoadAggregate implements cmdbus.EventStore
func (s *Store) LoadAggregate(
	ctx context.Context, tenant string, typ *cmdbus.AggregateType, id string,
) (*cmdbus.Aggregate, error) {
	if id == "" {
		return cmdbus.NewAggregate(typ, uuid.NewString()), nil
	}

	ag := cmdbus.NewAggregate(typ, id)
	snapSize := 0
	if s.config.Snapshots {
		var data []byte
		err := s.pool.QueryRow(ctx,
			`SELECT data FROM cmdbus_snapshots
			WHERE tenant = $1 AND aggregate_type = $2 AND aggregate_id = $3`,
			tenant, typ.Name, id,
		).Scan(&data)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return nil, err
		default:
			if ag, err = cmdbus.RestoreAggregate(typ, data); err != nil {
				return nil, err
			}
			snapSize = len(data)
		}
	}

	rows, err := s.pool.Query(ctx,
		`SELECT data FROM cmdbus_events
		WHERE tenant = $1 AND stream = $2
			AND aggregate_type = $3 AND aggregate_id = $4
			AND version >= $5
		ORDER BY version`,
		tenant, typ.Stream, typ.Name, id, typ.Padder().Pad(ag.Version()+1),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	replaySize := 0
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		ev := &cmdbus.Event{}
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, err
		}
		if err := ag.Replay(ev); err != nil {
			return nil, err
		}
		replaySize += len(data)
		s.tracer.Trace(func() cmdbus.Record {
			return cmdbus.Record{
				Method: cmdbus.TraceLoadEvent,
				Fields: map[string]any{
					"aggregateType": typ.Name,
					"event":         ev,
				},
			}
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if s.snapshots != nil && replaySize > snapSize {
		if data, err := ag.Snapshot(); err == nil {
			s.snapshots.Enqueue(tenant, typ, id, ag.Version(), data)
		}
	}
	return ag, nil
}

// CommitEvents implements cmdbus.EventStore
func (s *Store) CommitEvents(
	ctx context.Context, actor cmdbus.Actor, command string,
	ag *cmdbus.Aggregate, expected int64,
) ([]*cmdbus.Event, error) {
	c, err := cmdbus.NewCommit(actor, command, ag, expected)
	if err != nil {
		return nil, err
	}
	count := int64(len(ag.Uncommitted()))
	if count == 0 {
		return []*cmdbus.Event{}, nil
	}

	var events []*cmdbus.Event
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		events, err = s.commit(ctx, tx, c, count)
		return err
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return nil, c.Conflict()
		}
		return nil, err
	}

	c.Complete()
	return events, nil
}

func (s *Store) commit(
	ctx context.Context, tx pgx.Tx, c *cmdbus.Commit, count int64,
) ([]*cmdbus.Event, error) {
	tenant := c.Tenant()
	typ := c.Type()
	id := c.Aggregate.ID()

	var last int64
	err := tx.QueryRow(ctx,
		`INSERT INTO cmdbus_streams AS s (tenant, stream, position)
		VALUES ($1, $2, $3 - 1)
		ON CONFLICT (tenant, stream) DO UPDATE SET
			position = s.position + excluded.position + 1
		RETURNING position`,
		tenant, typ.Stream, count,
	).Scan(&last)
	if err != nil {
		return nil, err
	}

	var newer int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM cmdbus_events
		WHERE tenant = $1 AND stream = $2
			AND aggregate_type = $3 AND aggregate_id = $4
			AND version >= $5`,
		tenant, typ.Stream, typ.Name, id, c.ConflictFrom(),
	).Scan(&newer)
	if err != nil {
		return nil, err
	}
	if newer > 0 {
		return nil, c.Conflict()
	}

	events := c.Events(last - count)
	batch := &pgx.Batch{}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		batch.Queue(
			`INSERT INTO cmdbus_events (
				tenant, stream, position, aggregate_type, aggregate_id,
				version, data
			) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			tenant, typ.Stream, ev.Position, typ.Name, id, ev.Version, data,
		)
	}

	if s.config.Snapshots {
		snap, err := c.Snapshot()
		if err != nil {
			return nil, err
		}
		batch.Queue(
			`INSERT INTO cmdbus_snapshots AS s (
				tenant, aggregate_type, aggregate_id, version, data
			) VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant, aggregate_type, aggregate_id) DO UPDATE SET
				version = excluded.version,
				data = excluded.data`,
			tenant, typ.Name, id, c.Final(), snap,
		)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadStream implements cmdbus.StreamReader
func (s *Store) ReadStream(
	ctx context.Context, tenant, stream string, from int64, limit int,
) ([]*cmdbus.Event, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM cmdbus_events
		WHERE tenant = $1 AND stream = $2 AND position >= $3
		ORDER BY position
		LIMIT $4`,
		tenant, stream, max(from, 0), lim,
	)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(
		row pgx.CollectableRow,
	) (*cmdbus.Event, error) {
		var data []byte
		if err := row.Scan(&data); err != nil {
			return nil, err
		}
		ev := &cmdbus.Event{}
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, fmt.Errorf("stream %s/%s: %w", tenant, stream, err)
		}
		return ev, nil
	})
}

// StreamPosition implements cmdbus.StreamReader
func (s *Store) StreamPosition(
	ctx context.Context, tenant, stream string,
) (int64, error) {
	return s.queryPosition(ctx,
		`SELECT position FROM cmdbus_streams
		WHERE tenant = $1 AND stream = $2`,
		tenant, stream,
	)
}

// LoadCursor implements cmdbus.CursorStore
func (s *Store) LoadCursor(
	ctx context.Context, tenant, stream, handler string,
) (int64, error) {
	return s.queryPosition(ctx,
		`SELECT position FROM cmdbus_cursors
		WHERE tenant = $1 AND stream = $2 AND handler = $3`,
		tenant, stream, handler,
	)
}

// SaveCursor implements cmdbus.CursorStore
func (s *Store) SaveCursor(
	ctx context.Context, tenant, stream, handler string, pos int64,
) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cmdbus_cursors (tenant, stream, handler, position)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant, stream, handler) DO UPDATE SET
			position = excluded.position`,
		tenant, stream, handler, pos,
	)
	return err
}

// SaveSnapshot implements cmdbus.SnapshotSaver
func (s *Store) SaveSnapshot(
	ctx context.Context, tenant string, typ *cmdbus.AggregateType, id string,
	version int64, data []byte,
) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cmdbus_snapshots AS s (
			tenant, aggregate_type, aggregate_id, version, data
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant, aggregate_type, aggregate_id) DO UPDATE SET
			version = excluded.version,
			data = excluded.data
		WHERE s.version < excluded.version`,
		tenant, typ.Name, id, version, data,
	)
	return err
}

func (s *Store) queryPosition(
	ctx context.Context, sql string, args ...any,
) (int64, error) {
	var pos int64
	err := s.pool.QueryRow(ctx, sql, args...).Scan(&pos)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return pos, nil
}
