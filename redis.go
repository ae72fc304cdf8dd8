package cmdbus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type (
	// RedisStore implements the event store protocol on Redis. Every key of
	// a tenant shares one hash tag, so a tenant lives on a single cluster
	// slot and each commit is one atomic script
	RedisStore struct {
		client          redis.UniversalClient
		tracer          Tracer
		log             *zap.Logger
		prefix          string
		commitEventsLua *redis.Script
		loadAggregate   *redis.Script
		putSnapshotLua  *redis.Script
		snapshots       *SnapshotWorker
		config          StoreConfig
	}
)

const (
	RedisConnectTimeout = 5 * time.Second

	eventsSuffix      = ":events"
	cursorsSuffix     = ":cursors"
	snapshotValSuffix = ":snapshot:val"
	snapshotSeqSuffix = ":snapshot:seq"
)

var (
	ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")
)

var (
	_ EventStore    = (*RedisStore)(nil)
	_ StreamReader  = (*RedisStore)(nil)
	_ CursorStore   = (*RedisStore)(nil)
	_ SnapshotSaver = (*RedisStore)(nil)
)

// NewRedisStore connects to the Redis server named by cfg
func NewRedisStore(
	ctx context.Context, cfg StoreConfig, opts ...Option,
) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, RedisConnectTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisStoreWithClient(client, cfg, opts...), nil
}

// NewRedisStoreWithClient wraps an existing client. The store takes
// ownership of the client and closes it on Close
func NewRedisStoreWithClient(
	client redis.UniversalClient, cfg StoreConfig, opts ...Option,
) *RedisStore {
	o := applyOptions(opts)
	s := &RedisStore{
		client:          client,
		tracer:          o.tracer,
		log:             o.logger.With(zap.String("store", "redis")),
		prefix:          cfg.Prefix,
		commitEventsLua: redis.NewScript(luaCommitEvents),
		loadAggregate:   redis.NewScript(luaLoadAggregate),
		putSnapshotLua:  redis.NewScript(luaPutSnapshot),
		config:          cfg,
	}
	if cfg.Snapshots && cfg.WorkerCount > 0 {
		s.snapshots = NewSnapshotWorker(s, cfg, WithLogger(s.log))
	}
	return s
}

func (s *RedisStore) Close() error {
	if s.snapshots != nil {
		s.snapshots.Stop()
	}
	return s.client.Close()
}

// LoadAggregate implements EventStore
func (s *RedisStore) LoadAggregate(
	ctx context.Context, tenant string, typ *AggregateType, id string,
) (*Aggregate, error) {
	if id == "" {
		return NewAggregate(typ, uuid.NewString()), nil
	}

	snapKey := s.snapshotKey(tenant, typ, id)
	keys := []string{
		snapKey + snapshotValSuffix,
		snapKey + snapshotSeqSuffix,
		s.indexKey(tenant, typ, id),
		s.streamKey(tenant, typ.Stream) + eventsSuffix,
	}
	useSnapshot := "0"
	if s.config.Snapshots {
		useSnapshot = "1"
	}

	result, err := s.loadAggregate.Run(
		ctx, s.client, keys, typ.Padder().Width(), useSnapshot,
	).Result()
	if err != nil {
		return nil, err
	}

	res, ok := result.([]any)
	if !ok || len(res) != 2 {
		return nil, ErrUnexpectedLuaResult
	}
	snap, _ := res[0].(string)
	rawEvents, _ := res[1].([]any)

	ag := NewAggregate(typ, id)
	if snap != "" {
		if ag, err = RestoreAggregate(typ, []byte(snap)); err != nil {
			return nil, err
		}
	}

	replaySize := 0
	for _, raw := range rawEvents {
		data, ok := raw.(string)
		if !ok || data == "" {
			return nil, fmt.Errorf("%w: %s %s", ErrCorruptIndex, typ.Name, id)
		}
		ev := &Event{}
		if err := json.Unmarshal([]byte(data), ev); err != nil {
			return nil, err
		}
		if err := ag.Replay(ev); err != nil {
			return nil, err
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

	if s.snapshots != nil && replaySize > len(snap) {
		if data, err := ag.Snapshot(); err == nil {
			s.snapshots.Enqueue(tenant, typ, id, ag.Version(), data)
		}
	}
	return ag, nil
}

// CommitEvents implements EventStore
func (s *RedisStore) CommitEvents(
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

	tenant := c.Tenant()
	typ := c.Type()
	streamKey := s.streamKey(tenant, typ.Stream)
	snapKey := s.snapshotKey(tenant, typ, ag.ID())
	keys := []string{
		streamKey,
		streamKey + eventsSuffix,
		s.indexKey(tenant, typ, ag.ID()),
		snapKey + snapshotValSuffix,
		snapKey + snapshotSeqSuffix,
	}

	var snap []byte
	if s.config.Snapshots {
		if snap, err = c.Snapshot(); err != nil {
			return nil, err
		}
	}
	args := []any{"[" + c.ConflictFrom(), string(snap), c.Final()}

	for _, ev := range c.Events(-1) {
		body, err := json.Marshal(ev.bodyFields())
		if err != nil {
			return nil, err
		}
		fields := bytes.TrimPrefix(body, []byte("{"))
		args = append(args, ev.Version, string(fields))
	}

	result, err := s.commitEventsLua.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, err
	}

	res, ok := result.([]any)
	if !ok || len(res) == 0 {
		return nil, ErrUnexpectedLuaResult
	}
	if success, _ := res[0].(int64); success == 0 {
		return nil, c.Conflict()
	}
	if len(res) != 2 {
		return nil, ErrUnexpectedLuaResult
	}
	first, _ := res[1].(int64)

	events := c.Events(first - 1)
	c.Complete()
	return events, nil
}

// ReadStream implements StreamReader
func (s *RedisStore) ReadStream(
	ctx context.Context, tenant, stream string, from int64, limit int,
) ([]*Event, error) {
	start := max(from, 0)
	stop := int64(-1)
	if limit > 0 {
		stop = start + int64(limit) - 1
	}

	key := s.streamKey(tenant, stream) + eventsSuffix
	raw, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}

	res := make([]*Event, 0, len(raw))
	for _, data := range raw {
		ev := &Event{}
		if err := json.Unmarshal([]byte(data), ev); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, nil
}

// StreamPosition implements StreamReader
func (s *RedisStore) StreamPosition(
	ctx context.Context, tenant, stream string,
) (int64, error) {
	return s.readInt(ctx, s.streamKey(tenant, stream), fieldPosition)
}

// LoadCursor implements CursorStore
func (s *RedisStore) LoadCursor(
	ctx context.Context, tenant, stream, handler string,
) (int64, error) {
	key := s.streamKey(tenant, stream) + cursorsSuffix
	return s.readInt(ctx, key, handler)
}

// SaveCursor implements CursorStore
func (s *RedisStore) SaveCursor(
	ctx context.Context, tenant, stream, handler string, pos int64,
) error {
	key := s.streamKey(tenant, stream) + cursorsSuffix
	return s.client.HSet(ctx, key, handler, pos).Err()
}

// SaveSnapshot implements SnapshotSaver
func (s *RedisStore) SaveSnapshot(
	ctx context.Context, tenant string, typ *AggregateType, id string,
	version int64, data []byte,
) error {
	key := s.snapshotKey(tenant, typ, id)
	keys := []string{key + snapshotValSuffix, key + snapshotSeqSuffix}
	return s.putSnapshotLua.Run(
		ctx, s.client, keys, string(data), version,
	).Err()
}

func (s *RedisStore) readInt(
	ctx context.Context, key, field string,
) (int64, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

func (s *RedisStore) tenantKey(tenant string) string {
	return s.prefix + ":{" + tenant + "}"
}

func (s *RedisStore) streamKey(tenant, stream string) string {
	return s.tenantKey(tenant) + ":streams:" + stream
}

func (s *RedisStore) indexKey(
	tenant string, typ *AggregateType, id string,
) string {
	return s.streamKey(tenant, typ.Stream) + ":index:" + typ.Name + ":" + id
}

func (s *RedisStore) snapshotKey(
	tenant string, typ *AggregateType, id string,
) string {
	path := strings.ReplaceAll(typ.StoragePath, "/", ":")
	return s.tenantKey(tenant) + path + ":" + id
}
