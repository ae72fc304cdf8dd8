package postgres_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cmdbus"
	"github.com/kode4food/cmdbus/examples/calculator"
	"github.com/kode4food/cmdbus/postgres"
)

const dsnEnv = "CMDBUS_POSTGRES_DSN"

var actor = cmdbus.Actor{
	ID:     "user-1",
	Name:   "Test User",
	Tenant: "tenant-pg",
	Roles:  []string{},
}

func openStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv(dsnEnv)
	if dsn == "" {
		t.Skipf("%s not set", dsnEnv)
	}

	ctx := context.Background()
	cfg := cmdbus.DefaultStoreConfig()
	cfg.WorkerCount = 0

	store, err := postgres.Open(ctx, dsn, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.DropSchema(ctx))
	require.NoError(t, store.CreateSchema(ctx))
	return store
}

func newBus(t *testing.T, store *postgres.Store) *cmdbus.Bus {
	t.Helper()
	bus, err := cmdbus.NewBus(
		cmdbus.DefaultConfig(), store,
		[]*cmdbus.AggregateType{calculator.NewType()},
	)
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func TestCommitAndLoad(t *testing.T) {
	store := openStore(t)
	bus := newBus(t, store)
	ctx := context.Background()

	ag, err := bus.Command(ctx, actor, calculator.AddNumbers, cmdbus.Payload{
		"number1": 1, "number2": 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ag.Version())

	ag, err = bus.Command(ctx, actor, calculator.SubtractNumbers,
		cmdbus.Payload{"number1": 10, "number2": 4},
		cmdbus.WithAggregateID(ag.ID()), cmdbus.WithExpectedVersion(0),
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ag.Version())

	typ, err := bus.Mapper().Type(calculator.TypeName)
	require.NoError(t, err)

	loaded, err := store.LoadAggregate(ctx, actor.Tenant, typ, ag.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(1), loaded.Version())
	assert.Equal(t, 9, loaded.Model().(*calculator.Calculator).Total)

	pos, err := store.StreamPosition(ctx, actor.Tenant, calculator.StreamName)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pos)

	events, err := store.ReadStream(ctx, actor.Tenant, calculator.StreamName, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "000000", events[0].Version)
	assert.Equal(t, "000001", events[1].Version)
	assert.Equal(t, int64(1), events[1].Position)
}

func TestCommitConflict(t *testing.T) {
	store := openStore(t)
	bus := newBus(t, store)
	ctx := context.Background()

	ag, err := bus.Command(ctx, actor, calculator.AddNumbers, cmdbus.Payload{
		"number1": 1, "number2": 1,
	})
	require.NoError(t, err)

	typ, err := bus.Mapper().Type(calculator.TypeName)
	require.NoError(t, err)

	stale, err := store.LoadAggregate(ctx, actor.Tenant, typ, ag.ID())
	require.NoError(t, err)
	fresh, err := store.LoadAggregate(ctx, actor.Tenant, typ, ag.ID())
	require.NoError(t, err)

	require.NoError(t, fresh.Raise(cmdbus.Payload{"type": calculator.TotalReset}))
	_, err = store.CommitEvents(ctx, actor, calculator.Reset, fresh, 0)
	require.NoError(t, err)

	require.NoError(t, stale.Raise(cmdbus.Payload{"type": calculator.TotalReset}))
	_, err = store.CommitEvents(ctx, actor, calculator.Reset, stale, 0)
	assert.True(t, errors.Is(err, cmdbus.ErrConcurrency))
	assert.Equal(t, int64(0), stale.Version())
}

func TestCursors(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	pos, err := store.LoadCursor(ctx, "t", "s", "h")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), pos)

	require.NoError(t, store.SaveCursor(ctx, "t", "s", "h", 7))
	require.NoError(t, store.SaveCursor(ctx, "t", "s", "h", 9))

	pos, err = store.LoadCursor(ctx, "t", "s", "h")
	require.NoError(t, err)
	assert.Equal(t, int64(9), pos)
}
