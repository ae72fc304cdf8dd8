package cmdbus_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kode4food/cmdbus"
	"github.com/kode4food/cmdbus/examples/calculator"
)

type (
	// Tally raises as many events as a command asks for
	Tally struct {
		Bumps int `json:"bumps"`
	}

	countingStore struct {
		*cmdbus.DocEventStore
		loads   atomic.Int32
		commits atomic.Int32
	}

	eventRecorder struct {
		name      string
		stream    string
		mu        sync.Mutex
		positions []int64
		fail      atomic.Bool
	}
)

const (
	tallyType   = "tally"
	tallyStream = "tallies"
	cmdBump     = "Bump"
	cmdNothing  = "Nothing"
	evBumped    = "Bumped"

	calcStream = calculator.StreamName
)

var errHandlerFailed = errors.New("handler failed")

var actor1 = cmdbus.Actor{
	ID:     "user1",
	Name:   "user1",
	Tenant: "tenant1",
	Roles:  []string{},
}

func newTallyType() *cmdbus.AggregateType {
	return &cmdbus.AggregateType{
		Name:     tallyType,
		Stream:   tallyStream,
		Commands: []string{cmdBump, cmdNothing},
		New: func() cmdbus.Model {
			return &Tally{}
		},
	}
}

func (t *Tally) Handle(
	_ context.Context, cmd *cmdbus.Command,
) ([]cmdbus.Payload, error) {
	switch cmd.Name {
	case cmdBump:
		n := 1
		if v, ok := cmd.Payload["count"].(int); ok {
			n = v
		}
		res := make([]cmdbus.Payload, n)
		for i := range res {
			res[i] = cmdbus.Payload{"type": evBumped}
		}
		return res, nil
	case cmdNothing:
		return nil, nil
	default:
		return nil, cmdbus.UnknownCommand(cmd.Name)
	}
}

func (t *Tally) Apply(ev *cmdbus.Event) error {
	if ev.Payload["type"] == evBumped {
		t.Bumps++
	}
	return nil
}

func newDocStore(t *testing.T, cfg cmdbus.StoreConfig) *cmdbus.DocEventStore {
	t.Helper()
	store := cmdbus.NewDocEventStore(cmdbus.NewMemoryDocStore(), cfg)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newCountingStore(t *testing.T) *countingStore {
	t.Helper()
	return &countingStore{
		DocEventStore: newDocStore(t, cmdbus.DefaultStoreConfig()),
	}
}

func (s *countingStore) LoadAggregate(
	ctx context.Context, tenant string, typ *cmdbus.AggregateType, id string,
) (*cmdbus.Aggregate, error) {
	s.loads.Add(1)
	return s.DocEventStore.LoadAggregate(ctx, tenant, typ, id)
}

func (s *countingStore) CommitEvents(
	ctx context.Context, actor cmdbus.Actor, command string,
	ag *cmdbus.Aggregate, expected int64,
) ([]*cmdbus.Event, error) {
	s.commits.Add(1)
	return s.DocEventStore.CommitEvents(ctx, actor, command, ag, expected)
}

func newTestBus(
	t *testing.T, cfg cmdbus.Config, store cmdbus.EventStore,
	types ...*cmdbus.AggregateType,
) *cmdbus.Bus {
	t.Helper()
	if len(types) == 0 {
		types = []*cmdbus.AggregateType{calculator.NewType(), newTallyType()}
	}
	bus, err := cmdbus.NewBus(cfg, store, types)
	require.NoError(t, err)
	t.Cleanup(bus.Close)
	return bus
}

func addNumbers(
	t *testing.T, bus *cmdbus.Bus, id string, n1, n2 int,
) *cmdbus.Aggregate {
	t.Helper()
	ag, err := bus.Command(context.Background(), actor1,
		calculator.AddNumbers, cmdbus.Payload{"number1": n1, "number2": n2},
		cmdbus.WithAggregateID(id),
	)
	require.NoError(t, err)
	return ag
}

func newRecorder(name, stream string) *eventRecorder {
	return &eventRecorder{name: name, stream: stream}
}

func (r *eventRecorder) Name() string {
	return r.name
}

func (r *eventRecorder) Stream() string {
	return r.stream
}

func (r *eventRecorder) Handle(_ context.Context, ev *cmdbus.Event) error {
	if r.fail.Load() {
		return errHandlerFailed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, ev.Position)
	return nil
}

func (r *eventRecorder) Positions() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]int64, len(r.positions))
	copy(res, r.positions)
	return res
}

func positions(from, to int64) []int64 {
	var res []int64
	for p := from; p <= to; p++ {
		res = append(res, p)
	}
	return res
}
