package cmdbus_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cmdbus"
	"github.com/kode4food/cmdbus/examples/calculator"
)

func TestAggregateRaise(t *testing.T) {
	typ := calculatorType(t)
	ag := cmdbus.NewAggregate(typ, "calc")
	assert.Equal(t, typ, ag.Type())
	assert.Equal(t, int64(-1), ag.Version())
	assert.Empty(t, ag.Uncommitted())

	raiseAdded(t, ag, 2, 3)
	raiseAdded(t, ag, 4, 5)
	assert.Equal(t, int64(-1), ag.Version())
	assert.Len(t, ag.Uncommitted(), 2)
	assert.Equal(t, &calculator.Calculator{Total: 14, Count: 2}, ag.Model())

	ag.MarkCommitted(1)
	assert.Equal(t, int64(1), ag.Version())
	assert.Empty(t, ag.Uncommitted())
}

func TestAggregateRaiseReservedField(t *testing.T) {
	ag := cmdbus.NewAggregate(calculatorType(t), "calc")
	for _, field := range []string{"_u", "_c", "_t", "_a", "_v", "_version_"} {
		err := ag.Raise(cmdbus.Payload{"type": calculator.TotalReset, field: 1})
		assert.ErrorIs(t, err, cmdbus.ErrInvalidArguments)
	}
	assert.Empty(t, ag.Uncommitted())
}

func TestAggregateReplay(t *testing.T) {
	ag := cmdbus.NewAggregate(calculatorType(t), "calc")
	err := ag.Replay(&cmdbus.Event{
		Version: "000004",
		Payload: cmdbus.Payload{
			"type": calculator.NumbersAdded, "number1": 1, "number2": 1,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ag.Version())
	assert.Equal(t, 2, ag.Model().(*calculator.Calculator).Total)

	err = ag.Replay(&cmdbus.Event{Version: "x"})
	assert.Error(t, err)
	assert.Equal(t, int64(4), ag.Version())
}

func TestAggregateCloneIsIndependent(t *testing.T) {
	typ := calculatorType(t)
	ag := cmdbus.NewAggregate(typ, "calc")
	raiseAdded(t, ag, 1, 1)
	ag.MarkCommitted(0)
	raiseAdded(t, ag, 1, 1)

	clone, err := ag.Clone()
	require.NoError(t, err)
	assert.Equal(t, ag.ID(), clone.ID())
	assert.Equal(t, ag.Version(), clone.Version())
	assert.Equal(t, ag.Model(), clone.Model())
	assert.Len(t, clone.Uncommitted(), 1)

	raiseAdded(t, clone, 10, 10)
	assert.Equal(t, 4, ag.Model().(*calculator.Calculator).Total)
	assert.Equal(t, 24, clone.Model().(*calculator.Calculator).Total)
	assert.Len(t, ag.Uncommitted(), 1)
}

func TestAggregateSnapshotRestore(t *testing.T) {
	typ := calculatorType(t)
	ag := cmdbus.NewAggregate(typ, "calc")
	raiseAdded(t, ag, 3, 3)
	ag.MarkCommitted(0)
	raiseAdded(t, ag, 9, 9)

	data, err := ag.Snapshot()
	require.NoError(t, err)

	restored, err := cmdbus.RestoreAggregate(typ, data)
	require.NoError(t, err)
	assert.Equal(t, "calc", restored.ID())
	assert.Equal(t, int64(0), restored.Version())
	assert.Empty(t, restored.Uncommitted())

	_, err = cmdbus.RestoreAggregate(typ, []byte("nope"))
	assert.Error(t, err)
}

type hiddenTally struct {
	Tally
	applied int
}

func (h *hiddenTally) Apply(ev *cmdbus.Event) error {
	h.applied++
	return h.Tally.Apply(ev)
}

func TestAggregateCloneKeepsOnlyJSONState(t *testing.T) {
	typ := newTallyType()
	typ.New = func() cmdbus.Model {
		return &hiddenTally{}
	}
	_, err := cmdbus.NewCommandMapper(typ)
	require.NoError(t, err)

	ag := cmdbus.NewAggregate(typ, "hidden")
	require.NoError(t, ag.Raise(cmdbus.Payload{"type": evBumped}))
	assert.Equal(t, 1, ag.Model().(*hiddenTally).applied)

	clone, err := ag.Clone()
	require.NoError(t, err)
	model := clone.Model().(*hiddenTally)
	assert.Equal(t, 1, model.Bumps)
	assert.Zero(t, model.applied)
}

func TestAggregateTypePadderComputedOnce(t *testing.T) {
	typ := newTallyType()
	typ.MaxEvents = 100

	widths := make([]int, 8)
	var wg sync.WaitGroup
	for i := range widths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			widths[i] = typ.Padder().Width()
		}()
	}
	wg.Wait()
	for _, w := range widths {
		assert.Equal(t, 2, w)
	}

	_, err := cmdbus.NewCommandMapper(typ)
	require.NoError(t, err)
	assert.Equal(t, 2, typ.Padder().Width())
	assert.Equal(t, "/"+tallyType, typ.StoragePath)
}
