package cmdbus_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kode4food/cmdbus"
	"github.com/kode4food/cmdbus/examples/calculator"
)

type greeting struct {
	Name  string `json:"name"`
	Times int    `json:"times"`
}

func TestDecodeEncode(t *testing.T) {
	g, err := cmdbus.Decode[greeting](cmdbus.Payload{
		"name": "bob", "times": 2, "extra": true,
	})
	require.NoError(t, err)
	assert.Equal(t, greeting{Name: "bob", Times: 2}, g)

	p, err := cmdbus.Encode(g)
	require.NoError(t, err)
	assert.Equal(t, cmdbus.Payload{"name": "bob", "times": float64(2)}, p)

	_, err = cmdbus.Decode[greeting](cmdbus.Payload{"times": "many"})
	assert.Error(t, err)
}

func TestAppliersIgnoreUnknownKinds(t *testing.T) {
	c := &calculator.Calculator{}
	require.NoError(t, c.Apply(&cmdbus.Event{
		Payload: cmdbus.Payload{"type": "SomethingElse"},
	}))
	assert.Equal(t, &calculator.Calculator{}, c)

	require.NoError(t, c.Apply(&cmdbus.Event{
		Payload: cmdbus.Payload{
			"type": calculator.NumbersSubtracted, "number1": 5, "number2": 7,
		},
	}))
	assert.Equal(t, &calculator.Calculator{Total: -2, Count: 1}, c)
}

func TestMakeHandler(t *testing.T) {
	var got greeting
	fn := cmdbus.MakeHandler(
		func(_ context.Context, _ *cmdbus.Event, g greeting) error {
			got = g
			return nil
		},
	)
	h := cmdbus.NewHandler("greeter", "main", fn)
	assert.Equal(t, "greeter", h.Name())
	assert.Equal(t, "main", h.Stream())

	err := h.Handle(context.Background(), &cmdbus.Event{
		Payload: cmdbus.Payload{"name": "alice", "times": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, greeting{Name: "alice", Times: 3}, got)

	err = h.Handle(context.Background(), &cmdbus.Event{
		Payload: cmdbus.Payload{"times": "lots"},
	})
	assert.Error(t, err)
}

func TestMakeDispatcher(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	fn := cmdbus.MakeDispatcher("kind", map[string]cmdbus.HandlerFunc{
		"hello": func(context.Context, *cmdbus.Event) error {
			calls = append(calls, "hello")
			return nil
		},
		"fail": func(context.Context, *cmdbus.Event) error {
			return boom
		},
	})

	ctx := context.Background()
	event := func(k, v string) *cmdbus.Event {
		return &cmdbus.Event{Payload: cmdbus.Payload{k: v}}
	}
	assert.NoError(t, fn(ctx, event("kind", "hello")))
	assert.NoError(t, fn(ctx, event("kind", "other")))
	assert.NoError(t, fn(ctx, event("type", "hello")))
	assert.ErrorIs(t, fn(ctx, event("kind", "fail")), boom)
	assert.Equal(t, []string{"hello"}, calls)
}
