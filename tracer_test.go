package cmdbus_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kode4food/cmdbus"
	"github.com/kode4food/cmdbus/examples/calculator"
)

func countingThunk(calls *int) func() cmdbus.Record {
	return func() cmdbus.Record {
		*calls++
		return cmdbus.Record{
			Method: cmdbus.TraceCommand,
			Fields: map[string]any{"command": "Test", "tenant": "t"},
		}
	}
}

func TestNopTracerIsLazy(t *testing.T) {
	calls := 0
	cmdbus.NopTracer().Trace(countingThunk(&calls))
	assert.Equal(t, 0, calls)
}

func TestZapTracer(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	calls := 0
	cmdbus.NewZapTracer(zap.New(core)).Trace(countingThunk(&calls))

	assert.Equal(t, 1, calls)
	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, cmdbus.TraceCommand, fields["method"])
	assert.Equal(t, "Test", fields["command"])

	quiet, logs := observer.New(zapcore.InfoLevel)
	cmdbus.NewZapTracer(zap.New(quiet)).Trace(countingThunk(&calls))
	assert.Equal(t, 1, calls)
	assert.Zero(t, logs.Len())
}

func TestMultiTracerEvaluatesOnce(t *testing.T) {
	var seen []string
	record := func(name string) cmdbus.Tracer {
		return cmdbus.TracerFunc(func(fn func() cmdbus.Record) {
			seen = append(seen, name+":"+fn().Method)
		})
	}

	calls := 0
	tracer := cmdbus.MultiTracer(record("a"), nil, record("b"), cmdbus.NopTracer())
	tracer.Trace(countingThunk(&calls))

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"a:command", "b:command"}, seen)
}

func TestMetricsTracer(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := cmdbus.NewMetricsTracer(reg)
	require.NoError(t, err)

	_, err = cmdbus.NewMetricsTracer(reg)
	assert.Error(t, err)

	bus, err := cmdbus.NewBus(
		cmdbus.DefaultConfig(), newCountingStore(t),
		[]*cmdbus.AggregateType{calculator.NewType()},
		cmdbus.WithTracer(metrics),
	)
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	ag := addNumbers(t, bus, "", 1, 2)
	addNumbers(t, bus, ag.ID(), 1, 2)

	bad := newRecorder("broken", calculator.StreamName)
	bad.fail.Store(true)
	_, err = bus.Poll(context.Background(), actor1.Tenant,
		calculator.StreamName, []cmdbus.EventHandler{bad}, 0,
	)
	assert.ErrorIs(t, err, errHandlerFailed)

	expected := `
# HELP cmdbus_events_committed_total Total number of committed events by aggregate type
# TYPE cmdbus_events_committed_total counter
cmdbus_events_committed_total{aggregate_type="calculator"} 2
# HELP cmdbus_handler_errors_total Total number of failed event deliveries by handler
# TYPE cmdbus_handler_errors_total counter
cmdbus_handler_errors_total{handler="broken"} 1
# HELP cmdbus_trace_records_total Total number of traced steps by method
# TYPE cmdbus_trace_records_total counter
cmdbus_trace_records_total{method="command"} 2
cmdbus_trace_records_total{method="commitEvents"} 2
cmdbus_trace_records_total{method="handleEvent"} 1
cmdbus_trace_records_total{method="handlerError"} 1
cmdbus_trace_records_total{method="loadAggregate"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg,
		strings.NewReader(expected),
		"cmdbus_events_committed_total",
		"cmdbus_handler_errors_total",
		"cmdbus_trace_records_total",
	))
}
