package cmdbus

import (
	"sort"

	"go.uber.org/zap"
)

type (
	// Record is a diagnostic record. Method names the traced step; Fields
	// carries its context
	Record struct {
		Method string
		Fields map[string]any
	}

	// Tracer receives lazily constructed diagnostic records. Implementations
	// decide whether to evaluate the thunk and must not panic
	Tracer interface {
		Trace(func() Record)
	}

	// TracerFunc adapts a function into a Tracer
	TracerFunc func(func() Record)

	nopTracer struct{}

	multiTracer []Tracer

	zapTracer struct {
		log *zap.Logger
	}
)

// Traced method names
const (
	TraceCommand       = "command"
	TraceLoadAggregate = "loadAggregate"
	TraceLoadEvent     = "loadEvent"
	TraceCommitEvents  = "commitEvents"
	TraceHandleEvent   = "handleEvent"
	TraceHandlerError  = "handlerError"
)

// NopTracer returns a Tracer that never evaluates its thunks
func NopTracer() Tracer {
	return nopTracer{}
}

// MultiTracer fans records out to every non-nil tracer
func MultiTracer(tracers ...Tracer) Tracer {
	res := make(multiTracer, 0, len(tracers))
	for _, t := range tracers {
		if t != nil {
			res = append(res, t)
		}
	}
	return res
}

// NewZapTracer writes every record to log at debug level. Thunks are only
// evaluated when debug logging is enabled
func NewZapTracer(log *zap.Logger) Tracer {
	return &zapTracer{log: log}
}

func (nopTracer) Trace(func() Record) {}

func (f TracerFunc) Trace(fn func() Record) {
	f(fn)
}

func (m multiTracer) Trace(fn func() Record) {
	var (
		rec  Record
		done bool
	)
	once := func() Record {
		if !done {
			rec = fn()
			done = true
		}
		return rec
	}
	for _, t := range m {
		t.Trace(once)
	}
}

func (t *zapTracer) Trace(fn func() Record) {
	ce := t.log.Check(zap.DebugLevel, "trace")
	if ce == nil {
		return
	}
	rec := fn()
	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]zap.Field, 0, len(keys)+1)
	fields = append(fields, zap.String("method", rec.Method))
	for _, k := range keys {
		fields = append(fields, zap.Any(k, rec.Fields[k]))
	}
	ce.Write(fields...)
}

func orNopTracer(t Tracer) Tracer {
	if t == nil {
		return NopTracer()
	}
	return t
}

func orNopLogger(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
