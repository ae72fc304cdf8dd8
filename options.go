package cmdbus

import "go.uber.org/zap"

type (
	// Option configures the ambient dependencies of a component
	Option func(*options)

	options struct {
		tracer Tracer
		logger *zap.Logger
	}
)

// WithTracer sets the Tracer a component reports to
func WithTracer(t Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithLogger sets the logger a component writes to
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	o.tracer = orNopTracer(o.tracer)
	o.logger = orNopLogger(o.logger)
	return o
}
