package cmdbus

import "context"

type (
	// EventHandler consumes the events of one stream. Its Name identifies
	// its durable cursor, so it must be stable across restarts
	EventHandler interface {
		Name() string
		Stream() string
		Handle(context.Context, *Event) error
	}

	// HandlerFunc is the function form of EventHandler.Handle
	HandlerFunc func(context.Context, *Event) error

	namedHandler struct {
		fn     HandlerFunc
		name   string
		stream string
	}
)

// NewHandler binds fn to a handler name and the stream it consumes
func NewHandler(name, stream string, fn HandlerFunc) EventHandler {
	return &namedHandler{
		name:   name,
		stream: stream,
		fn:     fn,
	}
}

func (h *namedHandler) Name() string {
	return h.name
}

func (h *namedHandler) Stream() string {
	return h.stream
}

func (h *namedHandler) Handle(ctx context.Context, ev *Event) error {
	return h.fn(ctx, ev)
}

// MakeHandler decodes the event payload into T before calling fn
func MakeHandler[T any](
	fn func(ctx context.Context, ev *Event, data T) error,
) HandlerFunc {
	return func(ctx context.Context, ev *Event) error {
		data, err := Decode[T](ev.Payload)
		if err != nil {
			return err
		}
		return fn(ctx, ev, data)
	}
}

// MakeDispatcher routes events by the string value of a payload field.
// Events without a matching handler are skipped
func MakeDispatcher(
	field string, handlers map[string]HandlerFunc,
) HandlerFunc {
	if field == "" {
		field = DefaultDiscriminator
	}
	return func(ctx context.Context, ev *Event) error {
		kind, _ := ev.Payload[field].(string)
		if fn, ok := handlers[kind]; ok {
			return fn(ctx, ev)
		}
		return nil
	}
}
