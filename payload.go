package cmdbus

import "encoding/json"

type (
	// Applier folds a decoded event body into a Model
	Applier[M any] func(M, *Event) error

	// Appliers routes events to Appliers by a payload discriminator value
	Appliers[M any] map[string]Applier[M]
)

// DefaultDiscriminator is the payload field used to route events by kind
const DefaultDiscriminator = "type"

// Decode converts a Payload into a typed value through its JSON form
func Decode[T any](p Payload) (T, error) {
	var res T
	data, err := json.Marshal(p)
	if err != nil {
		return res, err
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return res, err
	}
	return res, nil
}

// Encode converts a typed value into a Payload through its JSON form
func Encode(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var res Payload
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// MakeApplier adapts a typed function into an Applier
func MakeApplier[M, Data any](fn func(M, *Event, Data) error) Applier[M] {
	return func(m M, ev *Event) error {
		data, err := Decode[Data](ev.Payload)
		if err != nil {
			return err
		}
		return fn(m, ev, data)
	}
}

// Apply routes ev to the Applier named by its discriminator field. Events
// of unknown kinds are ignored
func (a Appliers[M]) Apply(m M, ev *Event) error {
	kind, _ := ev.Payload[DefaultDiscriminator].(string)
	if fn, ok := a[kind]; ok {
		return fn(m, ev)
	}
	return nil
}
