package cmdbus

import (
	"encoding/json"
	"strconv"
)

type (
	// Actor identifies who issues a command. All fields are required, though
	// Roles may be an empty set
	Actor struct {
		ID     string   `json:"id"`
		Name   string   `json:"name"`
		Tenant string   `json:"tenant"`
		Roles  []string `json:"roles"`
	}

	// Payload is the free-form body of a command or an event
	Payload map[string]any

	// Event is a committed event record as persisted in a tenant stream
	Event struct {
		CommitterID   string
		Command       string
		AggregateType string
		AggregateID   string

		// Version is the zero-padded post-commit aggregate version
		Version string

		// Position is the event's place in its tenant stream
		Position int64
		Payload  Payload
	}
)

// AnyVersion is the expected version sentinel meaning "not specified"
const AnyVersion int64 = -1

const (
	fieldCommitter     = "_u"
	fieldCommand       = "_c"
	fieldAggregateType = "_t"
	fieldAggregateID   = "_a"
	fieldVersion       = "_v"
	fieldPosition      = "_version_"
)

var reservedFields = map[string]bool{
	fieldCommitter:     true,
	fieldCommand:       true,
	fieldAggregateType: true,
	fieldAggregateID:   true,
	fieldVersion:       true,
	fieldPosition:      true,
}

func (a Actor) validate() error {
	switch {
	case a.ID == "":
		return missingArgument("actor.id")
	case a.Name == "":
		return missingArgument("actor.name")
	case a.Tenant == "":
		return missingArgument("actor.tenant")
	case a.Roles == nil:
		return missingArgument("actor.roles")
	}
	return nil
}

// HasRole reports whether the actor carries the given role
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AggregateVersion parses the padded Version back into an integer
func (e *Event) AggregateVersion() (int64, error) {
	return strconv.ParseInt(e.Version, 10, 64)
}

// MarshalJSON flattens the record header and the payload into one object
func (e *Event) MarshalJSON() ([]byte, error) {
	fields := e.bodyFields()
	fields[fieldPosition] = e.Position
	return json.Marshal(fields)
}

// UnmarshalJSON splits a flattened event object into header and payload
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	header := []struct {
		key    string
		target any
	}{
		{fieldCommitter, &e.CommitterID},
		{fieldCommand, &e.Command},
		{fieldAggregateType, &e.AggregateType},
		{fieldAggregateID, &e.AggregateID},
		{fieldVersion, &e.Version},
		{fieldPosition, &e.Position},
	}
	for _, h := range header {
		if v, ok := raw[h.key]; ok {
			if err := json.Unmarshal(v, h.target); err != nil {
				return err
			}
		}
	}

	e.Payload = Payload{}
	for k, v := range raw {
		if reservedFields[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return err
		}
		e.Payload[k] = val
	}
	return nil
}

// bodyFields returns every persisted field except the stream position, which
// some stores only learn while committing
func (e *Event) bodyFields() map[string]any {
	fields := make(map[string]any, len(e.Payload)+6)
	for k, v := range e.Payload {
		fields[k] = v
	}
	fields[fieldCommitter] = e.CommitterID
	fields[fieldCommand] = e.Command
	fields[fieldAggregateType] = e.AggregateType
	fields[fieldAggregateID] = e.AggregateID
	fields[fieldVersion] = e.Version
	return fields
}

// Clone returns a shallow copy of the payload map
func (p Payload) Clone() Payload {
	res := make(Payload, len(p))
	for k, v := range p {
		res[k] = v
	}
	return res
}
