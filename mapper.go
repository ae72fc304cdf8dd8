package cmdbus

// CommandMapper resolves a command name to the AggregateType declaring it. It
// is read-only once built
type CommandMapper struct {
	types    map[string]*AggregateType
	commands map[string]*AggregateType
}

// NewCommandMapper validates the aggregate types and indexes their commands.
// A command declared by two types is a registration error
func NewCommandMapper(types ...*AggregateType) (*CommandMapper, error) {
	m := &CommandMapper{
		types:    map[string]*AggregateType{},
		commands: map[string]*AggregateType{},
	}
	for _, typ := range types {
		if err := typ.validate(); err != nil {
			return nil, err
		}
		if _, ok := m.types[typ.Name]; ok {
			return nil, preconditionError("%s registered twice", typ.Name)
		}
		m.types[typ.Name] = typ
		for _, cmd := range typ.Commands {
			if cmd == "" {
				return nil, preconditionError(
					"%s declares an empty command", typ.Name,
				)
			}
			if prev, ok := m.commands[cmd]; ok {
				return nil, preconditionError(
					"command %s declared by both %s and %s",
					cmd, prev.Name, typ.Name,
				)
			}
			m.commands[cmd] = typ
		}
	}
	return m, nil
}

// Map returns the AggregateType that handles the command
func (m *CommandMapper) Map(command string) (*AggregateType, error) {
	typ, ok := m.commands[command]
	if !ok {
		return nil, UnknownCommand(command)
	}
	return typ, nil
}

// Type returns a registered AggregateType by name
func (m *CommandMapper) Type(name string) (*AggregateType, error) {
	typ, ok := m.types[name]
	if !ok {
		return nil, invalidArgument("aggregate type %s not found", name)
	}
	return typ, nil
}

// Types returns the registered aggregate types
func (m *CommandMapper) Types() []*AggregateType {
	res := make([]*AggregateType, 0, len(m.types))
	for _, typ := range m.types {
		res = append(res, typ)
	}
	return res
}
