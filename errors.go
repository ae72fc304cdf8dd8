package cmdbus

import (
	"errors"
	"fmt"
)

type (
	// ConcurrencyError is returned when another commit advanced an aggregate
	// past the version a command was computed against. Callers may reload and
	// retry
	ConcurrencyError struct {
		AggregateType   string
		AggregateID     string
		ExpectedVersion int64
		ActualVersion   int64
	}
)

var (
	// ErrMissingArguments indicates a required argument was absent
	ErrMissingArguments = errors.New("missing arguments")

	// ErrInvalidArguments indicates an unknown command, type, or argument
	ErrInvalidArguments = errors.New("invalid arguments")

	// ErrPrecondition indicates misconfiguration or an exhausted limit
	ErrPrecondition = errors.New("precondition error")

	// ErrConcurrency indicates an optimistic lock was lost
	ErrConcurrency = errors.New("concurrency error")

	// ErrNotImplemented indicates a contract method has no implementation
	ErrNotImplemented = errors.New("not implemented")
)

// unknownVersion marks a ConcurrencyError whose durable version was not read
const unknownVersion int64 = -2

func missingArgument(name string) error {
	return fmt.Errorf("%w: %s", ErrMissingArguments, name)
}

func invalidArgument(format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%w: %s", ErrInvalidArguments, msg)
}

func preconditionError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}

func errFlushInDelivery() error {
	return preconditionError("flush called from inside a live delivery")
}

// UnknownCommand is returned by a Model that receives a command it does not
// handle
func UnknownCommand(name string) error {
	return invalidArgument("command %s not found", name)
}

// NotImplemented reports a missing contract method by name
func NotImplemented(method string) error {
	return fmt.Errorf("%w: %s", ErrNotImplemented, method)
}

func (e *ConcurrencyError) Error() string {
	if e.ActualVersion == unknownVersion {
		return fmt.Sprintf(
			"concurrency error: %s %s advanced past version %d",
			e.AggregateType, e.AggregateID, e.ExpectedVersion,
		)
	}
	return fmt.Sprintf(
		"concurrency error: %s %s expected version %d, but at %d",
		e.AggregateType, e.AggregateID, e.ExpectedVersion, e.ActualVersion,
	)
}

// Is lets errors.Is match the ErrConcurrency sentinel
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrency
}
