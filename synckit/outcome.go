package synckit

import "fmt"

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRetryable
	OutcomePermanent
	OutcomeConflict
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	case OutcomePermanent:
		return "permanent"
	case OutcomeConflict:
		return "conflict"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of one remote attempt:
// Success(T) | Retryable(reason) | Permanent(reason) | Conflict(serverState).
// Value holds the confirmed result for Success and the server state for
// Conflict. Err holds the reason for every variant except Success.
type Outcome[T any] struct {
	Kind  OutcomeKind
	Value T
	Err   error
}

func Success[T any](v T) Outcome[T] {
	return Outcome[T]{Kind: OutcomeSuccess, Value: v}
}

func Retryable[T any](reason error) Outcome[T] {
	return Outcome[T]{Kind: OutcomeRetryable, Err: reason}
}

func Permanent[T any](reason error) Outcome[T] {
	return Outcome[T]{Kind: OutcomePermanent, Err: reason}
}

func ConflictWith[T any](server T, reason error) Outcome[T] {
	return Outcome[T]{Kind: OutcomeConflict, Value: server, Err: reason}
}

// Reason returns a printable reason, empty for Success.
func (o Outcome[T]) Reason() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

func (o Outcome[T]) String() string {
	if o.Err == nil {
		return o.Kind.String()
	}
	return o.Kind.String() + ": " + o.Err.Error()
}
