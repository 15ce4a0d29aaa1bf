package errors

import (
	"errors"
)

// Op marks a builder argument as an operation name.
type Op string

// Component marks a builder argument as a component name.
type Component string

// E builds a SyncError from its arguments. Recognised argument types are
// Op, Operation, Component, Kind, ErrorCode, error and string (used as the
// message when no error is given). If an error argument is already a
// SyncError, unset fields are inherited from it.
func E(args ...interface{}) error {
	e := &SyncError{}
	for _, arg := range args {
		switch a := arg.(type) {
		case Op:
			e.Op = Operation(a)
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case *SyncError:
			e.Err = a
		case error:
			e.Err = a
		case string:
			if e.Err == nil {
				e.Err = errors.New(a)
			}
		}
	}

	var inner *SyncError
	if errors.As(e.Err, &inner) {
		if e.Kind == "" {
			e.Kind = inner.Kind
		}
		if e.Code == "" {
			e.Code = inner.Code
		}
		e.Retryable = inner.Retryable
	}
	if e.Kind == KindRetryableRemote {
		e.Retryable = true
	}
	return e
}

// WrapOpComponent provides a convenience helper to wrap errors with consistent Op and Component propagation.
// If err is nil, returns nil.
func WrapOpComponent(err error, op, component string) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), err)
}

// WrapOpComponentKind provides a convenience helper to wrap errors with Op, Component, and Kind.
// If err is nil, returns nil.
func WrapOpComponentKind(err error, op, component string, kind Kind) error {
	if err == nil {
		return nil
	}
	return E(Op(op), Component(component), kind, err)
}
