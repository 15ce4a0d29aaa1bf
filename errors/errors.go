// Package errors provides the structured error type shared by the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine readable code for a specific failure condition.
type ErrorCode string

const (
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeRemoteRetryable   ErrorCode = "REMOTE_RETRYABLE"
	ErrCodeRemotePermanent   ErrorCode = "REMOTE_PERMANENT"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeTimeout           ErrorCode = "TIMEOUT"
	ErrCodeCredential        ErrorCode = "CREDENTIAL_INVALID"
	ErrCodeNotFound          ErrorCode = "NOT_FOUND"
	ErrCodeClosed            ErrorCode = "CLOSED"
)

// Kind classifies an error into the engine's failure taxonomy.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindRetryableRemote Kind = "retryable_remote"
	KindPermanentRemote Kind = "permanent_remote"
	KindConflict        Kind = "conflict"
	KindStorage         Kind = "storage"
	KindNotFound        Kind = "not_found"
	KindClosed          Kind = "closed"
)

// Operation names the operation that failed.
type Operation string

const (
	OpRead       Operation = "read"
	OpWrite      Operation = "write"
	OpQuery      Operation = "query"
	OpUpsert     Operation = "upsert"
	OpDelete     Operation = "delete"
	OpEnqueue    Operation = "enqueue"
	OpTransition Operation = "transition"
	OpApply      Operation = "apply"
	OpFetch      Operation = "fetch"
	OpPull       Operation = "pull"
	OpDrain      Operation = "drain"
	OpResolve    Operation = "conflict_resolve"
	OpStore      Operation = "store"
	OpLoad       Operation = "load"
	OpTransport  Operation = "transport"
	OpConfig     Operation = "config"
	OpClose      Operation = "close"
)

// MetaServerState is the metadata key holding the remote entity carried by a conflict.
const MetaServerState = "server_state"

// MetaStatusCode is the metadata key holding the HTTP status of a remote rejection.
const MetaStatusCode = "status_code"

// SyncError represents an error raised anywhere in the sync engine.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "storage/sqlite", "httptransport")
	Component string

	// Kind places the error in the failure taxonomy
	Kind Kind

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the specific condition
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// WithMetadata attaches a key/value pair and returns the same error.
func (e *SyncError) WithMetadata(key string, value interface{}) *SyncError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// NewValidationError reports malformed caller input.
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code: ErrCodeValidationFailure,
		Kind: KindValidation,
		Op:   op,
		Err:  cause,
	}
}

// NewRetryableRemoteError reports a transient network or server condition.
func NewRetryableRemoteError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeRemoteRetryable,
		Kind:      KindRetryableRemote,
		Op:        op,
		Component: "remote",
		Err:       cause,
		Retryable: true,
	}
}

// NewPermanentRemoteError reports a rejection by the remote service.
func NewPermanentRemoteError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeRemotePermanent,
		Kind:      KindPermanentRemote,
		Op:        op,
		Component: "remote",
		Err:       cause,
	}
}

// NewConflictError reports divergent local and remote state. server is the
// remote's current entity and may be nil when the remote did not return it.
func NewConflictError(op Operation, cause error, server interface{}) *SyncError {
	e := &SyncError{
		Code:      ErrCodeConflictFailure,
		Kind:      KindConflict,
		Op:        op,
		Component: "sync",
		Err:       cause,
	}
	if server != nil {
		e.WithMetadata(MetaServerState, server)
	}
	return e
}

// NewStorageError reports a local persistence failure. Storage errors are
// never retried automatically.
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Kind:      KindStorage,
		Op:        op,
		Component: "store",
		Err:       cause,
	}
}

// NewNetworkError creates a retryable transport failure.
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Kind:      KindRetryableRemote,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable SyncError
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Kind:      KindRetryableRemote,
		Err:       err,
		Retryable: true,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the kind of the outermost SyncError in the chain, or "" if
// err carries none.
func KindOf(err error) Kind {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}
	return ""
}

// IsKind reports whether err carries a SyncError of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ServerState returns the remote state attached to a conflict error.
func ServerState(err error) (interface{}, bool) {
	var syncErr *SyncError
	if !errors.As(err, &syncErr) || syncErr.Metadata == nil {
		return nil, false
	}
	v, ok := syncErr.Metadata[MetaServerState]
	return v, ok
}

// Is, As and Unwrap mirror the standard library so callers can import a
// single errors package.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target interface{}) bool { return errors.As(err, target) }

func Unwrap(err error) error { return errors.Unwrap(err) }

// Errorf is a shorthand for fmt.Errorf.
func Errorf(format string, args ...interface{}) error { return fmt.Errorf(format, args...) }
