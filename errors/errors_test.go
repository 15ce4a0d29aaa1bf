package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		component string
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpUpsert,
			component: "store",
			code:      ErrCodeStorageFailure,
			err:       fmt.Errorf("disk full"),
			want:      "upsert operation failed in store component [STORAGE_FAILURE]: disk full",
		},
		{
			name:      "with component no code",
			op:        OpApply,
			component: "remote",
			err:       fmt.Errorf("connection reset"),
			want:      "apply operation failed in remote component: connection reset",
		},
		{
			name: "without component with code",
			op:   OpEnqueue,
			code: ErrCodeValidationFailure,
			err:  fmt.Errorf("entity id is required"),
			want: "enqueue operation failed [VALIDATION_FAILURE]: entity id is required",
		},
		{
			name: "without component or code",
			op:   OpRead,
			err:  fmt.Errorf("boom"),
			want: "read operation failed: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &SyncError{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
			}

			if got := e.Error(); got != tt.want {
				t.Errorf("SyncError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaxonomyConstructors(t *testing.T) {
	cause := fmt.Errorf("cause")

	tests := []struct {
		name      string
		err       *SyncError
		kind      Kind
		code      ErrorCode
		retryable bool
	}{
		{"validation", NewValidationError(OpWrite, cause), KindValidation, ErrCodeValidationFailure, false},
		{"retryable remote", NewRetryableRemoteError(OpApply, cause), KindRetryableRemote, ErrCodeRemoteRetryable, true},
		{"permanent remote", NewPermanentRemoteError(OpApply, cause), KindPermanentRemote, ErrCodeRemotePermanent, false},
		{"conflict", NewConflictError(OpApply, cause, nil), KindConflict, ErrCodeConflictFailure, false},
		{"storage", NewStorageError(OpUpsert, cause), KindStorage, ErrCodeStorageFailure, false},
		{"network", NewNetworkError(OpTransport, cause), KindRetryableRemote, ErrCodeNetworkFailure, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.kind)
			}
			if tt.err.Code != tt.code {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.code)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
			if tt.err.Err != cause {
				t.Errorf("Err = %v, want %v", tt.err.Err, cause)
			}
		})
	}
}

func TestConflictErrorCarriesServerState(t *testing.T) {
	server := map[string]int{"version": 4}
	err := fmt.Errorf("wrapped: %w", NewConflictError(OpApply, fmt.Errorf("version mismatch"), server))

	got, ok := ServerState(err)
	if !ok {
		t.Fatal("expected server state on conflict error")
	}
	if got.(map[string]int)["version"] != 4 {
		t.Errorf("server state = %v", got)
	}
	if !IsKind(err, KindConflict) {
		t.Errorf("IsKind(conflict) = false")
	}

	if _, ok := ServerState(NewConflictError(OpApply, fmt.Errorf("x"), nil)); ok {
		t.Error("nil server state must not be attached")
	}
}

func TestSyncError_Unwrap(t *testing.T) {
	originalErr := fmt.Errorf("original error")
	e := &SyncError{
		Op:  OpQuery,
		Err: originalErr,
	}

	if unwrapped := e.Unwrap(); unwrapped != originalErr {
		t.Errorf("SyncError.Unwrap() = %v, want %v", unwrapped, originalErr)
	}
	if !errors.Is(e, originalErr) {
		t.Error("errors.Is should find the wrapped error")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "retryable sync error",
			err:  NewRetryable(OpApply, fmt.Errorf("temporary error")),
			want: true,
		},
		{
			name: "non-retryable sync error",
			err:  New(OpApply, fmt.Errorf("permanent error")),
			want: false,
		},
		{
			name: "non-sync error",
			err:  fmt.Errorf("regular error"),
			want: false,
		},
		{
			name: "wrapped retryable error",
			err:  fmt.Errorf("wrapped: %w", NewRetryableRemoteError(OpApply, fmt.Errorf("temporary"))),
			want: true,
		},
		{
			name: "storage errors are not retried",
			err:  NewStorageError(OpUpsert, fmt.Errorf("corrupt")),
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestE(t *testing.T) {
	t.Run("collects fields", func(t *testing.T) {
		err := E(Op("sqlite.Upsert"), Component("storage/sqlite"), KindStorage, ErrCodeStorageFailure, fmt.Errorf("disk I/O"))
		var se *SyncError
		if !errors.As(err, &se) {
			t.Fatalf("expected *SyncError, got %T", err)
		}
		if se.Op != "sqlite.Upsert" || se.Component != "storage/sqlite" {
			t.Errorf("op/component = %q/%q", se.Op, se.Component)
		}
		if se.Kind != KindStorage || se.Code != ErrCodeStorageFailure {
			t.Errorf("kind/code = %q/%q", se.Kind, se.Code)
		}
	})

	t.Run("inherits from wrapped SyncError", func(t *testing.T) {
		inner := NewRetryableRemoteError(OpApply, fmt.Errorf("503"))
		err := E(Op("httptransport.Update"), Component("httptransport"), inner)
		if !IsRetryable(err) {
			t.Error("retryable flag should propagate")
		}
		if KindOf(err) != KindRetryableRemote {
			t.Errorf("KindOf = %q", KindOf(err))
		}
	})

	t.Run("string becomes message", func(t *testing.T) {
		err := E(Op("x"), "something broke")
		if err.Error() != "x operation failed: something broke" {
			t.Errorf("Error() = %q", err.Error())
		}
	})
}

func TestWrapOpComponent(t *testing.T) {
	if WrapOpComponent(nil, "a", "b") != nil {
		t.Fatal("nil error must stay nil")
	}

	err := WrapOpComponentKind(fmt.Errorf("no rows"), "memory.Get", "storage/memory", KindNotFound)
	if !IsKind(err, KindNotFound) {
		t.Errorf("kind not propagated: %v", err)
	}
	var se *SyncError
	if !errors.As(err, &se) || se.Component != "storage/memory" {
		t.Errorf("component not set: %v", err)
	}
}
