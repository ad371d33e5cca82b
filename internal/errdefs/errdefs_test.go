package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrIntegrityMismatch, true},
		{ErrDecryptionFailed, true},
		{ErrPermissionDenied, true},
		{ErrResourceExhausted, false},
		{ErrWorkerExecution, false},
		{ErrDeviceUnavailable, false},
		{fmt.Errorf("block 3: %w", ErrIntegrityMismatch), true},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := Fatal(tt.err); got != tt.want {
			t.Errorf("Fatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{ErrResourceExhausted, true},
		{ErrRejected, true},
		{fmt.Errorf("pool empty: %w", ErrResourceExhausted), true},
		{ErrIntegrityMismatch, false},
		{ErrWorkerExecution, false},
	}
	for _, tt := range tests {
		if got := Retryable(tt.err); got != tt.want {
			t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{nil, codes.OK},
		{ErrPermissionDenied, codes.PermissionDenied},
		{ErrResourceExhausted, codes.ResourceExhausted},
		{ErrRejected, codes.ResourceExhausted},
		{ErrIntegrityMismatch, codes.DataLoss},
		{ErrDecryptionFailed, codes.DataLoss},
		{ErrDeviceUnavailable, codes.Unavailable},
		{ErrWorkerExecution, codes.Unavailable},
		{ErrSessionNotFound, codes.NotFound},
		{errors.New("unexpected"), codes.Internal},
		{fmt.Errorf("session abc: %w", ErrSessionNotFound), codes.NotFound},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestStatus(t *testing.T) {
	st := Status(fmt.Errorf("block 2: %w", ErrDecryptionFailed))
	if st.Code() != codes.DataLoss {
		t.Errorf("Status code = %v, want %v", st.Code(), codes.DataLoss)
	}
	if st.Message() == "" {
		t.Error("Status message is empty")
	}
	if got := Status(nil).Code(); got != codes.OK {
		t.Errorf("Status(nil) code = %v, want OK", got)
	}
}
