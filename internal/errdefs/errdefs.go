// Package errdefs defines the runtime error taxonomy and its mapping onto
// gRPC status codes for callers sitting behind the request-intake surface.
package errdefs

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	// ErrIntegrityMismatch means a block's ciphertext did not match the
	// manifest hash. Fatal for the block, never retried.
	ErrIntegrityMismatch = errors.New("block integrity mismatch")

	// ErrDecryptionFailed means a block's ciphertext could not be opened
	// with the provisioned key. Fatal for the block, never retried.
	ErrDecryptionFailed = errors.New("block decryption failed")

	// ErrPermissionDenied means the key provider refused to hand out a
	// block key. Fatal for the requesting session.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrResourceExhausted means a memory pool (pages or block budget)
	// could not satisfy an allocation. Recoverable: the caller retries.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrWorkerExecution means a worker failed a forward pass. Retried at
	// most once on a fallback device before the session aborts.
	ErrWorkerExecution = errors.New("worker execution error")

	// ErrDeviceUnavailable means a compute device went away. The worker is
	// taken offline and its in-flight tasks are reassigned.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrRejected means admission control refused a new session under
	// backpressure. Recoverable: the caller retries later.
	ErrRejected = errors.New("session rejected")

	// ErrSessionNotFound means the referenced session id is unknown.
	ErrSessionNotFound = errors.New("session not found")
)

// Fatal reports whether err terminates the affected block or session with no
// automatic retry.
func Fatal(err error) bool {
	return errors.Is(err, ErrIntegrityMismatch) ||
		errors.Is(err, ErrDecryptionFailed) ||
		errors.Is(err, ErrPermissionDenied)
}

// Retryable reports whether the caller may retry later (backpressure class).
func Retryable(err error) bool {
	return errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrRejected)
}

// Code maps a runtime error onto the gRPC status code the external surface
// reports. Backpressure maps to ResourceExhausted so callers treat it as
// retryable rather than an internal fault.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case errors.Is(err, ErrPermissionDenied):
		return codes.PermissionDenied
	case errors.Is(err, ErrResourceExhausted), errors.Is(err, ErrRejected):
		return codes.ResourceExhausted
	case errors.Is(err, ErrIntegrityMismatch), errors.Is(err, ErrDecryptionFailed):
		return codes.DataLoss
	case errors.Is(err, ErrDeviceUnavailable), errors.Is(err, ErrWorkerExecution):
		return codes.Unavailable
	case errors.Is(err, ErrSessionNotFound):
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// Status wraps err into a gRPC status with the mapped code.
func Status(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}
	return status.New(Code(err), err.Error())
}
