package main

import "errors"

// Operation error taxonomy. Validation errors are terminal for the call;
// timeout and storage_unavailable are transient and retryable by the caller
// with backoff. The coordinator itself never retries beyond the single
// transaction attempt.
var (
	ErrLoungeNotFound     = errors.New("lounge not found")
	ErrLoungeFull         = errors.New("lounge full")
	ErrNotAMember         = errors.New("not a member")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrInvalidName        = errors.New("invalid name")
	ErrTimeout            = errors.New("timeout")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// errorCode maps an operation error to its wire code. Anything outside the
// taxonomy is reported as storage_unavailable so clients never see raw
// internals.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrLoungeNotFound):
		return "lounge_not_found"
	case errors.Is(err, ErrLoungeFull):
		return "lounge_full"
	case errors.Is(err, ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "storage_unavailable"
	}
}
