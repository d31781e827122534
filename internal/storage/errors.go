package storage

import (
	"errors"
	"fmt"
)

// Stable machine-readable error codes. API responses and job error details
// carry these codes; backend-identifying detail stays in server logs.
const (
	CodeBackendUnavailable    = "BACKEND_UNAVAILABLE"
	CodeCapabilityUnsupported = "CAPABILITY_UNSUPPORTED"
	CodeNotFound              = "NOT_FOUND"
	CodePermissionDenied      = "PERMISSION_DENIED"
	CodePathEscape            = "PATH_ESCAPE"
	CodeSafetyGateClosed      = "MOUNT_ARCHIVE_EXTRACT_UNSAFE"
	CodeArchiveUnreadable     = "ARCHIVE_UNREADABLE"
)

// Error is a storage error with a stable code and a user-safe message.
// The wrapped cause may carry backend detail and is for logs only.
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by code, so errors.Is works across wrapped instances.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Sentinel values for errors.Is checks.
var (
	ErrBackendUnavailable    = &Error{Code: CodeBackendUnavailable, Message: "storage backend unavailable"}
	ErrCapabilityUnsupported = &Error{Code: CodeCapabilityUnsupported, Message: "operation not supported on this storage"}
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "not found"}
	ErrPermissionDenied      = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrPathEscape            = &Error{Code: CodePathEscape, Message: "archive entry escapes the destination"}
	ErrSafetyGateClosed      = &Error{Code: CodeSafetyGateClosed, Message: "archive extraction to this storage location is disabled by the server configuration"}
	ErrArchiveUnreadable     = &Error{Code: CodeArchiveUnreadable, Message: "archive cannot be read"}
)

// Unavailable wraps a transient backend failure.
func Unavailable(err error) *Error {
	return &Error{Code: CodeBackendUnavailable, Message: "storage backend unavailable", Err: err}
}

// Unsupported reports a missing capability for the named operation.
func Unsupported(op string) *Error {
	return &Error{Code: CodeCapabilityUnsupported, Message: fmt.Sprintf("%s is not supported on this storage", op)}
}

// NotFoundKey reports a missing object. The key is safe to surface; it never
// contains file content.
func NotFoundKey(key string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("object %q not found", key)}
}

// Denied wraps a backend permission failure.
func Denied(err error) *Error {
	return &Error{Code: CodePermissionDenied, Message: "permission denied", Err: err}
}

// Unreadable wraps an archive parse/validation failure with a user-safe reason.
func Unreadable(reason string, err error) *Error {
	return &Error{Code: CodeArchiveUnreadable, Message: reason, Err: err}
}

// IsRetryable reports whether the failure class is worth re-submitting.
// Safety refusals and capability gaps are configuration problems, not blips.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

// CodeOf extracts the stable code from err, or empty if err carries none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
