// Package errs defines the closed set of error kinds the coordinator can
// surface to a caller, and the mapping from a kind to the wire-level error
// code clients are expected to switch on.
package errs

import "fmt"

// Kind classifies an error for the purposes of the wire protocol and the
// dispatcher's propagation policy. A Kind never crosses a connection on its
// own; it is always translated to a Code first.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "notFound"
	KindCapacity      Kind = "capacity"
	KindAuthorization Kind = "authorization"
	KindRateLimited   Kind = "rateLimited"
	KindConflict      Kind = "conflict"
	KindBackend       Kind = "backend"
	KindInternal      Kind = "internal"
)

// Code is the wire-level string sent in an `error` event's `code` field.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	CodeSessionFull     Code = "SESSION_FULL"
	CodeMemberNotFound  Code = "MEMBER_NOT_FOUND"
	CodeInsufficient    Code = "INSUFFICIENT_ROLE"
	CodeNoPending       Code = "NO_PENDING_REQUEST"
	CodeRateLimited     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal        Code = "INTERNAL"
)

// Error is a coordinator-internal error carrying enough context to render
// the wire `error` event without the caller re-deriving it.
type Error struct {
	Kind    Kind
	Code    Code
	Message string
	// Extra carries the code-specific fields an error event may include:
	// requiredRole, currentRole, currentLeader, retryAfterMs. Left nil when
	// not applicable.
	Extra map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Validation(message string) *Error {
	return New(KindValidation, CodeValidation, message)
}

func SessionNotFound(sessionID string) *Error {
	return New(KindNotFound, CodeSessionNotFound, fmt.Sprintf("session %q not found", sessionID))
}

func MemberNotFound(connectionID string) *Error {
	return New(KindNotFound, CodeMemberNotFound, fmt.Sprintf("member %q not found", connectionID))
}

func SessionFull(sessionID string, maxMembers int) *Error {
	return New(KindCapacity, CodeSessionFull, fmt.Sprintf("session %q is at capacity (%d)", sessionID, maxMembers))
}

// Insufficient builds an INSUFFICIENT_ROLE error carrying the current
// leader's connection id, so the caller can re-read currentLeader without a
// round trip.
func Insufficient(currentLeader string) *Error {
	e := New(KindAuthorization, CodeInsufficient, "caller is not the current leader")
	e.Extra = map[string]any{"currentLeader": currentLeader}
	return e
}

func NoPendingRequest(sessionID, requesterID string) *Error {
	return New(KindConflict, CodeNoPending, fmt.Sprintf("no pending leader request from %q in session %q", requesterID, sessionID))
}

// RateLimited builds a RATE_LIMIT_EXCEEDED error carrying a retry-after
// duration in milliseconds.
func RateLimited(retryAfterMs int64) *Error {
	e := New(KindRateLimited, CodeRateLimited, "rate limit exceeded")
	e.Extra = map[string]any{"retryAfterMs": retryAfterMs}
	return e
}

// Internal wraps an unexpected error as INTERNAL. The cause's own error text
// becomes the message (or "internal error" when cause is nil), so it is
// carried to the client as-is.
func Internal(cause error) *Error {
	msg := "internal error"
	if cause != nil {
		msg = cause.Error()
	}
	return New(KindInternal, CodeInternal, msg)
}

// ErrBackendUnavailable is wrapped by RedisStore around every client error
// other than redis.Nil. StoreManager does not inspect it: fallback is
// triggered only by the manager's periodic HealthCheck, not by a failed
// operation.
var ErrBackendUnavailable = fmt.Errorf("store: backend unavailable")
