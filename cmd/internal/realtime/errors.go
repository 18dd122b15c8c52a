package realtime

import (
	"errors"
	"fmt"
)

// Error taxonomy of the realtime core. Callers match with errors.Is.
var (
	// ErrAuthenticationFailed rejects a connection attempt before any state is touched.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAccessDenied is returned when a user is not a participant (or not present) in a conversation.
	ErrAccessDenied = errors.New("Access denied to conversation")

	// ErrPersistenceFailed aborts a send before anything is broadcast.
	ErrPersistenceFailed = errors.New("failed to persist message")

	// ErrNotificationFailed is logged and swallowed; it never reaches a client.
	ErrNotificationFailed = errors.New("offline notification failed")

	// ErrStoreUnavailable wraps read-side store failures (history, replay, receipts,
	// participant lookup).
	ErrStoreUnavailable = errors.New("message store unavailable")

	ErrInvalidRequest  = errors.New("invalid request")
	ErrInvalidMessage  = errors.New("invalid message")
	ErrMessageNotFound = errors.New("message not found")
	ErrSelfReceipt     = errors.New("cannot mark own message as read")

	// ErrBackpressure is returned when a client queue rejected an envelope.
	ErrBackpressure = errors.New("client queue full")

	// ErrEngineStopped is returned by operations submitted after the dispatch loop exited.
	ErrEngineStopped = errors.New("realtime engine stopped")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Err is the underlying cause, if any; it must never carry message content.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opErr(op string, kind, cause error) error {
	return &OpError{Op: op, Kind: kind, Err: cause}
}

// ErrorCode maps an error to the stable wire code and client-facing message of an error event.
func ErrorCode(err error) (code, message string) {
	switch {
	case err == nil:
		return "", ""
	case errors.Is(err, ErrAuthenticationFailed):
		return "unauthorized", "Authentication failed"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied", ErrAccessDenied.Error()
	case errors.Is(err, ErrPersistenceFailed):
		return "send_failed", "Failed to send message"
	case errors.Is(err, ErrSelfReceipt):
		return "invalid_receipt", "Cannot mark own message as read"
	case errors.Is(err, ErrMessageNotFound):
		return "not_found", "Message not found"
	case errors.Is(err, ErrInvalidMessage):
		var oe *OpError
		if errors.As(err, &oe) && oe.Err != nil {
			return "invalid_message", oe.Err.Error()
		}
		return "invalid_message", "Invalid message"
	case errors.Is(err, ErrInvalidRequest):
		return "bad_request", "Invalid request"
	case errors.Is(err, ErrStoreUnavailable):
		return "unavailable", "Temporarily unavailable"
	case errors.Is(err, ErrBackpressure):
		return "backpressure", "Too many pending events"
	default:
		return "internal", "Internal error"
	}
}
