package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no live session matches a call id.
	ErrNotFound = errors.New("session not found")
	// ErrSessionTerminal is returned when work arrives for an ended or failed session.
	ErrSessionTerminal = errors.New("session is no longer active")
)

// TransportError covers connection drops, malformed frames and handshake rejections.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// UpstreamError is a failure reported by, or while talking to, the speech engine.
type UpstreamError struct {
	Type    string
	Code    string
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("upstream %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("upstream %s: %s", e.Type, e.Message)
}

// ToolExecutionError wraps a backend failure during a tool invocation.
type ToolExecutionError struct {
	Tool string
	Err  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }

// ValidationError rejects a request before any session state is touched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotificationError is an admin alert delivery failure. It is only ever logged.
type NotificationError struct {
	Sink string
	Err  error
}

func (e *NotificationError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Sink, e.Err)
}

func (e *NotificationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
