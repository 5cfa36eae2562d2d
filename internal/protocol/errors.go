// internal/protocol/errors.go
package protocol

import (
	"errors"
	"strings"
)

// ProtocolErrorType classifies why a protocol call failed.
type ProtocolErrorType string

const (
	// ErrorTypeError is a regular error response from the engine.
	ErrorTypeError ProtocolErrorType = "error"
	// ErrorTypeClosed means the connection went away while the call was pending.
	ErrorTypeClosed ProtocolErrorType = "closed"
	// ErrorTypeCrashed means the target crashed while the call was pending.
	ErrorTypeCrashed ProtocolErrorType = "crashed"
)

// ProtocolError is a wire-level failure. Logs optionally carries the browser
// output captured during startup, which is what startup-log rewriting inspects.
type ProtocolError struct {
	Type    ProtocolErrorType
	Method  string
	Message string
	Code    int
	Logs    string
}

func (e *ProtocolError) Error() string {
	var b strings.Builder
	if e.Method != "" {
		b.WriteString("Protocol error (")
		b.WriteString(e.Method)
		b.WriteString("): ")
	} else {
		b.WriteString("Protocol error: ")
	}
	b.WriteString(e.Message)
	if e.Logs != "" {
		b.WriteString("\nBrowser logs:\n")
		b.WriteString(e.Logs)
	}
	return b.String()
}

// NewProtocolError builds an error from a failed response.
func NewProtocolError(method string, payload *ErrorPayload) *ProtocolError {
	msg := payload.Message
	if payload.Data != "" {
		msg += " " + payload.Data
	}
	return &ProtocolError{Type: ErrorTypeError, Method: method, Message: msg, Code: payload.Code}
}

// IsProtocolError reports whether err wraps a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// IsSessionClosed reports whether err means the remote side is gone.
func IsSessionClosed(err error) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Type == ErrorTypeClosed || pe.Type == ErrorTypeCrashed
	}
	var tc *TargetClosedError
	return errors.As(err, &tc)
}

// TargetClosedError is returned for operations issued against a disposed session.
type TargetClosedError struct {
	Reason string
}

func (e *TargetClosedError) Error() string {
	if e.Reason == "" {
		return "Target page, context or browser has been closed"
	}
	return "Target page, context or browser has been closed: " + e.Reason
}
