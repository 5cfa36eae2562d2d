// internal/progress/errors.go
package progress

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TimeoutError is returned when a Progress deadline elapses first.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("Timeout %dms exceeded.", e.Timeout.Milliseconds())
	if e.Operation != "" {
		return e.Operation + ": " + msg
	}
	return msg
}

// AbortedError is observed by cooperative checks once a scope is aborted.
type AbortedError struct {
	Cause error
}

func (e *AbortedError) Error() string {
	if e.Cause == nil {
		return "Operation was aborted"
	}
	return "Operation was aborted: " + e.Cause.Error()
}

func (e *AbortedError) Unwrap() error { return e.Cause }

// LogError carries the log lines recorded by the scope that produced Err.
type LogError struct {
	Err  error
	Logs []string
}

func (e *LogError) Error() string {
	var b strings.Builder
	b.WriteString(e.Err.Error())
	b.WriteString("\nCall log:")
	for _, line := range e.Logs {
		b.WriteString("\n  - ")
		b.WriteString(line)
	}
	return b.String()
}

func (e *LogError) Unwrap() error { return e.Err }

// IsTimeout reports whether err stems from an elapsed Progress deadline.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

func attachLogs(err error, logs []string) error {
	if err == nil || len(logs) == 0 {
		return err
	}
	var le *LogError
	if errors.As(err, &le) {
		return err
	}
	return &LogError{Err: err, Logs: logs}
}
