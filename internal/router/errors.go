package router

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind categorizes a failed tool invocation. A capability denial
// is a distinct kind from an infrastructure failure so a caller can
// always tell "the system denied the action" from "the system broke".
type ErrorKind string

const (
	// ErrorToolNotFound indicates no connected server advertises the tool.
	ErrorToolNotFound ErrorKind = "tool_not_found"

	// ErrorCapabilityDenied indicates the policy engine denied a
	// capability the tool requires. The tool was never invoked.
	ErrorCapabilityDenied ErrorKind = "capability_denied"

	// ErrorSchemaMismatch indicates the arguments failed structural
	// validation against the tool's input schema.
	ErrorSchemaMismatch ErrorKind = "schema_mismatch"

	// ErrorTimeout indicates the call exceeded its deadline or was
	// cancelled mid-flight.
	ErrorTimeout ErrorKind = "timeout"

	// ErrorConnectionFailed indicates the owning server connection is
	// unusable (subprocess died, not ready, closed).
	ErrorConnectionFailed ErrorKind = "connection_failed"
)

// Error is a structured tool invocation failure.
type Error struct {
	Kind       ErrorKind
	Tool       string
	ToolCallID string

	// Capability and Target are set for capability denials.
	Capability string
	Target     string

	// Reason is the human-readable explanation.
	Reason string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Tool != "" {
		parts = append(parts, e.Tool)
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf extracts the error kind, or "" for non-router errors.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// IsCapabilityDenied reports whether err is a policy denial rather
// than an infrastructure failure.
func IsCapabilityDenied(err error) bool {
	return KindOf(err) == ErrorCapabilityDenied
}
