// Package engineerr defines the abstract error kinds used across the runner
// orchestration engine so every layer can classify failures the same way.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error classification (§7).
type Kind string

const (
	// InvalidRequest covers caller-supplied input that is rejected outright:
	// inactive image, session length over the cap, unknown report state.
	InvalidRequest Kind = "INVALID_REQUEST"
	// ResourceNotFound covers a runner/image/connector that does not exist.
	// Termination and deletion treat this as success (idempotent).
	ResourceNotFound Kind = "RESOURCE_NOT_FOUND"
	// CloudTransient covers throttling, timeouts, and eventual-consistency
	// misses from the cloud provider. Retried internally with backoff.
	CloudTransient Kind = "CLOUD_TRANSIENT"
	// CloudAuth covers invalid credentials or denied permissions. Terminal
	// for the connector.
	CloudAuth Kind = "CLOUD_AUTH"
	// ProvisioningFailure covers a readiness pipeline stage failing after
	// retries are exhausted.
	ProvisioningFailure Kind = "PROVISIONING_FAILURE"
	// ScriptFailure covers bootstrap/claim/cleanup script failures.
	ScriptFailure Kind = "SCRIPT_FAILURE"
	// ConcurrencyConflict covers a conditional update losing the optimistic
	// concurrency race.
	ConcurrencyConflict Kind = "CONCURRENCY_CONFLICT"
)

// Error is the engine's machine-readable error type.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
