// Package errs defines the error taxonomy shared by the ingest pipeline and
// the HTTP surface. Errors are classified at component boundaries and
// re-wrapped with an operation tag so the retry engine and the edge can make
// policy decisions without string matching.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation policy.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindNotFound            Kind = "not_found"
	KindRateLimited         Kind = "rate_limited"
	KindTransient           Kind = "transient"
	KindValidationFailure   Kind = "validation_failure"
	KindInsufficientSources Kind = "insufficient_sources"
	KindConfiguration       Kind = "configuration"
	KindConnectionFailed    Kind = "connection_failed"
	KindInvalidSymbol       Kind = "invalid_symbol"
	KindAuthFailure         Kind = "auth_failure"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// Severity grades validation and alerting errors.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error carries a kind, the operation that produced it, and the original cause.
type Error struct {
	Kind      Kind
	Severity  Severity
	Operation string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Operation, msg, e.Kind)
	}
	return fmt.Sprintf("%s (%s)", msg, e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates a classified error without a cause.
func New(kind Kind, operation, message string) *Error {
	return &Error{Kind: kind, Severity: severityFor(kind), Operation: operation, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, operation, format string, args ...interface{}) *Error {
	return New(kind, operation, fmt.Sprintf(format, args...))
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, operation string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Severity: severityFor(kind), Operation: operation, Cause: cause}
}

// WithSeverity overrides the default severity mapping.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

func severityFor(kind Kind) Severity {
	switch kind {
	case KindConfiguration, KindInternal:
		return SeverityCritical
	case KindConnectionFailed, KindInsufficientSources:
		return SeverityHigh
	case KindTransient, KindValidationFailure:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// KindOf extracts the kind from any error in the chain. Unclassified errors
// report KindInternal; context cancellation maps to KindCancelled.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether the default retry policy may re-attempt the
// operation that produced err.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindConnectionFailed, KindRateLimited:
		return true
	default:
		return false
	}
}
