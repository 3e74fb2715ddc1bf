// Package errors provides the structured error type shared by every pipeline
// and store operation, plus the error-kind taxonomy the reliability fabric
// uses to decide retry-vs-DLQ routing.
package errors

import (
	"fmt"
	"strings"
)

// Kind classifies an error for the purposes of the reliability fabric.
type Kind string

const (
	KindTransient             Kind = "transient"              // upstream timeout, DB deadlock, lock contention
	KindValidationRecoverable Kind = "validation_recoverable"  // unknown ticker, bad decimal scale
	KindValidationFatal       Kind = "validation_fatal"        // missing required key, unparseable payload
	KindBusinessWarning       Kind = "business_warning"        // zero-price ratio, suspicious change
	KindBusinessFatal         Kind = "business_fatal"          // negative quantity, conflicting externalRefId
	KindConsistency           Kind = "consistency"             // lock lease lost mid-transaction
	KindCapacity              Kind = "capacity"                // circuit breaker open
)

// Retryable reports whether an error of this kind should be retried in-pipeline
// before being routed to the DLQ, per spec.md §7.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindConsistency:
		return true
	default:
		return false
	}
}

// OperationError is the structured error every operation in this service
// returns. It carries enough context to log and to route without the caller
// needing to parse a message string.
type OperationError struct {
	Operation string
	Component string
	Resource  string
	Cause     error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "failed to %s", e.Operation)
	if e.Component != "" {
		fmt.Fprintf(&b, ", component: %s", e.Component)
	}
	if e.Resource != "" {
		fmt.Fprintf(&b, ", resource: %s", e.Resource)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ", cause: %s", e.Cause)
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// ClassifiedError attaches a Kind to an OperationError so the reliability
// fabric can route it without re-deriving the taxonomy from the message.
// Code is an optional domain-specific error code (e.g. "NO_ACTIVE_BATCH")
// that spec.md names explicitly for certain edge cases; it is carried
// through to the DLQ's errorCode column instead of the generic Kind string.
type ClassifiedError struct {
	*OperationError
	Kind Kind
	Code string
}

func (e *ClassifiedError) Unwrap() error {
	return e.OperationError
}

// Classify builds a new OperationError with cause as its Cause and tags it
// with a Kind for fabric routing.
func Classify(kind Kind, operation, component, resource string, cause error) *ClassifiedError {
	return &ClassifiedError{
		OperationError: &OperationError{Operation: operation, Component: component, Resource: resource, Cause: cause},
		Kind:           kind,
	}
}

// ClassifyWithCode is Classify plus a domain-specific error code for edge
// cases spec.md names explicitly (e.g. "NO_ACTIVE_BATCH").
func ClassifyWithCode(kind Kind, code, operation, component, resource string, cause error) *ClassifiedError {
	return &ClassifiedError{
		OperationError: &OperationError{Operation: operation, Component: component, Resource: resource, Cause: cause},
		Kind:           kind,
		Code:           code,
	}
}

// FailedTo builds a minimal OperationError with just an action and cause.
func FailedTo(action string, cause error) error {
	return &OperationError{Operation: action, Cause: cause}
}

// FailedToWithDetails builds a fully-populated OperationError.
func FailedToWithDetails(operation, component, resource string, cause error) error {
	return &OperationError{Operation: operation, Component: component, Resource: resource, Cause: cause}
}

// Wrapf wraps err with additional context, returning nil if err is nil.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// DatabaseError builds an OperationError scoped to the database component.
func DatabaseError(operation string, cause error) error {
	return FailedToWithDetails(operation, "database", "", cause)
}

// NetworkError builds an OperationError scoped to the network component,
// naming the endpoint as the resource.
func NetworkError(operation, endpoint string, cause error) error {
	return FailedToWithDetails(operation, "network", endpoint, cause)
}

// ValidationError reports a single-field validation failure.
func ValidationError(field, reason string) error {
	return fmt.Errorf("validation failed for field %s: %s", field, reason)
}

// ConfigurationError reports an invalid configuration setting.
func ConfigurationError(setting, reason string) error {
	return fmt.Errorf("configuration error for setting %s: %s", setting, reason)
}

// TimeoutError reports an operation that exceeded its deadline.
func TimeoutError(operation, duration string) error {
	return fmt.Errorf("timeout while %s after %s", operation, duration)
}

// ParseError reports a failure to parse a resource in a given format.
func ParseError(resource, format string, cause error) error {
	return FailedToWithDetails(fmt.Sprintf("parse %s as %s", resource, format), "parser", "", cause)
}

// IsRetryable performs a best-effort classification of an arbitrary error by
// inspecting its message, for errors that did not go through Classify.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var kind *ClassifiedError
	if ok := asClassified(err, &kind); ok {
		return kind.Kind.Retryable()
	}
	msg := strings.ToLower(err.Error())
	for _, substr := range []string{"timeout", "connection refused", "unavailable", "deadlock", "temporarily"} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

// CodeOf walks err's Unwrap chain for a *ClassifiedError carrying a domain
// error code, returning "" if none is found or none was set.
func CodeOf(err error) string {
	var ce *ClassifiedError
	if asClassified(err, &ce) {
		return ce.Code
	}
	return ""
}

func asClassified(err error, target **ClassifiedError) bool {
	for err != nil {
		if ce, ok := err.(*ClassifiedError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Chain joins non-nil errors into a single error, or returns nil if none.
func Chain(errs ...error) error {
	var msgs []string
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Error())
		}
	}
	switch len(msgs) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s", msgs[0])
	default:
		return fmt.Errorf("multiple errors: %s", strings.Join(msgs, "; "))
	}
}
