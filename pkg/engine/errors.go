package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Should be retried with exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: concurrent modifications, optimistic locking failures.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid declarations, permission denied, resource not found.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the resource address that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// unwrapMessage returns the error message from the underlying error chain.
func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassTransient,
		Message: message,
		Err:     err,
	}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassThrottled,
		Message: message,
		Err:     err,
	}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassConflict,
		Message: message,
		Err:     err,
	}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Message: message,
		Err:     err,
	}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(address string) *EngineError {
	e.Resource = address
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassThrottled
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable; conflicts and permanent
// errors are surfaced to the operator.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCycle            = "DEPENDENCY_CYCLE"
	ErrCodeUnresolvedRef    = "UNRESOLVED_REFERENCE"
	ErrCodeLockHeld         = "LOCK_HELD"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)

// CycleError reports a dependency cycle in the declared graph. Building
// the graph fails with the full cycle path so the operator can break it.
type CycleError struct {
	// Path is the cycle as a sequence of addresses; the first address
	// repeats at the end.
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("[%s] dependency cycle detected: %s",
		ErrorClassPermanent, strings.Join(e.Path, " -> "))
}

// Is matches any EngineError with the cycle code, so errors.Is works
// across the classified wrapper.
func (e *CycleError) Is(target error) bool {
	t, ok := target.(*CycleError)
	return ok && (len(t.Path) == 0 || strings.Join(t.Path, ",") == strings.Join(e.Path, ","))
}

// UnresolvedReferenceError reports a reference to a resource that is not
// declared in the same graph.
type UnresolvedReferenceError struct {
	// From is the address of the referencing resource.
	From string

	// Attribute is the attribute holding the reference, or empty for an
	// explicit depends_on entry.
	Attribute string

	// Target is the missing address.
	Target string
}

// Error implements the error interface.
func (e *UnresolvedReferenceError) Error() string {
	if e.Attribute != "" {
		return fmt.Sprintf("[%s] unresolved reference: %s attribute %q references undeclared resource %s",
			ErrorClassPermanent, e.From, e.Attribute, e.Target)
	}
	return fmt.Sprintf("[%s] unresolved reference: %s depends on undeclared resource %s",
		ErrorClassPermanent, e.From, e.Target)
}

// LockHeldError reports that the state store lock is held by another
// apply. Callers fail fast rather than queue.
type LockHeldError struct {
	// Holder identifies the run holding the lock.
	Holder string

	// AcquiredAt is when the holder took the lock.
	AcquiredAt time.Time
}

// Error implements the error interface.
func (e *LockHeldError) Error() string {
	return fmt.Sprintf("[%s] state lock held by run %s since %s",
		ErrorClassConflict, e.Holder, e.AcquiredAt.Format(time.RFC3339))
}

// TimeoutError reports that a resource did not reach readiness within its
// configured window. It is a permanent failure for that operation; the
// executor does not retry it, the operator decides whether to rerun.
type TimeoutError struct {
	// Resource is the address that timed out.
	Resource string

	// Operation is the operation that was waiting.
	Operation string

	// Timeout is the configured readiness window.
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("[%s] %s on %s did not become ready within %s",
		ErrorClassPermanent, e.Operation, e.Resource, e.Timeout)
}
