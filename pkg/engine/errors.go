package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, temporary service unavailability.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a resource state conflict.
	// Examples: a delete issued while another operation holds the resource.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid request, unknown token version, strategy misconfiguration.
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

	// Resource is the resource name that caused the error, if applicable.
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
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s)%s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s)%s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s (operation=%s)%s",
			e.Class, e.Message, e.Operation, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapMessage())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
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
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
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

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool { return hasClass(err, ErrorClassThrottled) }

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool { return hasClass(err, ErrorClassConflict) }

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsRetryable returns true if the error can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}

// IsCancelled reports whether err comes from the caller abandoning the call.
// A cancelled call says nothing about the operation it was polling.
func IsCancelled(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var e *EngineError
	return errors.As(err, &e) && e.Code == ErrCodeCancelled
}

// Classify returns err as an *EngineError. Errors that carry no classification
// are treated as transient: cloud SDKs surface network and token refresh
// failures as plain errors, and those are worth another poll.
// A cancelled context is permanent for the current call; pollers check
// IsCancelled before consuming a retry.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}

	var e *EngineError
	if errors.As(err, &e) {
		return e
	}

	if errors.Is(err, context.Canceled) {
		return NewPermanentError("operation cancelled", err).WithCode(ErrCodeCancelled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("operation timed out", err).WithCode(ErrCodeTimeout)
	}

	return NewTransientError("unclassified failure", err).WithCode(ErrCodeInternal)
}

// ErrorClassOf returns the class of err, or the empty string for nil.
func ErrorClassOf(err error) ErrorClass {
	if e := Classify(err); e != nil {
		return e.Class
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeAlreadyExists      = "ALREADY_EXISTS"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeProviderFailed     = "PROVIDER_FAILED"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeUnsupportedVersion = "UNSUPPORTED_TOKEN_VERSION"
	ErrCodeProvisioningFailed = "PROVISIONING_FAILED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodePhaseIncomplete    = "PHASE_INCOMPLETE"
	ErrCodePolicyDenied       = "POLICY_DENIED"
)
