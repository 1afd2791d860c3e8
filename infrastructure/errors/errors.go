// Package errors provides the unified error taxonomy used across the cache
// coordination core: every external call returns a typed Category so callers
// can tell a retryable condition from a permanent one without string
// matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a specific, stable failure reason.
type ErrorCode string

const (
	// Store errors (STORE_1xxx)
	ErrCodeStoreUnavailable ErrorCode = "STORE_1001"
	ErrCodeStoreTimeout     ErrorCode = "STORE_1002"
	ErrCodeNotFound         ErrorCode = "STORE_1003"
	ErrCodeInvalidKey       ErrorCode = "STORE_1004"

	// Pattern errors (PATTERN_2xxx)
	ErrCodeInvalidPattern   ErrorCode = "PATTERN_2001"
	ErrCodeUnknownEventKind ErrorCode = "PATTERN_2002"

	// Invalidation errors (INVAL_3xxx)
	ErrCodePartialFailure ErrorCode = "INVAL_3001"

	// Calculator errors (CALC_4xxx)
	ErrCodeCalculatorFailed ErrorCode = "CALC_4001"
	ErrCodeMalformedEvent   ErrorCode = "CALC_4002"

	// Consumer errors (CONSUMER_5xxx)
	ErrCodeStreamReadFailed ErrorCode = "CONSUMER_5001"
	ErrCodeDispatchPanic    ErrorCode = "CONSUMER_5002"

	// Integration mode errors (MODE_6xxx)
	ErrCodeCircuitOpen ErrorCode = "MODE_6001"

	// Shadow comparator errors (SHADOW_7xxx)
	ErrCodeShadowTimeout ErrorCode = "SHADOW_7001"

	// Registry errors (REGISTRY_8xxx)
	ErrCodeInstanceStale ErrorCode = "REGISTRY_8001"

	// SLA errors (SLA_9xxx)
	ErrCodeSLAViolation ErrorCode = "SLA_9001"
)

// Category classifies an error for retry/propagation decisions, mirroring
// the taxonomy in the coordination core's error handling design: transient
// errors are retryable, permanent ones are not, and not-found /
// partial-failure are expected outcomes rather than failures.
type Category string

const (
	Transient      Category = "transient"
	Permanent      Category = "permanent"
	NotFoundCat    Category = "not_found"
	PartialFailCat Category = "partial_failure"
)

// ServiceError is a structured error carrying a stable code, a retry
// category, and optional structured details.
type ServiceError struct {
	Code     ErrorCode
	Category Category
	Message  string
	Details  map[string]interface{}
	Err      error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured context to the error and returns it for
// chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ServiceError without an underlying cause.
func New(code ErrorCode, category Category, message string) *ServiceError {
	return &ServiceError{Code: code, Category: category, Message: message}
}

// Wrap creates a ServiceError around an underlying cause.
func Wrap(code ErrorCode, category Category, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Category: category, Message: message, Err: err}
}

// Store errors

func StoreUnavailable(op string, err error) *ServiceError {
	return Wrap(ErrCodeStoreUnavailable, Transient, "store operation failed", err).WithDetails("operation", op)
}

func StoreTimeout(op string, err error) *ServiceError {
	return Wrap(ErrCodeStoreTimeout, Transient, "store operation timed out", err).WithDetails("operation", op)
}

func NotFound(key string) *ServiceError {
	return New(ErrCodeNotFound, NotFoundCat, "key not found").WithDetails("key", key)
}

func InvalidKey(key string) *ServiceError {
	return New(ErrCodeInvalidKey, Permanent, "invalid key").WithDetails("key", key)
}

// Pattern errors

func InvalidPattern(pattern string) *ServiceError {
	return New(ErrCodeInvalidPattern, Permanent, "invalid glob pattern").WithDetails("pattern", pattern)
}

func UnknownEventKind(kind string) *ServiceError {
	return New(ErrCodeUnknownEventKind, Permanent, "unknown event kind").WithDetails("kind", kind)
}

// Invalidation errors

func PartialFailure(families []string, err error) *ServiceError {
	return Wrap(ErrCodePartialFailure, PartialFailCat, "one or more families failed to invalidate", err).
		WithDetails("families", families)
}

// Calculator errors

func CalculatorFailed(reason string, err error) *ServiceError {
	return Wrap(ErrCodeCalculatorFailed, Permanent, "calculator failed: "+reason, err)
}

func MalformedEvent(reason string) *ServiceError {
	return New(ErrCodeMalformedEvent, Permanent, "malformed event: "+reason)
}

// Consumer errors

func StreamReadFailed(err error) *ServiceError {
	return Wrap(ErrCodeStreamReadFailed, Transient, "stream read failed", err)
}

func DispatchPanic(recovered interface{}) *ServiceError {
	return New(ErrCodeDispatchPanic, Permanent, fmt.Sprintf("dispatch panicked: %v", recovered))
}

// Mode machine errors

func CircuitOpen() *ServiceError {
	return New(ErrCodeCircuitOpen, Transient, "circuit breaker is open")
}

// Shadow comparator errors

func ShadowTimeout(path string) *ServiceError {
	return New(ErrCodeShadowTimeout, Transient, "shadow comparison path timed out").WithDetails("path", path)
}

// Registry errors

func InstanceStale(instanceID string) *ServiceError {
	return New(ErrCodeInstanceStale, Permanent, "instance record is stale").WithDetails("instance_id", instanceID)
}

// SLA errors

func SLAViolationError(kind string) *ServiceError {
	return New(ErrCodeSLAViolation, Permanent, "sla violation").WithDetails("kind", kind)
}

// Helper functions

// IsServiceError reports whether err is (or wraps) a *ServiceError.
func IsServiceError(err error) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr)
}

// GetServiceError extracts a *ServiceError from an error chain, if present.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// CategoryOf returns the retry category for err, defaulting to Permanent for
// errors that did not originate from this package: an unknown error is not
// assumed safe to retry.
func CategoryOf(err error) Category {
	if se := GetServiceError(err); se != nil {
		return se.Category
	}
	return Permanent
}

// IsTransient reports whether err should be retried by the caller.
func IsTransient(err error) bool {
	return CategoryOf(err) == Transient
}

// IsNotFound reports whether err represents an expected absence.
func IsNotFound(err error) bool {
	return CategoryOf(err) == NotFoundCat
}

// IsPartialFailure reports whether err represents a partially-succeeded
// aggregate operation.
func IsPartialFailure(err error) bool {
	return CategoryOf(err) == PartialFailCat
}
