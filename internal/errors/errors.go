package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Selection errors
	ErrCodeNoInstances      ErrorCode = "NO_AVAILABLE_INSTANCES"
	ErrCodeAlgorithmFailed  ErrorCode = "ALGORITHM_FAILED"
	ErrCodeUnknownAlgorithm ErrorCode = "UNKNOWN_ALGORITHM"

	// Registry errors
	ErrCodeInstanceNotFound ErrorCode = "INSTANCE_NOT_FOUND"
	ErrCodeInstanceExists   ErrorCode = "INSTANCE_EXISTS"
	ErrCodeRuleNotFound     ErrorCode = "RULE_NOT_FOUND"
	ErrCodeInvalidRule      ErrorCode = "INVALID_RULE"

	// Infrastructure errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// BalancerError represents a structured error with context
type BalancerError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *BalancerError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *BalancerError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *BalancerError) Is(target error) bool {
	if t, ok := target.(*BalancerError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *BalancerError) WithMetadata(key string, value interface{}) *BalancerError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *BalancerError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidRule, ErrCodeUnknownAlgorithm:
		return 400
	case ErrCodeInstanceNotFound, ErrCodeRuleNotFound:
		return 404
	case ErrCodeInstanceExists:
		return 409
	case ErrCodeNoInstances:
		return 503
	default:
		return 500
	}
}

// NewError creates a new BalancerError
func NewError(code ErrorCode, component, message string) *BalancerError {
	return &BalancerError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewErrorWithCause creates a new BalancerError with an underlying cause
func NewErrorWithCause(code ErrorCode, component, message string, cause error) *BalancerError {
	return &BalancerError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
		Details:   cause.Error(),
	}
}

// Common error constructors for frequently used errors

// NewNoInstancesError creates an error for a service with no eligible instances
func NewNoInstancesError(service string) *BalancerError {
	return NewError(
		ErrCodeNoInstances,
		"balancer",
		fmt.Sprintf("No eligible instances available for service %s", service),
	).WithMetadata("service", service)
}

// NewAlgorithmError creates an error for a failed selection algorithm
func NewAlgorithmError(algorithm string, cause error) *BalancerError {
	return NewErrorWithCause(
		ErrCodeAlgorithmFailed,
		"balancer",
		fmt.Sprintf("Selection algorithm '%s' failed", algorithm),
		cause,
	).WithMetadata("algorithm", algorithm)
}

// NewInstanceNotFoundError creates an error for an unknown instance id
func NewInstanceNotFoundError(instanceID string) *BalancerError {
	return NewError(
		ErrCodeInstanceNotFound,
		"registry",
		fmt.Sprintf("Instance %s is not registered", instanceID),
	).WithMetadata("instance_id", instanceID)
}

// NewInstanceExistsError creates an error for a duplicate instance id
func NewInstanceExistsError(instanceID string) *BalancerError {
	return NewError(
		ErrCodeInstanceExists,
		"registry",
		fmt.Sprintf("Instance %s is already registered", instanceID),
	).WithMetadata("instance_id", instanceID)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var bErr *BalancerError
	if errors.As(err, &bErr) {
		return bErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var bErr *BalancerError
	if errors.As(err, &bErr) {
		return bErr.HTTPStatusCode()
	}
	return 500
}

// IsBalancerError checks if an error is a BalancerError
func IsBalancerError(err error) bool {
	var bErr *BalancerError
	return errors.As(err, &bErr)
}
