// Package shared contains common domain types, errors, events, and value objects
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrValueOutOfRange = errors.New("value out of range")
	ErrInvalidFormat   = errors.New("invalid format")

	// ErrUnknownReference marks a topic, path, tag or phase that is not in the catalog.
	ErrUnknownReference = errors.New("unknown reference")

	// ErrConfig marks malformed achievement, milestone or ranking definitions.
	ErrConfig = errors.New("invalid configuration")

	// State errors
	ErrAlreadyProcessed = errors.New("already processed")

	// Concurrency errors
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")

	// External service errors
	ErrExternalService      = errors.New("external service error")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrTimeout              = errors.New("operation timeout")
	ErrNotificationDelivery = errors.New("notification delivery failed")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "progress", "criteria", "unlock"
	Op      string // Operation that failed, e.g., "Apply", "Compile"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Progress domain errors
var (
	ErrUnknownEventType = NewDomainError("progress", "Validate", ErrValidation, "unknown event type")
	ErrVersionMismatch  = NewDomainError("progress", "CompareAndSet", ErrConcurrencyConflict, "aggregate version mismatch")
	ErrEventProcessed   = NewDomainError("progress", "CompareAndSet", ErrAlreadyProcessed, "event already applied")
	ErrInvalidRating    = NewDomainError("progress", "Validate", ErrValueOutOfRange, "rating must be between 1 and 5")
)

// Unlock domain errors
var (
	ErrDefinitionNotFound = NewDomainError("unlock", "Find", ErrNotFound, "definition not found")
)

// External service errors
var (
	ErrSearchProviderUnavailable = NewDomainError("search", "Request", ErrServiceUnavailable, "search provider is unavailable")
	ErrSearchProviderTimeout     = NewDomainError("search", "Request", ErrTimeout, "search provider request timeout")
	ErrSearchProviderResponse    = NewDomainError("search", "Parse", ErrInvalidFormat, "invalid response from search provider")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrValueOutOfRange) ||
		errors.Is(err, ErrUnknownReference)
}

// IsConfig checks if the error is a definition/config error.
func IsConfig(err error) bool {
	return errors.Is(err, ErrConfig)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrNotificationDelivery)
}

// IsRetryable checks if the operation can be retried at the ingestion level.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrConcurrencyExhausted)
}
