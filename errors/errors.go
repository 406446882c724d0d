// Package errors provides standardized error handling for ratebridge
// components. It includes error classification, the domain error taxonomy,
// and helper functions for consistent error wrapping across the system.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Domain error taxonomy. Each sentinel corresponds to one failure kind of
// the request/response pipeline and maps to exactly one edge outcome.
var (
	// ErrInvalidRequest indicates malformed edge input (bad kind or argument).
	ErrInvalidRequest = errors.New("invalid request")
	// ErrOverloaded indicates a pool or publish rejection under load.
	ErrOverloaded = errors.New("system overloaded")
	// ErrTimeout indicates the edge deadline elapsed before a reply arrived.
	ErrTimeout = errors.New("request timed out")
	// ErrUpstream indicates the fetch tier exhausted its upstream retries.
	ErrUpstream = errors.New("upstream unavailable")
	// ErrUnrecognised indicates a bus record whose body failed validation.
	ErrUnrecognised = errors.New("message not recognised")
	// ErrMissingCorrelation indicates a bus record without a messageKey header.
	ErrMissingCorrelation = errors.New("missing correlation id")
	// ErrUnknownCode indicates a requested currency code absent upstream.
	ErrUnknownCode = errors.New("unknown currency code")
	// ErrStorageFailure indicates a database insert/update/query error.
	ErrStorageFailure = errors.New("storage failure")
	// ErrFenced indicates the producer was superseded by a newer instance.
	ErrFenced = errors.New("producer fenced")
	// ErrDuplicate indicates a correlation id already seen by the dedup ledger.
	ErrDuplicate = errors.New("duplicate delivery")
)

// Component lifecycle and connection errors
var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")
	ErrNoConnection   = errors.New("no connection available")
	ErrNotFound       = errors.New("not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingConfig  = errors.New("missing required configuration")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrOverloaded) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUpstream) ||
		errors.Is(err, ErrStorageFailure) ||
		errors.Is(err, ErrNoConnection) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "unavailable", "busy", "temporary"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrUnrecognised) ||
		errors.Is(err, ErrMissingCorrelation) ||
		errors.Is(err, ErrUnknownCode) ||
		errors.Is(err, ErrInvalidConfig)
}

// IsFatal checks if an error is fatal and should stop processing.
// Fenced producers are always fatal for the current worker: the record must
// be re-consumed after rebalance, never retried in place.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrFenced) || errors.Is(err, ErrMissingConfig)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	// Default to transient for unknown errors to allow retry
	return ErrorTransient
}

// newClassified creates a new classified error.
// Internal helper - use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// DeadReason is the reason string stamped on dead-letter records.
type DeadReason string

// Dead-letter reasons emitted by the processing tier.
const (
	ReasonMissingCorrelation  DeadReason = "MissingCorrelation"
	ReasonUnrecognised        DeadReason = "Unrecognised"
	ReasonUnknownCode         DeadReason = "UnknownCode"
	ReasonUpstreamUnavailable DeadReason = "UpstreamUnavailable"
	ReasonStorageFailure      DeadReason = "StorageFailure"
)
