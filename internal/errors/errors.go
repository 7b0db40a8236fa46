package errors

import (
	"fmt"
)

// QAError is the structured error type for kbchat.
// It provides rich context for error handling, logging, and user presentation.
type QAError struct {
	// Code is the unique error code (e.g., "ERR_201_INDEX_NOT_FOUND").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Store, Upstream, etc.).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *QAError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *QAError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
// This enables errors.Is() to work with QAError.
func (e *QAError) Is(target error) bool {
	if t, ok := target.(*QAError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *QAError) WithDetail(key, value string) *QAError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new QAError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *QAError {
	return &QAError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a QAError from an existing error.
// The error's message becomes the QAError message.
func Wrap(code string, err error) *QAError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// InvalidArgument creates a caller-error: never retried, surfaced verbatim.
func InvalidArgument(message string) *QAError {
	return New(ErrCodeInvalidArgument, message, nil)
}

// QueryEmpty creates the validation error for a blank query.
func QueryEmpty() *QAError {
	return New(ErrCodeQueryEmpty, "query must not be empty", nil)
}

// IndexNotFound creates the error for a missing knowledge scope.
func IndexNotFound(scope string) *QAError {
	e := New(ErrCodeIndexNotFound, fmt.Sprintf("index for scope %q does not exist", scope), nil)
	return e.WithDetail("scope", scope)
}

// UpstreamUnavailable creates a transient upstream failure for the named service.
func UpstreamUnavailable(service string, cause error) *QAError {
	e := New(ErrCodeUpstreamUnavailable, fmt.Sprintf("%s unavailable", service), cause)
	return e.WithDetail("service", service)
}

// UpstreamRejected creates the error for a dependency that responded but
// declined the request. The dependency's own error payload goes in message.
func UpstreamRejected(service, message string) *QAError {
	e := New(ErrCodeUpstreamRejected, fmt.Sprintf("%s rejected request: %s", service, message), nil)
	return e.WithDetail("service", service)
}

// RetrievalFailed wraps an underlying error raised during search or fusion.
func RetrievalFailed(cause error) *QAError {
	return New(ErrCodeRetrievalFailed, "retrieval failed", cause)
}

// CompletionFailed wraps an underlying completion-service error.
func CompletionFailed(cause error) *QAError {
	return New(ErrCodeCompletionFailed, "completion failed", cause)
}

// ConfigError creates a configuration-related error.
func ConfigError(message string, cause error) *QAError {
	return New(ErrCodeConfigInvalid, message, cause)
}

// InternalError creates an internal error.
func InternalError(message string, cause error) *QAError {
	return New(ErrCodeInternal, message, cause)
}

// IsRetryable checks if an error is retryable.
// Walks the error chain looking for a QAError with the Retryable flag set.
func IsRetryable(err error) bool {
	for err != nil {
		if qe, ok := err.(*QAError); ok {
			return qe.Retryable
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// GetCode extracts the error code from an error chain.
// Returns empty string if no QAError is present.
func GetCode(err error) string {
	for err != nil {
		if qe, ok := err.(*QAError); ok {
			return qe.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// IsCode reports whether the error tree contains a QAError with the given code.
// Unlike GetCode, this inspects the whole tree, so a RetrievalFailed wrapper
// still matches the IndexNotFound it carries, and joined errors match any branch.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}
	if qe, ok := err.(*QAError); ok && qe.Code == code {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return IsCode(u.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, sub := range u.Unwrap() {
			if IsCode(sub, code) {
				return true
			}
		}
	}
	return false
}

// GetCategory extracts the category from an error chain.
// Returns empty string if no QAError is present.
func GetCategory(err error) Category {
	for err != nil {
		if qe, ok := err.(*QAError); ok {
			return qe.Category
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
