// Package errors provides structured error handling for kbchat.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: Store/index errors
//   - 3XX: Upstream service errors
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryStore indicates document-store and index errors.
	CategoryStore Category = "STORE"
	// CategoryUpstream indicates external-service errors (embed, rerank, completion).
	CategoryUpstream Category = "UPSTREAM"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but the process can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// Store errors (200-299)
	ErrCodeIndexNotFound = "ERR_201_INDEX_NOT_FOUND"
	ErrCodeStoreCorrupt  = "ERR_202_STORE_CORRUPT"

	// Upstream errors (300-399)
	ErrCodeUpstreamUnavailable = "ERR_301_UPSTREAM_UNAVAILABLE"
	ErrCodeUpstreamRejected    = "ERR_302_UPSTREAM_REJECTED"
	ErrCodeUpstreamTimeout     = "ERR_303_UPSTREAM_TIMEOUT"

	// Validation errors (400-499)
	ErrCodeInvalidArgument = "ERR_401_INVALID_ARGUMENT"
	ErrCodeQueryEmpty      = "ERR_402_QUERY_EMPTY"

	// Internal errors (500-599)
	ErrCodeInternal         = "ERR_501_INTERNAL"
	ErrCodeRetrievalFailed  = "ERR_502_RETRIEVAL_FAILED"
	ErrCodeCompletionFailed = "ERR_503_COMPLETION_FAILED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryStore
	case '3':
		return CategoryUpstream
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	if code == ErrCodeStoreCorrupt {
		return SeverityFatal
	}

	// Retryable upstream errors are transient.
	if isRetryableCode(code) {
		return SeverityWarning
	}

	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
// Only transient upstream failures are eligible; a rejected request stays rejected.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeUpstreamUnavailable, ErrCodeUpstreamTimeout:
		return true
	default:
		return false
	}
}
