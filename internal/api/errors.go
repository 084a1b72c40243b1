package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/devmesh/devmesh/internal/ingest"
	"github.com/devmesh/devmesh/internal/models"
	"github.com/devmesh/devmesh/internal/storage"
)

// ErrorCode represents error codes used in API responses
type ErrorCode string

const (
	// ErrorCodeValidation represents per-record field validation failures
	ErrorCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrorCodeInvalidRequest represents a malformed body or parameters;
	// retrying the same request cannot succeed
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"

	// ErrorCodeUnauthorized represents a shared-secret mismatch
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// ErrorCodeNotFound represents an unknown route or resource
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrorCodePipelineBusy represents a full admission queue; the whole
	// batch is retryable after backoff
	ErrorCodePipelineBusy ErrorCode = "PIPELINE_BUSY"

	// ErrorCodeDatabaseUnavailable represents a durable-store outage; the
	// whole batch is retryable
	ErrorCodeDatabaseUnavailable ErrorCode = "DATABASE_UNAVAILABLE"

	// ErrorCodeIngestionFailed represents an internal failure on the write
	// path
	ErrorCodeIngestionFailed ErrorCode = "INGESTION_FAILED"

	// ErrorCodeQueryFailed represents an internal failure on the read path
	ErrorCodeQueryFailed ErrorCode = "QUERY_FAILED"
)

// APIError represents an API error with status code and message
type APIError struct {
	Code       ErrorCode
	StatusCode int
	Message    string
}

// NewAPIError creates a new API error
func NewAPIError(code ErrorCode, statusCode int, message string) *APIError {
	return &APIError{
		Code:       code,
		StatusCode: statusCode,
		Message:    message,
	}
}

// Error returns the error message
func (e *APIError) Error() string {
	return e.Message
}

// NewValidationError creates a per-record validation error
func NewValidationError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodeValidation, http.StatusBadRequest, fmt.Sprintf(message, args...))
}

// NewInvalidRequestError creates a malformed-request error
func NewInvalidRequestError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodeInvalidRequest, http.StatusBadRequest, fmt.Sprintf(message, args...))
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodeUnauthorized, http.StatusUnauthorized, fmt.Sprintf(message, args...))
}

// NewNotFoundError creates a not found error
func NewNotFoundError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodeNotFound, http.StatusNotFound, fmt.Sprintf(message, args...))
}

// NewPipelineBusyError creates a retryable queue-full error
func NewPipelineBusyError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodePipelineBusy, http.StatusServiceUnavailable, fmt.Sprintf(message, args...))
}

// NewDatabaseUnavailableError creates a retryable store-down error
func NewDatabaseUnavailableError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodeDatabaseUnavailable, http.StatusServiceUnavailable, fmt.Sprintf(message, args...))
}

// NewIngestionFailedError creates a write-path internal error
func NewIngestionFailedError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodeIngestionFailed, http.StatusInternalServerError, fmt.Sprintf(message, args...))
}

// NewQueryFailedError creates a read-path internal error
func NewQueryFailedError(message string, args ...interface{}) *APIError {
	return NewAPIError(ErrorCodeQueryFailed, http.StatusInternalServerError, fmt.Sprintf(message, args...))
}

// mapIngestError maps a write-path failure onto the error taxonomy.
func mapIngestError(err error) *APIError {
	switch {
	case errors.Is(err, ingest.ErrBusy):
		return NewPipelineBusyError("ingest pipeline busy, retry with backoff")
	case errors.Is(err, storage.ErrUnavailable):
		return NewDatabaseUnavailableError("durable store unavailable, retry the batch")
	case models.IsValidationError(err):
		return NewValidationError("%v", err)
	default:
		return NewIngestionFailedError("ingestion failed: %v", err)
	}
}

// mapQueryError maps a read-path failure onto the error taxonomy.
func mapQueryError(err error) *APIError {
	if errors.Is(err, storage.ErrUnavailable) {
		return NewDatabaseUnavailableError("durable store unavailable")
	}
	return NewQueryFailedError("query failed: %v", err)
}
