package errors

import (
	goerrors "errors"
	"fmt"
	"time"
)

/**
 * Custom error types for the OCR worker
 *
 * Every pipeline stage wraps its failures in a ProcessingError so the
 * document row can record a structured error and callers can tell
 * caller mistakes apart from infrastructure faults.
 */

// ErrorCode enum for structured error handling
type ErrorCode string

const (
	// Caller errors
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"

	// Processing errors
	ErrorProcessingTimeout ErrorCode = "PROCESSING_TIMEOUT"
	ErrorDownloadFailed    ErrorCode = "DOWNLOAD_FAILED"
	ErrorConversionFailed  ErrorCode = "CONVERSION_FAILED"
	ErrorOCRFailed         ErrorCode = "OCR_FAILED"
	ErrorUnsupportedFormat ErrorCode = "UNSUPPORTED_FORMAT"

	// Storage errors
	ErrorStorageFailed  ErrorCode = "STORAGE_FAILED"
	ErrorDatabaseFailed ErrorCode = "DATABASE_FAILED"
)

// ProcessingError represents a structured processing error
type ProcessingError struct {
	Code         ErrorCode
	Message      string
	DocumentGUID string
	PageIndex    int // -1 for document-level errors
	Timestamp    time.Time
	Details      map[string]interface{}
	Cause        error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProcessingError) Unwrap() error {
	return e.Cause
}

// Factory functions for common errors

func NewInvalidInputError(message string) *ProcessingError {
	return &ProcessingError{
		Code:      ErrorInvalidInput,
		Message:   message,
		PageIndex: -1,
		Timestamp: time.Now(),
	}
}

func NewProcessingTimeoutError(guid string, duration time.Duration, cause error) *ProcessingError {
	return &ProcessingError{
		Code:         ErrorProcessingTimeout,
		Message:      fmt.Sprintf("Processing timed out after %v", duration),
		DocumentGUID: guid,
		PageIndex:    -1,
		Timestamp:    time.Now(),
		Details: map[string]interface{}{
			"timeout_duration": duration.String(),
		},
		Cause: cause,
	}
}

func NewDownloadFailedError(guid string, uri string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:         ErrorDownloadFailed,
		Message:      "Failed to fetch input document",
		DocumentGUID: guid,
		PageIndex:    -1,
		Timestamp:    time.Now(),
		Details: map[string]interface{}{
			"source_uri": uri,
		},
		Cause: cause,
	}
}

func NewConversionFailedError(guid string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:         ErrorConversionFailed,
		Message:      "Failed to convert document to page images",
		DocumentGUID: guid,
		PageIndex:    -1,
		Timestamp:    time.Now(),
		Cause:        cause,
	}
}

func NewOCRFailedError(guid string, pageIndex int, cause error) *ProcessingError {
	message := "OCR failed"
	if pageIndex >= 0 {
		message = fmt.Sprintf("OCR failed on page %d", pageIndex)
	}
	return &ProcessingError{
		Code:         ErrorOCRFailed,
		Message:      message,
		DocumentGUID: guid,
		PageIndex:    pageIndex,
		Timestamp:    time.Now(),
		Cause:        cause,
	}
}

func NewUnsupportedFormatError(guid string, detected string) *ProcessingError {
	return &ProcessingError{
		Code:         ErrorUnsupportedFormat,
		Message:      fmt.Sprintf("Unsupported file format: %s", detected),
		DocumentGUID: guid,
		PageIndex:    -1,
		Timestamp:    time.Now(),
		Details: map[string]interface{}{
			"detected_format": detected,
		},
	}
}

func NewStorageFailedError(guid string, cause error) *ProcessingError {
	return &ProcessingError{
		Code:         ErrorStorageFailed,
		Message:      "Failed to store processing results",
		DocumentGUID: guid,
		PageIndex:    -1,
		Timestamp:    time.Now(),
		Cause:        cause,
	}
}

// IsInputError reports whether err stems from a caller mistake rather
// than an infrastructure fault. Input errors must not be retried.
func IsInputError(err error) bool {
	var pe *ProcessingError
	if goerrors.As(err, &pe) {
		return pe.Code == ErrorInvalidInput || pe.Code == ErrorUnsupportedFormat
	}
	return false
}

// ToMap converts error to map for database storage
func (e *ProcessingError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_code": string(e.Code),
		"message":    e.Message,
		"timestamp":  e.Timestamp,
	}

	if e.PageIndex >= 0 {
		result["page_index"] = e.PageIndex
	}

	for k, v := range e.Details {
		result[k] = v
	}

	if e.Cause != nil {
		result["cause"] = e.Cause.Error()
	}

	return result
}
