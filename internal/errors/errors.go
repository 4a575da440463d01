// Package errors provides error codes shared across the offline core and the
// UI bridge.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code that can be bridged to the UI.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage   ErrorCode = "STORAGE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"
	ErrCacheMiss ErrorCode = "CACHE_MISS"

	// Network errors
	ErrNetwork          ErrorCode = "NETWORK_ERROR"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrConnectionLost   ErrorCode = "CONNECTION_LOST"
	ErrOffline          ErrorCode = "OFFLINE"
	ErrHTTP             ErrorCode = "HTTP_ERROR"
	ErrDownloadTooLarge ErrorCode = "DOWNLOAD_TOO_LARGE"
	ErrCancelled        ErrorCode = "CANCELLED"
	ErrAuth             ErrorCode = "AUTH_FAILED"

	// Sync errors
	ErrSyncFailed         ErrorCode = "SYNC_FAILED"
	ErrSyncInProgress     ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncConditions     ErrorCode = "SYNC_CONDITIONS_UNMET"
	ErrSyncConflict       ErrorCode = "SYNC_CONFLICT"
	ErrQueueItemFailed    ErrorCode = "QUEUE_ITEM_FAILED"
	ErrConflictUnresolved ErrorCode = "CONFLICT_UNRESOLVED"

	// Image errors
	ErrImageDecode ErrorCode = "IMAGE_DECODE_FAILED"
	ErrImageEncode ErrorCode = "IMAGE_ENCODE_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}
