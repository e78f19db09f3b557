package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a courrier error code.
type ErrorCode string

const (
	ErrValidationRejected ErrorCode = "VALIDATION_REJECTED" // 415
	ErrServiceError       ErrorCode = "SERVICE_ERROR"       // 502
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE" // 503
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"     // 400
	ErrNotFound           ErrorCode = "NOT_FOUND"           // 404
	ErrFileNotFound       ErrorCode = "FILE_NOT_FOUND"      // 404
	ErrInvalidState       ErrorCode = "INVALID_STATE"       // 409
	ErrAlreadyExists      ErrorCode = "ALREADY_EXISTS"      // 409
	ErrCancelled          ErrorCode = "CANCELLED"           // 499
	ErrInternal           ErrorCode = "INTERNAL"            // 500
)

// CourrierError is a structured error with code, HTTP-ish status, and details.
// Message is the text shown to the user.
type CourrierError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
	cause   error
}

// Error implements the error interface.
func (e *CourrierError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *CourrierError) Unwrap() error {
	return e.cause
}

// NewValidationRejected creates a 415 error for an upload whose content type
// is neither an image nor a PDF.
func NewValidationRejected(contentType string) *CourrierError {
	return &CourrierError{
		Code:    ErrValidationRejected,
		Status:  415,
		Message: fmt.Sprintf("unsupported file type: %s", contentType),
		Details: map[string]any{"content_type": contentType},
	}
}

// NewServiceError creates a 502 error for a failed call to an external
// collaborator (extraction, generation, PDF rendering, rasterizer).
func NewServiceError(msg string, cause error) *CourrierError {
	return &CourrierError{
		Code:    ErrServiceError,
		Status:  502,
		Message: msg,
		cause:   cause,
	}
}

// NewStorageUnavailable creates a 503 error when the archive slot cannot be
// read or written.
func NewStorageUnavailable(cause error) *CourrierError {
	msg := "archive storage unavailable"
	if cause != nil {
		msg = fmt.Sprintf("archive storage unavailable: %v", cause)
	}
	return &CourrierError{
		Code:    ErrStorageUnavailable,
		Status:  503,
		Message: msg,
		cause:   cause,
	}
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *CourrierError {
	return &CourrierError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for a missing archive record.
func NewNotFound(id string) *CourrierError {
	return &CourrierError{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("letter not found: %s", id),
		Details: map[string]any{"id": id},
	}
}

// NewFileNotFound creates a 404 error for a missing file on disk.
func NewFileNotFound(path string) *CourrierError {
	return &CourrierError{
		Code:    ErrFileNotFound,
		Status:  404,
		Message: fmt.Sprintf("file not found: %s", path),
		Details: map[string]any{"path": path},
	}
}

// NewInvalidState creates a 409 error when a pipeline operation is issued
// from a phase that does not allow it.
func NewInvalidState(pipeline, phase, op string) *CourrierError {
	return &CourrierError{
		Code:    ErrInvalidState,
		Status:  409,
		Message: fmt.Sprintf("cannot %s: %s pipeline is %s", op, pipeline, phase),
		Details: map[string]any{"pipeline": pipeline, "phase": phase, "operation": op},
	}
}

// NewAlreadyExists creates a 409 error when an imported letter id is
// already in the archive.
func NewAlreadyExists(id string) *CourrierError {
	return &CourrierError{
		Code:    ErrAlreadyExists,
		Status:  409,
		Message: fmt.Sprintf("letter already exists: %s", id),
		Details: map[string]any{"id": id},
	}
}

// NewCancelled creates a 499 error when a long-running operation is cancelled.
func NewCancelled(op string) *CourrierError {
	return &CourrierError{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *CourrierError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &CourrierError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		cause:   err,
	}
}

// As returns the CourrierError in err's chain, if any.
func As(err error) (*CourrierError, bool) {
	var cErr *CourrierError
	if stderrors.As(err, &cErr) {
		return cErr, true
	}
	return nil, false
}

// Is checks if err (or anything it wraps) is a CourrierError with the given code.
func Is(err error, code ErrorCode) bool {
	if cErr, ok := As(err); ok {
		return cErr.Code == code
	}
	return false
}

// Message returns the user-facing text for err. CourrierErrors yield their
// Message; anything else yields err.Error().
func Message(err error) string {
	if err == nil {
		return ""
	}
	if cErr, ok := As(err); ok {
		return cErr.Message
	}
	return err.Error()
}
