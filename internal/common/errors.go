package common

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrConflict     = errors.New("conflict")
	ErrDatabase     = errors.New("database error")
	ErrValidation   = errors.New("validation failed")
)

// Pipeline failure taxonomy.
var (
	// ErrUnsupportedContentType is fatal: the content will never become processable.
	ErrUnsupportedContentType = errors.New("unsupported content type")
	// ErrOCRFailed covers corrupt files, engine errors and timeouts.
	ErrOCRFailed = errors.New("ocr failed")
	// ErrFetchFailed covers network, timeout and non-2xx responses.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrStrategyFailure is raised when an extractor strategy errors.
	ErrStrategyFailure = errors.New("extraction strategy failed")
	// ErrDuplicateEntity is recovered inside the resolver and never surfaced.
	ErrDuplicateEntity = errors.New("duplicate entity")
	// ErrDocumentGone marks results dropped because the document was deleted.
	ErrDocumentGone = errors.New("document deleted")
)

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Retryable reports whether a stage error should be retried with backoff.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrUnsupportedContentType),
		errors.Is(err, ErrDocumentGone),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidInput):
		return false
	}
	return true
}

// FailureCode returns a short stable code for a stage error, used as the
// recorded failure reason prefix.
func FailureCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnsupportedContentType):
		return "UNSUPPORTED_CONTENT_TYPE"
	case errors.Is(err, ErrOCRFailed):
		return "OCR_FAILED"
	case errors.Is(err, ErrFetchFailed):
		return "FETCH_FAILED"
	case errors.Is(err, ErrStrategyFailure):
		return "STRATEGY_FAILURE"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrDatabase):
		return "DATABASE_ERROR"
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return "INTERNAL"
}

// ToStatus maps a domain error onto a gRPC status error.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDocumentGone):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrUnsupportedContentType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrFetchFailed):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
