package pipeline

import (
	"fmt"

	errors "github.com/Laisky/errors/v2"
)

// ErrorCode identifies a machine-stable ingest error code.
type ErrorCode string

const (
	ErrCodePayloadTooLarge    ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrCodeValidationFailed   ErrorCode = "VALIDATION_FAILED"
	ErrCodeVirusDetected      ErrorCode = "VIRUS_DETECTED"
	ErrCodeScanUnavailable    ErrorCode = "SCAN_UNAVAILABLE"
	ErrCodeStorageWriteFailed ErrorCode = "STORAGE_WRITE_FAILED"
	ErrCodeStorageReadFailed  ErrorCode = "STORAGE_READ_FAILED"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
)

// Error is a typed ingest failure. Stage is the stage that was running when
// the request moved to StageFailed.
type Error struct {
	Code             ErrorCode
	Stage            Stage
	Message          string
	TrackingID       string
	OriginalFileName string
	ContentType      string
	Retryable        bool

	cause error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e == nil {
		return "ingest error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = fmt.Sprintf("ingest error: %s", e.Code)
	}
	if e.cause != nil {
		return msg + ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying collaborator error, if any.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// NewError constructs a typed ingest error.
func NewError(code ErrorCode, message string, retryable bool) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable}
}

// requestError builds an Error carrying the request's identifying fields.
func requestError(code ErrorCode, stage Stage, req Request, message string, cause error) *Error {
	return &Error{
		Code:             code,
		Stage:            stage,
		Message:          message,
		TrackingID:       req.TrackingID.String(),
		OriginalFileName: req.OriginalFileName,
		ContentType:      req.ContentType,
		Retryable:        isRetryable(code),
		cause:            cause,
	}
}

func isRetryable(code ErrorCode) bool {
	switch code {
	case ErrCodeScanUnavailable, ErrCodeStorageWriteFailed, ErrCodeStorageReadFailed:
		return true
	default:
		return false
	}
}

// AsError extracts a typed ingest error from the error chain.
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// IsCode reports whether the error chain contains the given code.
func IsCode(err error, code ErrorCode) bool {
	if typed, ok := AsError(err); ok {
		return typed.Code == code
	}
	return false
}
