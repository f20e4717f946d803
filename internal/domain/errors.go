package domain

import (
	"errors"
	"fmt"
)

// ErrorCode classifies run-control failures for the HTTP layer.
type ErrorCode string

const (
	CodeInvalidConfig       ErrorCode = "invalid_config"
	CodeRunAlreadyActive    ErrorCode = "run_already_active"
	CodeSpawnFailed         ErrorCode = "spawn_failed"
	CodeCaptureSpawnFailed  ErrorCode = "capture_spawn_failed"
	CodeProcessCrashed      ErrorCode = "process_crashed"
	CodeTimeoutExceeded     ErrorCode = "timeout_exceeded"
	CodeArtifactUnavailable ErrorCode = "artifact_unavailable"
)

// Error is a classified run-control error.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// NewError creates a classified error wrapping an optional cause.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// CodeOf extracts the error code, or empty string for unclassified errors.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
