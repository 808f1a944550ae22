// Package gameerr defines the coded errors surfaced by the narrative engine.
package gameerr

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an error that carries no code.
	CodeUnknown Code = "UNKNOWN"

	// CodeValidationRejected means an input failed a setup precondition.
	// State is unchanged and the player can be re-prompted.
	CodeValidationRejected Code = "VALIDATION_REJECTED"
	// CodeBackendUnavailable means every retry of a narrative-critical call failed.
	CodeBackendUnavailable Code = "BACKEND_UNAVAILABLE"
	// CodeSchemaInvalid means a generated payload violated its structural contract.
	CodeSchemaInvalid Code = "SCHEMA_INVALID"
	// CodeSessionNotFound means the session is absent or expired.
	CodeSessionNotFound Code = "SESSION_NOT_FOUND"
	// CodeSessionTerminated means the session already reached GAME_OVER or VICTORY.
	CodeSessionTerminated Code = "SESSION_TERMINATED"
	// CodeResumeNotFound means a game record has no rounds to resume from.
	CodeResumeNotFound Code = "RESUME_NOT_FOUND"
	// CodeStorageFailed means the persistence store rejected a write.
	CodeStorageFailed Code = "STORAGE_FAILED"
)

// Error is a domain error with a code.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return string(e.Code)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given code and message.
func New(code Code, format string, args ...any) error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to err. A nil err stays nil.
func Wrap(code Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// GetCode extracts the outermost error code from any error.
// Returns CodeUnknown if the error is not a domain error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// IsCode reports whether any error in err's chain has the specified code.
func IsCode(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}

// Rejected is shorthand for a VALIDATION_REJECTED error.
func Rejected(format string, args ...any) error {
	return New(CodeValidationRejected, format, args...)
}
