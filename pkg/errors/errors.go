// Package errors provides the coded error type shared by the coordination core.
package errors

import (
	"errors"
	"fmt"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Code identifies a failure class in the coordination core. Codes are part of
// the API surface: the retry manager keys its transient/permanent decision on
// them and HTTP responses carry them verbatim.
type Code string

const (
	CodeValidation           Code = "VALIDATION_ERROR"
	CodeLockTimeout          Code = "LOCK_TIMEOUT"
	CodeDeadlockDetected     Code = "DEADLOCK_DETECTED"
	CodeBrokerUnavailable    Code = "BROKER_UNAVAILABLE"
	CodeEmergencyStopPartial Code = "EMERGENCY_STOP_PARTIAL_FAILURE"
	CodeTransactionClosed    Code = "TRANSACTION_CLOSED"
	CodeSystemHalted         Code = "SYSTEM_HALTED"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Error is a coded error carrying enough detail for the initiating
// collaborator to act on the failure.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// Resource names the lock key, rule, or entity the failure relates to.
	Resource string `json:"resource,omitempty"`

	cause error
}

var _ error = (*Error)(nil)

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Resource != "" {
		str += fmt.Sprintf(" (resource: %s)", e.Resource)
	}
	if e.cause != nil {
		str += fmt.Sprintf(": %v", e.cause)
	}
	return str
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithResource returns a copy of the error with the resource field set.
func (e *Error) WithResource(resource string) *Error {
	err := *e
	err.Resource = resource
	return &err
}

// CodeOf extracts the code from err, walking the wrap chain. Errors outside
// the taxonomy report CodeInternal.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
