// Package apperr defines the error taxonomy shared by the store, the queue
// backends, the drains and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Code categorizes an error.
type Code string

const (
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeClaimConflict Code = "CLAIM_CONFLICT"
	CodeProvider      Code = "PROVIDER_ERROR"
	CodeStaleJob      Code = "STALE_JOB"
	CodeCompilation   Code = "COMPILATION_ERROR"
	CodeFailedPrecond Code = "FAILED_PRECONDITION"
)

// ErrClaimConflict is returned when a conditional transition lost its race.
// Callers treat it as "nothing to do", never as a failure.
var ErrClaimConflict = &Error{Code: CodeClaimConflict, Message: "job is no longer in the expected state"}

// Error is an error with a category and the operation that produced it.
type Error struct {
	Code    Code
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Err != nil && e.Err.Error() != e.Message {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus returns the status code the API responds with for this error.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeClaimConflict:
		return http.StatusConflict
	case CodeFailedPrecond:
		return http.StatusPreconditionFailed
	case CodeProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(resource, id string) *Error {
	return Newf(CodeNotFound, "%s not found: %s", resource, id)
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func Precondition(format string, args ...any) *Error {
	return Newf(CodeFailedPrecond, format, args...)
}

// Provider wraps the last error returned by a generation provider. Message
// holds that error's text unchanged so it can be stored verbatim on the job.
func Provider(provider string, err error) *Error {
	msg := "provider error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: CodeProvider, Op: provider, Message: msg, Err: err}
}

func Compilation(op string, err error) *Error {
	return &Error{Code: CodeCompilation, Op: op, Message: "final film compilation failed", Err: err}
}

// StaleJob describes a job the reclaimer pulled back from processing.
func StaleJob(jobType, id string) *Error {
	return Newf(CodeStaleJob, "%s job %s exceeded the processing timeout", jobType, id)
}

func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return http.StatusInternalServerError
}

func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

func IsClaimConflict(err error) bool {
	return IsCode(err, CodeClaimConflict)
}

// Message returns the user-facing message of err: the Message of the
// outermost *Error, or err.Error() for anything else.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
