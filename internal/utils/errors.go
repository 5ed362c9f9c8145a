package utils

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"
)

type Code string

const (
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeUnavailable     Code = "UNAVAILABLE"
	CodeTimeout         Code = "TIMEOUT"
	CodeInternal        Code = "INTERNAL"

	// pipeline taxonomy
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeTranscriptionError    Code = "TRANSCRIPTION_ERROR"
	CodeAllProvidersExhausted Code = "ALL_PROVIDERS_EXHAUSTED"
	CodeSynthesisError        Code = "SYNTHESIS_ERROR"
	CodeSessionNotFound       Code = "SESSION_NOT_FOUND"
	CodeInternalTimeout       Code = "INTERNAL_TIMEOUT"
)

// AppError is the unified error contract across layers.
type AppError struct {
	Code    Code
	Op      string // operation name, ex: "Orchestrator.Submit"
	Message string // safe message
	Err     error  // wrapped error

	// RetryAfter is only set for CodeRateLimited.
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "" && e.Message != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "error"
	}
}

func (e *AppError) Unwrap() error { return e.Err }

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below 1 for a rate-limit error.
func (e *AppError) RetryAfterSeconds() int {
	if e == nil || e.Code != CodeRateLimited {
		return 0
	}
	s := int(math.Ceil(e.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

func E(code Code, op, msg string, err error) error {
	return &AppError{Code: code, Op: op, Message: msg, Err: err}
}

// RateLimited builds a CodeRateLimited error carrying the retry delay.
func RateLimited(op string, retryAfter time.Duration) error {
	return &AppError{Code: CodeRateLimited, Op: op, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

func IsCode(err error, code Code) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code == code
	}
	return false
}

// CodeOf returns the code of the outermost AppError, or CodeInternal.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

func HTTPStatus(err error) int {
	var ae *AppError
	if errors.As(err, &ae) {
		switch ae.Code {
		case CodeInvalidArgument:
			return http.StatusBadRequest
		case CodeUnauthorized:
			return http.StatusUnauthorized
		case CodeForbidden:
			return http.StatusForbidden
		case CodeNotFound, CodeSessionNotFound:
			return http.StatusNotFound
		case CodeConflict:
			return http.StatusConflict
		case CodeUnavailable:
			return http.StatusServiceUnavailable
		case CodeTimeout, CodeInternalTimeout:
			return http.StatusGatewayTimeout
		case CodeRateLimited:
			return http.StatusTooManyRequests
		case CodeTranscriptionError:
			return http.StatusUnprocessableEntity
		case CodeAllProvidersExhausted, CodeSynthesisError:
			return http.StatusBadGateway
		default:
			return http.StatusInternalServerError
		}
	}
	// fallback
	if errors.Is(err, ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// Backward-compatible sentinel errors
var (
	ErrNotFound = errors.New("not found")
)
