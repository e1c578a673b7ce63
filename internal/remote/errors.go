package remote

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
)

// Common remote operation errors
var (
	// ErrNotFound indicates the path does not exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates the path already exists
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotEmpty indicates a directory still has entries
	ErrNotEmpty = errors.New("directory not empty")
	// ErrNotConnected indicates the connection was closed or never opened
	ErrNotConnected = errors.New("not connected")
	// ErrAppendUnsupported indicates the backend cannot continue a partial file
	ErrAppendUnsupported = errors.New("append session not supported")
	// ErrUnsupported indicates the backend does not implement the operation
	ErrUnsupported = errors.New("operation not supported")
	// ErrIntegrity indicates the server and client disagree about transferred bytes
	ErrIntegrity = errors.New("transfer integrity failure")
	// ErrPaused indicates work stopped because its operation was paused
	ErrPaused = errors.New("paused")
	// ErrCancelled indicates work stopped because its operation was cancelled
	ErrCancelled = errors.New("cancelled")
)

// ErrorType represents different classes of errors for retry strategy
type ErrorType int

const (
	// ErrorTypeSuccess indicates operation succeeded
	ErrorTypeSuccess ErrorType = iota
	// ErrorTypeIdempotent indicates the desired end state already holds (already deleted, already exists)
	ErrorTypeIdempotent
	// ErrorTypeRace indicates a concurrent server-side change (directory re-populated)
	ErrorTypeRace
	// ErrorTypeInterrupted indicates pause, cancel or context cancellation
	ErrorTypeInterrupted
	// ErrorTypeIntegrity indicates a chunk session must restart from a verified offset
	ErrorTypeIntegrity
	// ErrorTypeTransient indicates network or server trouble worth retrying on a fresh connection
	ErrorTypeTransient
	// ErrorTypeFatal indicates a client-side error that retrying will not fix
	ErrorTypeFatal
)

// Classify determines the error type for retry strategy.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeSuccess
	}

	switch {
	case errors.Is(err, ErrPaused), errors.Is(err, ErrCancelled),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeInterrupted
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists):
		return ErrorTypeIdempotent
	case errors.Is(err, ErrNotEmpty):
		return ErrorTypeRace
	case errors.Is(err, ErrIntegrity):
		return ErrorTypeIntegrity
	case errors.Is(err, ErrNotConnected):
		return ErrorTypeTransient
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrAppendUnsupported):
		return ErrorTypeFatal
	}

	if errors.Is(err, fs.ErrPermission) {
		return ErrorTypeFatal
	}
	if code, ok := StatusCode(err); ok {
		switch {
		case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
			return ErrorTypeTransient
		case code >= 400:
			return ErrorTypeFatal
		}
	}

	// Everything else (timeouts, resets, 5xx, throttling) is worth another attempt.
	return ErrorTypeTransient
}

// StatusError carries the HTTP status a backend answered with.
type StatusError struct {
	Code int
	Err  error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %v", e.Code, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status behind err, from a StatusError or from
// any error exposing HTTPStatusCode (as the AWS SDK response errors do).
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	var withCode interface{ HTTPStatusCode() int }
	if errors.As(err, &withCode) {
		return withCode.HTTPStatusCode(), true
	}
	return 0, false
}

// Reusable reports whether the connection that produced err can go back to the pool.
// Connections that saw a transient, integrity or fatal error are discarded.
func Reusable(err error) bool {
	switch Classify(err) {
	case ErrorTypeSuccess, ErrorTypeIdempotent, ErrorTypeRace:
		return true
	case ErrorTypeInterrupted:
		return errors.Is(err, ErrPaused) || errors.Is(err, ErrCancelled)
	default:
		return false
	}
}

// IsIdempotentSuccess reports whether err means the operation's goal already holds.
func IsIdempotentSuccess(err error) bool {
	return Classify(err) == ErrorTypeIdempotent
}

// ErrorTypeName returns a human-readable name for an error type
func ErrorTypeName(t ErrorType) string {
	switch t {
	case ErrorTypeSuccess:
		return "success"
	case ErrorTypeIdempotent:
		return "idempotent"
	case ErrorTypeRace:
		return "race"
	case ErrorTypeInterrupted:
		return "interrupted"
	case ErrorTypeIntegrity:
		return "integrity"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}
