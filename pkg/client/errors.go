package client

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrMissingBatchKey is wrapped when a batch response lacks a submitted key.
	ErrMissingBatchKey = errors.New("missing batch key")

	// ErrListShape is wrapped when a list result is neither a sequence nor a
	// single-entry mapping holding a sequence.
	ErrListShape = errors.New("unexpected list result shape")

	// ErrPageOffset is wrapped when a declared next offset does not match the page size.
	ErrPageOffset = errors.New("inconsistent page offset")

	// ErrReservedParameter is wrapped when a caller sets a parameter owned by a pager.
	ErrReservedParameter = errors.New("reserved parameter")

	// ErrMalformedResponse is wrapped when a response body cannot be decoded.
	ErrMalformedResponse = errors.New("malformed response")
)

// ErrorClass represents a classification of call failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassApplication represents error bodies reported by the API.
	ErrorClassApplication ErrorClass = "application"

	// ErrorClassProtocol represents local contract violations.
	ErrorClassProtocol ErrorClass = "protocol"
)

// TransportError is a non-2xx response without an error body, or a request
// that never produced a response (StatusCode 0).
type TransportError struct {
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("request failed: %v", e.Err)
	}
	return fmt.Sprintf("request failed with status code %d", e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ApplicationError is an error reported by the API in the response body,
// either for a whole call or for one key of a batch.
type ApplicationError struct {
	Code        string
	Description string
	StatusCode  int
}

// Error implements the error interface.
func (e *ApplicationError) Error() string {
	description := e.Description
	if description == "" {
		description = "no description"
	}
	return fmt.Sprintf("%s: %s", e.Code, description)
}

// ProtocolError is a local contract violation. It is never retried.
type ProtocolError struct {
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError builds a ProtocolError wrapping sentinel.
func NewProtocolError(op string, sentinel error, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     sentinel,
	}
}

// classifyError categorizes an error for observability.
func classifyError(err error) ErrorClass {
	var transportErr *TransportError
	var appErr *ApplicationError
	var protoErr *ProtocolError

	switch {
	case errors.As(err, &transportErr):
		return classifyStatus(transportErr.StatusCode)
	case errors.As(err, &appErr):
		return ErrorClassApplication
	case errors.As(err, &protoErr):
		return ErrorClassProtocol
	default:
		return ErrorClassNetwork
	}
}

func classifyStatus(status int) ErrorClass {
	switch {
	case status == 0:
		return ErrorClassNetwork
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
