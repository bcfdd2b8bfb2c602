package mcpwire

import "fmt"

// ConnectionError indicates the underlying channel could not be established or has
// been lost. It covers dial failures, authorization failures (HTTP 401/403),
// handshake failures, and connect timeouts.
type ConnectionError struct {
	Message string
	Err     error
}

func (e *ConnectionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError indicates malformed wire data: undecodable JSON, a missing SSE
// data payload, or a response that timed out in flight.
type TransportError struct {
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError indicates a failure reported by the server itself: either a
// well-formed JSON-RPC error response (Code is set) or a non-2xx HTTP status
// with a server-side cause (Status is set). Only the HTTP-status flavor is
// considered transient; a JSON-RPC error response is a definitive answer to
// the request that produced it.
type ServerError struct {
	// Code is the JSON-RPC error code, zero when the error originates from
	// an HTTP status instead of an error response object.
	Code int
	// Status is the HTTP status code, zero for JSON-RPC error responses.
	Status  int
	Message string
}

func (e *ServerError) Error() string { return e.Message }

// ToolCallError wraps an unexpected failure during an operation. The operation
// context is always carried in Op so the message names what was being attempted.
type ToolCallError struct {
	Op  string
	Err error
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ToolCallError) Unwrap() error { return e.Err }

// ValidationError indicates caller-supplied arguments failed a schema's
// required-field check. It is defined here so the whole error taxonomy lives in
// one place, but it is raised by layers above this package.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
