package core

import (
	"errors"
	"fmt"
)

// Error codes for the error taxonomy.
const (
	ErrCodeProtocol  = "protocol_error"
	ErrCodeHandler   = "handler_error"
	ErrCodeOperation = "operation_error"
	ErrCodeTransport = "transport_error"
	ErrCodeBroker    = "broker_error"
)

var (
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrNoHandler         = errors.New("no handler for event")
	ErrConnClosed        = errors.New("connection closed")
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrUnknownContext    = errors.New("unknown context")
	ErrDuplicateClientID = errors.New("client id already connected")
	// ErrUnencodable marks an outbound payload that cannot be serialized.
	ErrUnencodable = errors.New("unencodable payload")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
	Err     error
}

func (e *CoreError) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *CoreError) Unwrap() error {
	return e.Err
}

func coreError(code string, err error) *CoreError {
	return &CoreError{Code: code, Message: err.Error(), Err: err}
}

// ProtocolError reports a malformed envelope or unknown event.
func ProtocolError(err error) *CoreError {
	return coreError(ErrCodeProtocol, err)
}

// HandlerError reports a failing middleware or handler.
func HandlerError(event string, err error) *CoreError {
	return &CoreError{Code: ErrCodeHandler, Message: err.Error(), Err: fmt.Errorf("handle %s: %w", event, err)}
}

// TransportError reports a failed write to a client socket.
func TransportError(err error) *CoreError {
	return coreError(ErrCodeTransport, err)
}

// BrokerError reports an unavailable broker or an operation timeout.
func BrokerError(err error) *CoreError {
	return coreError(ErrCodeBroker, err)
}

// OperationError is a validated precondition failure returned by a cluster operation.
type OperationError struct {
	Operation string
	Message   string
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Operation, e.Message)
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code string) bool {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	var oe *OperationError
	if code == ErrCodeOperation && errors.As(err, &oe) {
		return true
	}
	return false
}

// ErrorMessage normalizes any error value to the string sent to clients.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ce *CoreError
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return err.Error()
}
