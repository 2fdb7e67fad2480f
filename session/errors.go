package session

import (
	"errors"
	"fmt"

	"github.com/dgitj/mcp-identity-tracking-sdk/jsonrpc"
)

var (
	// ErrProtocol matches every *ProtocolError.
	ErrProtocol = errors.New("protocol error")
	// ErrRequestFailed matches every *RequestError: the peer answered a request
	// with an explicit error payload.
	ErrRequestFailed = errors.New("request failed")
	// ErrConnectionClosed resolves requests still pending when the session's
	// channels close, and is returned by sends on a closed session.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrHandshakeFailed is returned when the initialize handshake did not
	// complete.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrNotInitialized is returned for traffic the lifecycle does not allow
	// before the session is ready.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrAlreadyResponded is returned by a Responder that already sent its
	// response.
	ErrAlreadyResponded = errors.New("request already responded")
)

// RequestError is the error payload a peer returned for one of our requests.
type RequestError struct {
	Code    jsonrpc.ErrorCode
	Message string
	Data    any
}

// NewRequestError builds a RequestError. Handlers can return it to control
// the error code sent to the peer.
func NewRequestError(code jsonrpc.ErrorCode, message string, data any) *RequestError {
	return &RequestError{Code: code, Message: message, Data: data}
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed (%d): %s", e.Code, e.Message)
}

// Is reports whether target is ErrRequestFailed.
func (e *RequestError) Is(target error) bool { return target == ErrRequestFailed }

// ProtocolError describes an envelope that violated the protocol: malformed,
// a response for an unknown or already resolved id, a duplicate request id,
// or a lifecycle violation. It is surfaced to the ErrorHandler and, under the
// default policy, does not terminate the session.
type ProtocolError struct {
	Reason string
	ID     *jsonrpc.RequestID
	Method string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol error: " + e.Reason
	if !e.ID.IsNil() {
		msg += fmt.Sprintf(" (id=%s)", e.ID.String())
	}
	if e.Method != "" {
		msg += fmt.Sprintf(" (method=%s)", e.Method)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is ErrProtocol.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func (e *ProtocolError) Unwrap() error { return e.Err }

func requestErrorFromWire(e *jsonrpc.Error) *RequestError {
	return &RequestError{Code: e.Code, Message: e.Message, Data: e.Data}
}
