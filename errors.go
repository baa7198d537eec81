package mcplsp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error is the error object carried by a JSON-RPC response. It implements the error
// interface, so handlers may return it directly to control the code and data sent back
// to the peer, and callers of SendRequest receive it when the peer answers with an error.
//
// Two Errors match under errors.Is when their codes are equal, regardless of message or
// data.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// FramingError reports a violation of the Content-Length framing on a byte stream. The
// decoder that produced it has already discarded the offending header block.
type FramingError struct {
	Header string
	Reason string
}

// JSON-RPC standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// LSP error codes.
const (
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
)

// MCP error codes.
const (
	CodeModelUnavailable     = -33000
	CodeContextTooLarge      = -33001
	CodeRateLimited          = -33002
	CodeAuthenticationFailed = -33003
)

var codeText = map[int]string{
	CodeParseError:           "Parse error",
	CodeInvalidRequest:       "Invalid Request",
	CodeMethodNotFound:       "Method not found",
	CodeInvalidParams:        "Invalid params",
	CodeInternalError:        "Internal error",
	CodeServerNotInitialized: "Server not initialized",
	CodeUnknownErrorCode:     "Unknown error",
	CodeRequestCancelled:     "Request cancelled",
	CodeContentModified:      "Content modified",
	CodeModelUnavailable:     "Model unavailable",
	CodeContextTooLarge:      "Context too large",
	CodeRateLimited:          "Rate limited",
	CodeAuthenticationFailed: "Authentication failed",
}

var (
	// ErrConnectionClosed is returned for every request still pending when its connection
	// goes away, and for sends attempted after that point.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRequestTimeout is returned when no response arrives within the request timeout.
	ErrRequestTimeout = errors.New("request timed out")
	// ErrAlreadyConnected is returned by Client.Connect unless the client is disconnected.
	ErrAlreadyConnected = errors.New("client is not in disconnected state")
	// ErrNotInitialized is returned by client calls made before the handshake completes.
	ErrNotInitialized = errors.New("client is not initialized")
	// ErrDocumentNotOpen is returned when a document operation targets an unknown URI.
	ErrDocumentNotOpen = errors.New("document not open")
	// ErrDocumentAlreadyOpen is returned when opening a URI that is already open.
	ErrDocumentAlreadyOpen = errors.New("document already open")
	// ErrStaleVersion is returned when a change carries a version not newer than the cached one.
	ErrStaleVersion = errors.New("document version is not newer than the current version")
	// ErrTransportClosed is returned by transport operations after Close or Stop.
	ErrTransportClosed = errors.New("transport closed")
	// ErrNotConnected is returned by Send on a transport that was never connected.
	ErrNotConnected = errors.New("transport not connected")
	// ErrUnsupportedMode is returned when a transport is asked to dial or listen and it cannot.
	ErrUnsupportedMode = errors.New("operation not supported by this transport")
	// ErrServerRunning is returned when the server configuration is mutated while running.
	ErrServerRunning = errors.New("server is running")
	// ErrServerNotRunning is returned by server operations that need a running server.
	ErrServerNotRunning = errors.New("server is not running")
	// ErrConnectionNotFound is returned when a connection ID is not known to the server.
	ErrConnectionNotFound = errors.New("connection not found")
)

// NewError creates an Error with the given code and message. A nil data is omitted from
// the wire; any other value is JSON-encoded, falling back to its string form when it
// cannot be encoded.
func NewError(code int, message string, data any) *Error {
	if message == "" {
		message = CodeText(code)
	}
	return &Error{
		Code:    code,
		Message: message,
		Data:    encodeData(data),
	}
}

// NewParseError returns a CodeParseError error.
func NewParseError(data any) *Error { return NewError(CodeParseError, "", data) }

// NewInvalidRequest returns a CodeInvalidRequest error.
func NewInvalidRequest(data any) *Error { return NewError(CodeInvalidRequest, "", data) }

// NewMethodNotFound returns a CodeMethodNotFound error naming the method.
func NewMethodNotFound(method string) *Error {
	return NewError(CodeMethodNotFound, "", map[string]string{"method": method})
}

// NewInvalidParams returns a CodeInvalidParams error.
func NewInvalidParams(data any) *Error { return NewError(CodeInvalidParams, "", data) }

// NewInternalError returns a CodeInternalError error.
func NewInternalError(data any) *Error { return NewError(CodeInternalError, "", data) }

// CodeText returns the canonical message for a known code, or an empty string.
func CodeText(code int) string {
	return codeText[code]
}

func (e *Error) Error() string {
	if len(e.Data) == 0 {
		return fmt.Sprintf("request error, code: %d, message: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("request error, code: %d, message: %s, data: %s", e.Code, e.Message, e.Data)
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *FramingError) Error() string {
	if e.Header == "" {
		return "framing error: " + e.Reason
	}
	return fmt.Sprintf("framing error: %s (header %q)", e.Reason, e.Header)
}

// toRPCError converts a handler error into the error object sent to the peer.
func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return NewInternalError(err.Error())
}

func encodeData(data any) json.RawMessage {
	switch d := data.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return d
	case error:
		data = d.Error()
	}
	bs, err := json.Marshal(data)
	if err != nil {
		bs, _ = json.Marshal(fmt.Sprint(data))
	}
	return bs
}
