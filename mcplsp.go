package mcplsp

import (
	"context"
	"encoding/json"
)

// Client interfaces

// DiagnosticsListener receives diagnostics published by the server.
type DiagnosticsListener interface {
	// OnDiagnostics is called for every textDocument/publishDiagnostics notification.
	OnDiagnostics(params PublishDiagnosticsParams)
}

// ShowMessageListener receives messages the server wants displayed to the user. They
// arrive as window/showMessage, either as a notification or as a request.
type ShowMessageListener interface {
	OnShowMessage(params ShowMessageParams)
}

// LogMessageListener receives window/logMessage messages from the server.
type LogMessageListener interface {
	OnLogMessage(params LogMessageParams)
}

// TelemetryListener receives telemetry/event payloads, which have no fixed shape.
type TelemetryListener interface {
	OnTelemetry(params json.RawMessage)
}

// NotificationListener receives every server notification the client has no dedicated
// listener method for, so forward-compatible servers lose nothing.
type NotificationListener interface {
	OnNotification(msg Message)
}

// StateListener is told about every client state transition.
type StateListener interface {
	OnStateChange(from, to ConnectionState)
}

// ErrorListener receives transport-level errors, such as framing violations, that did
// not end the connection.
type ErrorListener interface {
	OnError(err error)
}

// WorkspaceEditHandler applies workspace/applyEdit requests from the server. Without
// one, the client acknowledges every edit as applied.
type WorkspaceEditHandler interface {
	ApplyEdit(ctx context.Context, params ApplyWorkspaceEditParams) (ApplyWorkspaceEditResult, error)
}

// ShowMessageRequestHandler answers window/showMessageRequest requests with the action
// the user picked, or nil when none was. Without one, the client answers null.
type ShowMessageRequestHandler interface {
	ShowMessageRequest(ctx context.Context, params ShowMessageRequestParams) (*MessageActionItem, error)
}

// Server interfaces

// Handler handles one method on a server connection. For requests, the returned value is
// JSON-encoded as the result, and a returned *Error is sent as is while any other error
// becomes CodeInternalError. For notifications, the result is discarded and an error is
// reported through the notification error callback.
type Handler interface {
	Handle(ctx context.Context, conn *Connection, msg Message) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn *Connection, msg Message) (any, error)

// ModelProvider performs model inference for model/request. Without one, the server
// answers with a stub response.
type ModelProvider interface {
	// Generate returns the model output for params. Returned errors should use the MCP
	// error codes, such as CodeModelUnavailable or CodeRateLimited.
	Generate(ctx context.Context, params ModelRequestParams) (ModelResponse, error)
}

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, conn *Connection, msg Message) (any, error) {
	return f(ctx, conn, msg)
}
