package mcplsp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
)

// Transport moves whole Messages over one wire channel. The same interface serves both
// sides of a connection: Connect dials a peer, while Start listens and reports every
// accepted peer as an EventConnection carrying its own Transport.
//
// A dialed Transport can be connected again once its connection has ended, either
// through Stop or because the peer went away. Every connection gets its own Events
// channel, so fetch Events after Connect. A listening Transport is single use, and a
// closed Transport cannot be connected or started again.
type Transport interface {
	// Connect dials the peer and starts delivering its messages as EventMessage events.
	// Listening-only transports return ErrUnsupportedMode.
	Connect(ctx context.Context) error

	// Start begins accepting peers. The listening transport itself never emits
	// EventMessage; the per-peer transports it hands out do.
	Start(ctx context.Context) error

	// Stop stops accepting peers. Transports already handed out stay open, their owner
	// closes them. On a dialed Transport, Stop hangs up the connection and leaves the
	// Transport ready to Connect again. Stop is idempotent.
	Stop(ctx context.Context) error

	// Close tears down the connection or listener. It is idempotent.
	Close() error

	// Send frames and writes msg. It returns once the bytes are written, or with the
	// write error.
	Send(ctx context.Context, msg Message) error

	// Events returns the channel of lifecycle and message events. It is created with the
	// transport, and closed after the final EventClose.
	Events() <-chan Event
}

// Event is a single notification from a Transport.
type Event struct {
	Type EventType
	// Message is set for EventMessage.
	Message Message
	// Err is set for EventError.
	Err error
	// Conn is set for EventConnection.
	Conn Transport
}

// EventType enumerates Event kinds.
type EventType int

// TransportKind names a wire implementation for NewTransport.
type TransportKind string

// TransportConfig selects and configures a transport for NewTransport.
type TransportConfig struct {
	Kind TransportKind
	// Address is a host:port for TCP, a ws:// URL or host:port for WebSocket, a socket
	// path for IPC, and the SSE connect URL or listen host:port for SSE.
	Address string
	// Reader and Writer are used by the stdio transport, defaulting to os.Stdin and
	// os.Stdout.
	Reader io.Reader
	Writer io.Writer
}

// TransportOption configures a transport.
type TransportOption func(*transportOptions)

type transportOptions struct {
	logger         *slog.Logger
	maxMessageSize int
	eventBuffer    int
	httpClient     *http.Client
}

const (
	// EventConnect is emitted once a dialed connection is established.
	EventConnect EventType = iota + 1
	// EventMessage carries one decoded message.
	EventMessage
	// EventClose is the last event before the channel is closed.
	EventClose
	// EventError reports a recoverable stream error, such as a framing violation or an
	// undecodable message. The stream keeps going.
	EventError
	// EventConnection carries a newly accepted peer.
	EventConnection
)

// Available transport kinds.
const (
	TransportStdio     TransportKind = "stdio"
	TransportTCP       TransportKind = "tcp"
	TransportWebSocket TransportKind = "websocket"
	TransportIPC       TransportKind = "ipc"
	TransportSSE       TransportKind = "sse"
)

const (
	defaultMaxMessageSize = 16 << 20
	defaultEventBuffer    = 64
)

// NewTransport builds the transport selected by cfg.Kind.
func NewTransport(cfg TransportConfig, options ...TransportOption) (Transport, error) {
	switch cfg.Kind {
	case TransportStdio:
		r, w := cfg.Reader, cfg.Writer
		if r == nil {
			r = os.Stdin
		}
		if w == nil {
			w = os.Stdout
		}
		return NewStdIO(r, w, options...), nil
	case TransportTCP:
		return NewTCP(cfg.Address, options...), nil
	case TransportWebSocket:
		return NewWebSocket(cfg.Address, options...), nil
	case TransportIPC:
		return NewIPC(cfg.Address, options...), nil
	case TransportSSE:
		return NewSSE(cfg.Address, options...), nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Kind)
	}
}

// ParseTransportKind parses a transport name, case-insensitively. "ws" is accepted for
// WebSocket and "unix" for IPC.
func ParseTransportKind(s string) (TransportKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "stdio", "":
		return TransportStdio, nil
	case "tcp":
		return TransportTCP, nil
	case "websocket", "ws":
		return TransportWebSocket, nil
	case "ipc", "unix":
		return TransportIPC, nil
	case "sse":
		return TransportSSE, nil
	default:
		return "", fmt.Errorf("unknown transport kind %q", s)
	}
}

// WithTransportLogger sets the logger for the transport and the peers it accepts.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(o *transportOptions) {
		o.logger = logger
	}
}

// WithMaxMessageSize bounds the size of a single inbound message. Oversized messages are
// reported as EventError and skipped.
func WithMaxMessageSize(size int) TransportOption {
	return func(o *transportOptions) {
		o.maxMessageSize = size
	}
}

// WithEventBuffer sets the capacity of the Events channel.
func WithEventBuffer(size int) TransportOption {
	return func(o *transportOptions) {
		o.eventBuffer = size
	}
}

// WithHTTPClient sets the HTTP client used by the SSE and WebSocket transports to dial.
func WithHTTPClient(client *http.Client) TransportOption {
	return func(o *transportOptions) {
		o.httpClient = client
	}
}

func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventConnection:
		return "connection"
	default:
		return "unknown"
	}
}

func newTransportOptions(kind TransportKind, options []TransportOption) transportOptions {
	o := transportOptions{
		logger:         slog.Default(),
		maxMessageSize: defaultMaxMessageSize,
		eventBuffer:    defaultEventBuffer,
		httpClient:     http.DefaultClient,
	}
	for _, opt := range options {
		opt(&o)
	}
	if o.eventBuffer < 1 {
		o.eventBuffer = 1
	}
	o.logger = o.logger.With(
		slog.String("package", "go-mcp-lsp"),
		slog.String("component", "transport"),
		slog.String("transport", string(kind)),
	)
	return o
}
