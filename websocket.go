package mcplsp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WebSocket is a Transport where every text frame carries exactly one message, so no
// extra framing is applied.
//
// Start serves the upgrade endpoint on its own listener when the transport has an
// address, and only through Handler otherwise, which lets callers mount it on an
// existing HTTP server.
type WebSocket struct {
	*endpoint
	addr string

	mu       sync.Mutex
	acc      *chanAcceptor
	listener net.Listener
	route    string
}

type websocketWire struct {
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewWebSocket creates a WebSocket transport. addr is a ws:// URL to dial, or a host:port
// (optionally as a ws:// URL with a path) to listen on.
func NewWebSocket(addr string, options ...TransportOption) *WebSocket {
	t := &WebSocket{addr: addr}
	t.endpoint = newEndpoint(newTransportOptions(TransportWebSocket, options), t.dial, t.listen)
	return t
}

// Handler returns the http.Handler that upgrades requests into peer connections. It
// answers 503 until Start is called.
func (t *WebSocket) Handler() http.Handler {
	return http.HandlerFunc(t.handleUpgrade)
}

// URL returns the ws:// URL peers should dial, or an empty string when the transport is
// not listening on its own address.
func (t *WebSocket) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return "ws://" + t.listener.Addr().String() + t.route
}

func (t *WebSocket) dial(ctx context.Context) (wire, error) {
	u, err := parseHTTPAddress(t.addr, "ws", "/")
	if err != nil {
		return nil, err
	}
	c, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: t.opts.httpClient,
	})
	if err != nil {
		return nil, err
	}
	return t.newWire(c), nil
}

func (t *WebSocket) listen(ctx context.Context) (acceptor, error) {
	if t.addr == "" {
		acc := newChanAcceptor(nil)
		t.mu.Lock()
		t.acc = acc
		t.mu.Unlock()
		return acc, nil
	}

	u, err := parseHTTPAddress(t.addr, "ws", "/")
	if err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(u.Path, t.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Closing only the listener leaves upgraded peers running.
	acc := newChanAcceptor(l.Close)
	t.mu.Lock()
	t.acc = acc
	t.listener = l
	t.route = u.Path
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) && !isClosedError(err) {
			t.opts.logger.Error("websocket server stopped", slog.String("err", err.Error()))
		}
	}()
	return acc, nil
}

func (t *WebSocket) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	t.mu.Lock()
	acc := t.acc
	t.mu.Unlock()
	if acc == nil {
		http.Error(w, "websocket transport is not started", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the error response.
		t.opts.logger.Warn("failed to upgrade connection", slog.String("err", err.Error()))
		return
	}

	ws := t.newWire(c)
	if !acc.offer(r.Context(), ws) {
		_ = c.Close(websocket.StatusGoingAway, "server stopped")
		return
	}

	// Keep the handler alive for as long as the peer is.
	<-ws.done
}

func (t *WebSocket) newWire(c *websocket.Conn) *websocketWire {
	if t.opts.maxMessageSize > 0 {
		c.SetReadLimit(int64(t.opts.maxMessageSize))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &websocketWire{
		conn:   c,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (w *websocketWire) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.Read(w.ctx)
	if err != nil {
		if websocket.CloseStatus(err) != -1 || w.ctx.Err() != nil {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (w *websocketWire) WriteMessage(ctx context.Context, payload []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, payload)
}

func (w *websocketWire) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.conn.Close(websocket.StatusNormalClosure, "")
		w.cancel()
		close(w.done)
	})
	if err != nil && (websocket.CloseStatus(err) != -1 || isClosedError(err)) {
		return nil
	}
	return err
}

// parseHTTPAddress accepts either a URL or a bare host:port, defaulting the scheme and
// the path.
func parseHTTPAddress(addr, scheme, defaultPath string) (*url.URL, error) {
	if !strings.Contains(addr, "://") {
		addr = scheme + "://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid address %q: missing host", addr)
	}
	if u.Path == "" {
		u.Path = defaultPath
	}
	return u, nil
}
