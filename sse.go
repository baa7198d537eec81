package mcplsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSE is a Transport built from two HTTP endpoints: a Server-Sent Events stream carrying
// server-to-client messages, and a POST endpoint receiving client-to-server messages.
// Each SSE event and each POST body holds exactly one message.
//
// On connect the server sends an "endpoint" event whose data is the POST URL for that
// session, relative to the stream URL. HandleSSE and HandleMessage can be mounted on an
// existing HTTP server, with the message handler at the sibling path "message" of the
// stream handler.
type SSE struct {
	*endpoint
	addr string

	mu       sync.Mutex
	acc      *chanAcceptor
	listener net.Listener
	route    string
	sessions map[string]*sseServerWire
}

type sseServerWire struct {
	id       string
	sess     *sse.Session
	incoming chan []byte

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

type sseClientWire struct {
	httpClient *http.Client
	logger     *slog.Logger
	cancel     context.CancelFunc

	mu         sync.Mutex
	messageURL string

	messages  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

const (
	sseEndpointEvent = "endpoint"
	sseMessageEvent  = "message"
)

// NewSSE creates an SSE transport. For Connect, addr is the stream URL (a bare host:port
// means http://host:port/sse). For Start, addr is the address to listen on, optionally
// as a URL naming the stream path; an empty addr serves only through the handlers.
func NewSSE(addr string, options ...TransportOption) *SSE {
	t := &SSE{
		addr:     addr,
		sessions: make(map[string]*sseServerWire),
	}
	t.endpoint = newEndpoint(newTransportOptions(TransportSSE, options), t.dial, t.listen)
	return t
}

// URL returns the stream URL clients should connect to, or an empty string when the
// transport is not listening on its own address.
func (t *SSE) URL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return "http://" + t.listener.Addr().String() + t.route
}

// HandleSSE returns the http.Handler that opens a session stream. The request stays open
// for the life of the session.
func (t *SSE) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.mu.Lock()
		acc := t.acc
		t.mu.Unlock()
		if acc == nil {
			http.Error(w, "sse transport is not started", http.StatusServiceUnavailable)
			return
		}

		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			t.opts.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.New().String()

		msg := sse.Message{
			Type: sse.Type(sseEndpointEvent),
		}
		msg.AppendData("message?sessionID=" + sessID)
		if err := sess.Send(&msg); err != nil {
			t.opts.logger.Error("failed to write endpoint event", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			t.opts.logger.Error("failed to flush endpoint event", slog.String("err", err.Error()))
			return
		}

		ws := &sseServerWire{
			id:       sessID,
			sess:     sess,
			incoming: make(chan []byte, 5),
			done:     make(chan struct{}),
		}
		t.mu.Lock()
		t.sessions[sessID] = ws
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			delete(t.sessions, sessID)
			t.mu.Unlock()
		}()

		if !acc.offer(r.Context(), ws) {
			_ = ws.Close()
			return
		}

		// The response must stay open until the session is over; writes after the
		// handler returns are not allowed.
		select {
		case <-ws.done:
		case <-r.Context().Done():
			_ = ws.Close()
		}
	})
}

// HandleMessage returns the http.Handler receiving client messages. It expects the
// sessionID query parameter announced by the endpoint event.
func (t *SSE) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			t.opts.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		t.mu.Lock()
		ws, ok := t.sessions[sessID]
		t.mu.Unlock()
		if !ok {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(t.opts.maxMessageSize)))
		if err != nil {
			nErr := fmt.Errorf("failed to read message: %w", err)
			t.opts.logger.Warn("failed to read message", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		select {
		case ws.incoming <- body:
		case <-ws.done:
			http.Error(w, "session closed", http.StatusGone)
		case <-r.Context().Done():
		}
	})
}

func (t *SSE) dial(ctx context.Context) (wire, error) {
	connectURL, err := parseHTTPAddress(t.addr, "http", "/sse")
	if err != nil {
		return nil, err
	}

	// The stream outlives ctx, which only bounds the handshake.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, connectURL.String(), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.opts.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	w := &sseClientWire{
		httpClient: t.opts.httpClient,
		logger:     t.opts.logger,
		cancel:     cancel,
		messages:   make(chan []byte),
		done:       make(chan struct{}),
	}
	ready := make(chan error, 1)
	go w.listenSSEMessages(resp.Body, connectURL, t.opts.maxMessageSize, ready)

	select {
	case err := <-ready:
		if err != nil {
			_ = w.Close()
			return nil, err
		}
		return w, nil
	case <-ctx.Done():
		_ = w.Close()
		return nil, ctx.Err()
	}
}

func (t *SSE) listen(ctx context.Context) (acceptor, error) {
	if t.addr == "" {
		acc := newChanAcceptor(nil)
		t.mu.Lock()
		t.acc = acc
		t.mu.Unlock()
		return acc, nil
	}

	u, err := parseHTTPAddress(t.addr, "http", "/sse")
	if err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", u.Host)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+u.Path, t.HandleSSE())
	mux.Handle("POST "+path.Join(path.Dir(u.Path), "message"), t.HandleMessage())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	acc := newChanAcceptor(l.Close)
	t.mu.Lock()
	t.acc = acc
	t.listener = l
	t.route = u.Path
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) && !isClosedError(err) {
			t.opts.logger.Error("sse server stopped", slog.String("err", err.Error()))
		}
	}()
	return acc, nil
}

func (s *sseServerWire) ReadMessage() ([]byte, error) {
	select {
	case msg := <-s.incoming:
		return msg, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *sseServerWire) WriteMessage(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}

	msg := sse.Message{
		Type: sse.Type(sseMessageEvent),
	}
	msg.AppendData(string(payload))
	if err := s.sess.Send(&msg); err != nil {
		return fmt.Errorf("failed to write SSE message: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSE message: %w", err)
	}
	return nil
}

func (s *sseServerWire) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
	})
	return nil
}

func (c *sseClientWire) listenSSEMessages(body io.ReadCloser, connectURL *url.URL, maxSize int, ready chan<- error) {
	defer func() {
		body.Close()
		close(c.messages)
	}()

	var config *sse.ReadConfig
	if maxSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxSize,
		}
	}

	endpointReceived := false
	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				c.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			break
		}

		switch ev.Type {
		case sseEndpointEvent:
			ref, err := url.Parse(strings.TrimSpace(ev.Data))
			if err != nil || ev.Data == "" {
				if !endpointReceived {
					ready <- fmt.Errorf("invalid endpoint URL %q", ev.Data)
					return
				}
				c.logger.Warn("ignoring invalid endpoint URL", slog.String("data", ev.Data))
				continue
			}
			c.mu.Lock()
			c.messageURL = connectURL.ResolveReference(ref).String()
			c.mu.Unlock()
			if !endpointReceived {
				endpointReceived = true
				close(ready)
			}
		case sseMessageEvent, "":
			if !endpointReceived {
				c.logger.Error("received message before endpoint URL")
				continue
			}
			select {
			case c.messages <- []byte(ev.Data):
			case <-c.done:
				return
			}
		default:
			c.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointReceived {
		ready <- errors.New("event stream ended before the endpoint event")
	}
}

func (c *sseClientWire) ReadMessage() ([]byte, error) {
	select {
	case msg, ok := <-c.messages:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-c.done:
		return nil, net.ErrClosed
	}
}

func (c *sseClientWire) WriteMessage(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	messageURL := c.messageURL
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (c *sseClientWire) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
	})
	return nil
}
