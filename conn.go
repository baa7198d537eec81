package mcplsp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// wire carries whole payloads over one underlying channel. ReadMessage is only called
// from one goroutine, WriteMessage from another.
type wire interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, payload []byte) error
	Close() error
}

// acceptor hands out the wires of newly accepted peers until it is closed.
type acceptor interface {
	Accept() (wire, error)
	Close() error
}

// conn is the Transport for one established peer. It owns a reader goroutine that turns
// payloads into events and a writer goroutine that serializes Send calls.
type conn struct {
	wire   wire
	logger *slog.Logger
	events chan Event

	writeMessages chan connMessage
	done          chan struct{}
	closed        chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

type connMessage struct {
	ctx  context.Context
	msg  []byte
	errs chan error
}

type payloadWithErr struct {
	payload []byte
	err     error
}

// endpoint implements the dial and listen lifecycle shared by every Transport, given
// the wire-specific dial and listen functions.
type endpoint struct {
	opts   transportOptions
	events chan Event
	dial   func(ctx context.Context) (wire, error)
	listen func(ctx context.Context) (acceptor, error)

	mu           sync.Mutex
	state        endpointState
	conn         *conn
	acceptor     acceptor
	stopping     chan struct{}
	acceptClosed chan struct{}
}

type endpointState int

const (
	endpointIdle endpointState = iota
	endpointDialing
	endpointConnected
	endpointStarting
	endpointListening
	endpointClosed
)

// streamWire decodes Content-Length framed payloads from a byte stream.
type streamWire struct {
	reader           io.Reader
	writer           io.Writer
	closers          []io.Closer
	setWriteDeadline func(time.Time) error

	decoder *FrameDecoder
	buf     []byte
	frames  [][]byte
	err     error
	resume  bool
	readErr error

	closeOnce sync.Once
	closeErr  error
}

// lineWire carries one newline-terminated JSON document per message.
type lineWire struct {
	reader  *bufio.Reader
	writer  io.Writer
	closer  io.Closer
	maxSize int
	readErr error
}

type netAcceptor struct {
	listener net.Listener
	newWire  func(net.Conn) wire
}

// chanAcceptor receives wires from HTTP handlers.
type chanAcceptor struct {
	wires     chan wire
	done      chan struct{}
	closeOnce sync.Once
	onClose   func() error
}

func newConn(w wire, events chan Event, logger *slog.Logger) *conn {
	return &conn{
		wire:          w,
		logger:        logger,
		events:        events,
		writeMessages: make(chan connMessage),
		done:          make(chan struct{}),
		closed:        make(chan struct{}),
	}
}

func (c *conn) start(announce bool) {
	if announce {
		c.emit(Event{Type: EventConnect})
	}
	go c.processWriteMessages()
	go c.readMessages()
}

func (c *conn) Connect(context.Context) error {
	return fmt.Errorf("%w: peer transport is already connected", ErrUnsupportedMode)
}

func (c *conn) Start(context.Context) error {
	return fmt.Errorf("%w: peer transport cannot listen", ErrUnsupportedMode)
}

func (c *conn) Stop(context.Context) error {
	return c.Close()
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.wire.Close()
	})
	return c.closeErr
}

func (c *conn) Events() <-chan Event {
	return c.events
}

func (c *conn) Send(ctx context.Context, msg Message) error {
	msgBs, err := FormatMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to format message: %w", err)
	}

	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	cm := connMessage{
		ctx:  ctx,
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	// Queue the message so concurrent senders never interleave their bytes.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrTransportClosed
	case c.writeMessages <- cm:
	}

	select {
	case err := <-cm.errs:
		if err != nil {
			c.logger.Error("failed to write message", slog.String("err", err.Error()))
			return fmt.Errorf("failed to write message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrTransportClosed
	}
}

func (c *conn) finished() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// wait blocks until the reader goroutine has emitted its final event.
func (c *conn) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return nil
	}
}

func (c *conn) processWriteMessages() {
	for {
		select {
		case <-c.done:
			return
		case cm := <-c.writeMessages:
			cm.errs <- c.wire.WriteMessage(cm.ctx, cm.msg)
		}
	}
}

func (c *conn) readMessages() {
	defer func() {
		_ = c.Close()
		select {
		case c.events <- Event{Type: EventClose}:
		default:
			c.logger.Warn("events channel is full, dropping close event")
		}
		// closed goes first so whoever sees the events channel close can already
		// dial again.
		close(c.closed)
		close(c.events)
	}()

	payloads := make(chan payloadWithErr)

	// The read runs in its own goroutine so a reader that cannot be interrupted does not
	// keep this loop from observing Close.
	go func() {
		for {
			payload, err := c.wire.ReadMessage()
			select {
			case payloads <- payloadWithErr{payload: payload, err: err}:
			case <-c.done:
				return
			}
			if err != nil && !isRecoverable(err) {
				return
			}
		}
	}()

	for {
		var pe payloadWithErr
		select {
		case <-c.done:
			return
		case pe = <-payloads:
		}

		if pe.err != nil {
			if isRecoverable(pe.err) {
				c.logger.Warn("discarding malformed frame", slog.String("err", pe.err.Error()))
				c.emit(Event{Type: EventError, Err: pe.err})
				continue
			}
			if !isClosedError(pe.err) {
				c.logger.Error("failed to read message", slog.String("err", pe.err.Error()))
				c.emit(Event{Type: EventError, Err: pe.err})
			}
			return
		}

		msg, err := ParseMessage(pe.payload)
		if err != nil {
			c.logger.Warn("failed to parse message",
				slog.String("err", err.Error()), slog.String("payload", string(pe.payload)))
			c.emit(Event{Type: EventError, Err: err})
			continue
		}
		c.emit(Event{Type: EventMessage, Message: msg})
	}
}

func (c *conn) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func newEndpoint(
	opts transportOptions,
	dial func(ctx context.Context) (wire, error),
	listen func(ctx context.Context) (acceptor, error),
) *endpoint {
	return &endpoint{
		opts:         opts,
		events:       make(chan Event, opts.eventBuffer),
		dial:         dial,
		listen:       listen,
		stopping:     make(chan struct{}),
		acceptClosed: make(chan struct{}),
	}
}

func (e *endpoint) Connect(ctx context.Context) error {
	if e.dial == nil {
		return fmt.Errorf("%w: dial", ErrUnsupportedMode)
	}
	e.mu.Lock()
	if e.state == endpointConnected && e.conn.finished() {
		e.hangUp()
	}
	if err := e.checkIdle(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.state = endpointDialing
	e.mu.Unlock()

	w, err := e.dial(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == endpointClosed {
		if w != nil {
			_ = w.Close()
		}
		return ErrTransportClosed
	}
	if err != nil {
		e.state = endpointIdle
		return fmt.Errorf("failed to connect: %w", err)
	}
	e.conn = newConn(w, e.events, e.opts.logger)
	e.state = endpointConnected
	e.conn.start(true)
	e.opts.logger.Debug("connected")
	return nil
}

func (e *endpoint) Start(ctx context.Context) error {
	if e.listen == nil {
		return fmt.Errorf("%w: listen", ErrUnsupportedMode)
	}
	e.mu.Lock()
	if err := e.checkIdle(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.state = endpointStarting
	e.mu.Unlock()

	acc, err := e.listen(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == endpointClosed {
		if acc != nil {
			_ = acc.Close()
		}
		return ErrTransportClosed
	}
	if err != nil {
		e.state = endpointIdle
		return fmt.Errorf("failed to listen: %w", err)
	}
	e.acceptor = acc
	e.state = endpointListening
	go e.acceptPeers(acc)
	e.opts.logger.Debug("listening")
	return nil
}

func (e *endpoint) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state == endpointConnected {
		c := e.conn
		e.mu.Unlock()
		return e.disconnect(ctx, c)
	}
	if e.state != endpointListening {
		e.mu.Unlock()
		return nil
	}
	e.state = endpointClosed
	close(e.stopping)
	acc := e.acceptor
	e.mu.Unlock()

	err := acc.Close()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.acceptClosed:
	}
	return err
}

func (e *endpoint) Close() error {
	e.mu.Lock()
	switch e.state {
	case endpointClosed:
		e.mu.Unlock()
		return nil
	case endpointListening:
		e.mu.Unlock()
		return e.Stop(context.Background())
	case endpointConnected:
		e.state = endpointClosed
		c := e.conn
		e.mu.Unlock()
		return c.Close()
	default:
		// Nothing owns the events channel yet, so close it here.
		e.state = endpointClosed
		close(e.events)
		e.mu.Unlock()
		return nil
	}
}

func (e *endpoint) Send(ctx context.Context, msg Message) error {
	e.mu.Lock()
	state, c := e.state, e.conn
	e.mu.Unlock()

	switch {
	case c != nil:
		return c.Send(ctx, msg)
	case state == endpointClosed:
		return ErrTransportClosed
	default:
		return ErrNotConnected
	}
}

func (e *endpoint) Events() <-chan Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.events
}

// disconnect closes the dialed connection c and, once it has emitted its final event,
// makes the endpoint ready to dial again.
func (e *endpoint) disconnect(ctx context.Context, c *conn) error {
	err := c.Close()
	if werr := c.wait(ctx); werr != nil {
		return werr
	}

	e.mu.Lock()
	if e.state == endpointConnected && e.conn == c {
		e.hangUp()
	}
	e.mu.Unlock()
	return err
}

// hangUp returns a connected endpoint whose connection has ended to idle. The old events
// channel belongs to that connection, so the next one gets a fresh channel. Callers hold
// e.mu.
func (e *endpoint) hangUp() {
	e.conn = nil
	e.state = endpointIdle
	e.events = make(chan Event, e.opts.eventBuffer)
}

func (e *endpoint) checkIdle() error {
	switch e.state {
	case endpointIdle:
		return nil
	case endpointClosed:
		return ErrTransportClosed
	default:
		return errors.New("transport is already connected or listening")
	}
}

func (e *endpoint) acceptPeers(acc acceptor) {
	// Listening endpoints never replace their events channel.
	defer func() {
		select {
		case e.events <- Event{Type: EventClose}:
		default:
			e.opts.logger.Warn("events channel is full, dropping close event")
		}
		close(e.events)
		close(e.acceptClosed)
	}()

	for {
		w, err := acc.Accept()
		if err != nil {
			select {
			case <-e.stopping:
				return
			default:
			}
			if !isClosedError(err) {
				e.opts.logger.Error("failed to accept connection", slog.String("err", err.Error()))
				select {
				case e.events <- Event{Type: EventError, Err: err}:
				case <-e.stopping:
				}
			}
			return
		}

		peer := newConn(w, make(chan Event, e.opts.eventBuffer), e.opts.logger)
		peer.start(false)

		select {
		case e.events <- Event{Type: EventConnection, Conn: peer}:
		case <-e.stopping:
			_ = peer.Close()
			return
		}
	}
}

func newStreamWire(r io.Reader, w io.Writer, maxSize int, closers ...io.Closer) *streamWire {
	return &streamWire{
		reader:  r,
		writer:  w,
		closers: closers,
		decoder: NewFrameDecoder(maxSize),
		buf:     make([]byte, 32<<10),
	}
}

func (s *streamWire) ReadMessage() ([]byte, error) {
	for {
		if len(s.frames) > 0 {
			frame := s.frames[0]
			s.frames = s.frames[1:]
			return frame, nil
		}
		if s.err != nil {
			err := s.err
			s.err = nil
			return nil, err
		}
		if s.readErr != nil {
			return nil, s.readErr
		}
		if s.resume {
			// Bytes after a skipped oversized body are still buffered.
			s.resume = false
			s.feed(nil)
			continue
		}

		n, err := s.reader.Read(s.buf)
		if n > 0 {
			s.feed(s.buf[:n])
		}
		if err != nil {
			s.readErr = err
		}
	}
}

func (s *streamWire) WriteMessage(ctx context.Context, payload []byte) error {
	if s.setWriteDeadline != nil {
		deadline, _ := ctx.Deadline()
		if err := s.setWriteDeadline(deadline); err != nil {
			return err
		}
	}
	_, err := s.writer.Write(EncodeFrame(payload))
	return err
}

func (s *streamWire) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, c := range s.closers {
			if err := c.Close(); err != nil && !isClosedError(err) {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *streamWire) feed(p []byte) {
	frames, err := s.decoder.Feed(p)
	s.frames = append(s.frames, frames...)
	if err != nil {
		s.err = err
		s.resume = s.decoder.Buffered() > 0
	}
}

func newLineWire(r io.Reader, w io.Writer, closer io.Closer, maxSize int) *lineWire {
	return &lineWire{
		reader:  bufio.NewReader(r),
		writer:  w,
		closer:  closer,
		maxSize: maxSize,
	}
}

func (l *lineWire) ReadMessage() ([]byte, error) {
	for {
		if l.readErr != nil {
			return nil, l.readErr
		}
		line, err := l.reader.ReadBytes('\n')
		if err != nil {
			l.readErr = err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if l.maxSize > 0 && len(line) > l.maxSize {
			return nil, &FramingError{Reason: fmt.Sprintf("message of %d bytes exceeds limit %d", len(line), l.maxSize)}
		}
		return line, nil
	}
}

func (l *lineWire) WriteMessage(_ context.Context, payload []byte) error {
	msg := make([]byte, 0, len(payload)+1)
	msg = append(msg, payload...)
	_, err := l.writer.Write(append(msg, '\n'))
	return err
}

func (l *lineWire) Close() error {
	if err := l.closer.Close(); err != nil && !isClosedError(err) {
		return err
	}
	return nil
}

func (a netAcceptor) Accept() (wire, error) {
	c, err := a.listener.Accept()
	if err != nil {
		return nil, err
	}
	return a.newWire(c), nil
}

func (a netAcceptor) Close() error {
	return a.listener.Close()
}

func newChanAcceptor(onClose func() error) *chanAcceptor {
	return &chanAcceptor{
		wires:   make(chan wire),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (a *chanAcceptor) Accept() (wire, error) {
	select {
	case w := <-a.wires:
		return w, nil
	case <-a.done:
		return nil, net.ErrClosed
	}
}

// offer hands w to Accept. It reports false once the acceptor is closed.
func (a *chanAcceptor) offer(ctx context.Context, w wire) bool {
	select {
	case a.wires <- w:
		return true
	case <-a.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (a *chanAcceptor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.done)
		if a.onClose != nil {
			err = a.onClose()
		}
	})
	return err
}

// isRecoverable reports whether a read error leaves the stream usable.
func isRecoverable(err error) bool {
	var fErr *FramingError
	return errors.As(err, &fErr)
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}
