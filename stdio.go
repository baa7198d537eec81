package mcplsp

import (
	"context"
	"io"
	"net"
	"sync"
)

// StdIO is a Transport over an io.Reader and io.Writer pair, usually the process stdin
// and stdout, framed with Content-Length headers.
//
// As a client, Connect uses the streams directly. As a server, Start hands out exactly
// one peer connection wrapping the same streams, since a pair of pipes can only ever
// carry a single peer. The streams are closed with the transport when they implement
// io.Closer.
type StdIO struct {
	*endpoint
	reader io.Reader
	writer io.Writer
}

type stdioAcceptor struct {
	wire      wire
	handedOut bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewStdIO creates a StdIO transport over reader and writer.
func NewStdIO(reader io.Reader, writer io.Writer, options ...TransportOption) *StdIO {
	s := &StdIO{
		reader: reader,
		writer: writer,
	}
	s.endpoint = newEndpoint(newTransportOptions(TransportStdio, options), s.dial, s.listen)
	return s
}

func (s *StdIO) dial(context.Context) (wire, error) {
	return s.newWire(), nil
}

func (s *StdIO) listen(context.Context) (acceptor, error) {
	return &stdioAcceptor{
		wire: s.newWire(),
		done: make(chan struct{}),
	}, nil
}

func (s *StdIO) newWire() wire {
	var closers []io.Closer
	if c, ok := s.reader.(io.Closer); ok {
		closers = append(closers, c)
	}
	if c, ok := s.writer.(io.Closer); ok {
		closers = append(closers, c)
	}
	return newStreamWire(s.reader, s.writer, s.opts.maxMessageSize, closers...)
}

func (a *stdioAcceptor) Accept() (wire, error) {
	if !a.handedOut {
		a.handedOut = true
		return a.wire, nil
	}
	<-a.done
	return nil, net.ErrClosed
}

func (a *stdioAcceptor) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
	})
	return nil
}
