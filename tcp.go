package mcplsp

import (
	"context"
	"net"
	"sync"
)

// TCP is a Transport over TCP connections framed with Content-Length headers, the same
// framing StdIO uses.
type TCP struct {
	*endpoint
	addr string

	mu       sync.Mutex
	listener net.Listener
}

// NewTCP creates a TCP transport. addr is dialed by Connect, or listened on by Start; a
// port of 0 picks a free port, reported by Addr once started.
func NewTCP(addr string, options ...TransportOption) *TCP {
	t := &TCP{addr: addr}
	t.endpoint = newEndpoint(newTransportOptions(TransportTCP, options), t.dial, t.listen)
	return t
}

// Addr returns the listening address, or nil before Start.
func (t *TCP) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCP) dial(ctx context.Context) (wire, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return nil, err
	}
	return t.newWire(c), nil
}

func (t *TCP) listen(ctx context.Context) (acceptor, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.listener = l
	t.mu.Unlock()
	return netAcceptor{listener: l, newWire: t.newWire}, nil
}

func (t *TCP) newWire(c net.Conn) wire {
	w := newStreamWire(c, c, t.opts.maxMessageSize, c)
	w.setWriteDeadline = c.SetWriteDeadline
	return w
}
