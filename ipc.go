package mcplsp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
)

// IPC is a Transport over a Unix domain socket. The socket preserves no message
// boundaries of its own, so each message is written as one line of compact JSON.
type IPC struct {
	*endpoint
	path string
}

// NewIPC creates an IPC transport on the socket at path.
func NewIPC(path string, options ...TransportOption) *IPC {
	t := &IPC{path: path}
	t.endpoint = newEndpoint(newTransportOptions(TransportIPC, options), t.dial, t.listen)
	return t
}

// Path returns the socket path.
func (t *IPC) Path() string {
	return t.path
}

func (t *IPC) dial(ctx context.Context) (wire, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", t.path)
	if err != nil {
		return nil, err
	}
	return t.newWire(c), nil
}

func (t *IPC) listen(ctx context.Context) (acceptor, error) {
	if err := removeStaleSocket(t.path); err != nil {
		return nil, err
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "unix", t.path)
	if err != nil {
		return nil, err
	}
	return netAcceptor{listener: l, newWire: t.newWire}, nil
}

func (t *IPC) newWire(c net.Conn) wire {
	return newLineWire(c, c, c, t.opts.maxMessageSize)
}

// removeStaleSocket removes a socket file left behind by a previous process. Any other
// kind of file at path is left alone.
func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}
