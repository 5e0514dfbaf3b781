// Package netconn presents a transport.Transport as a net.Conn, so that
// libraries written against the net package can run over the modem.
package netconn

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kabili207/espat-go/transport"
)

// Ensure Conn implements net.Conn.
var _ net.Conn = (*Conn)(nil)

// idleWait is the pause between empty receives.
const idleWait = 5 * time.Millisecond

var (
	// ErrConnect is returned by Dial when the transport refuses to connect.
	ErrConnect = errors.New("netconn: transport connect failed")
	// ErrDisconnect is returned by Close when the transport refuses to disconnect.
	ErrDisconnect = errors.New("netconn: transport disconnect failed")
	// ErrNotConnected is returned when the transport reports no connection.
	ErrNotConnected = errors.New("netconn: transport not connected")
)

// Addr is the address of one end of a transport connection.
type Addr struct {
	Host string
	Port string
}

// Network returns "tcp".
func (a Addr) Network() string {
	return "tcp"
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, a.Port)
}

// Conn is a net.Conn over a connected transport.
//
// Close disconnects the transport. Reads poll the transport and honour read
// deadlines. Writes cannot be interrupted once handed to the transport, so
// the write deadline is only checked before each write.
type Conn struct {
	tr     transport.Transport
	local  Addr
	remote Addr

	readMu sync.Mutex
	closed atomic.Bool
	once   sync.Once

	dlMu          sync.Mutex
	readDeadline  time.Time
	writeDeadline time.Time
}

// Dial connects tr to host:port and wraps it.
func Dial(tr transport.Transport, host, port string) (*Conn, error) {
	if st := tr.Connect(host, port); !st.OK() {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Addr: Addr{Host: host, Port: port}, Err: ErrConnect}
	}
	return New(tr, Addr{Host: host, Port: port}), nil
}

// New wraps an already connected transport.
func New(tr transport.Transport, remote Addr) *Conn {
	return &Conn{
		tr:     tr,
		local:  Addr{Host: "0.0.0.0", Port: "0"},
		remote: remote,
	}
}

// Read reads payload bytes from the transport. It blocks until at least one
// byte arrives, the read deadline passes or the connection is closed.
func (c *Conn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.closed.Load() {
			return 0, net.ErrClosed
		}
		if dl := c.deadline(true); !dl.IsZero() && !time.Now().Before(dl) {
			return 0, c.opError("read", os.ErrDeadlineExceeded)
		}

		n := c.tr.Recv(b)
		switch {
		case n > 0:
			return n, nil
		case n < 0:
			return 0, io.EOF
		}
		time.Sleep(idleWait)
	}
}

// Write sends b over the transport. A short send is reported as
// io.ErrShortWrite.
func (c *Conn) Write(b []byte) (int, error) {
	if c.closed.Load() {
		return 0, net.ErrClosed
	}
	if dl := c.deadline(false); !dl.IsZero() && !time.Now().Before(dl) {
		return 0, c.opError("write", os.ErrDeadlineExceeded)
	}
	if len(b) == 0 {
		return 0, nil
	}

	n := c.tr.Send(b)
	switch {
	case n < 0:
		return 0, c.opError("write", ErrNotConnected)
	case n < len(b):
		return n, c.opError("write", io.ErrShortWrite)
	}
	return n, nil
}

// Close disconnects the transport. Pending and future reads fail with
// net.ErrClosed.
func (c *Conn) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		c.closed.Store(true)
		err = nil
		if st := c.tr.Disconnect(); !st.OK() {
			err = c.opError("close", ErrDisconnect)
		}
	})
	return err
}

// LocalAddr returns a placeholder address; the modem owns the local socket.
func (c *Conn) LocalAddr() net.Addr {
	return c.local
}

// RemoteAddr returns the address the transport was connected to.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

// SetDeadline sets both read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	c.readDeadline = t
	c.writeDeadline = t
	return nil
}

// SetReadDeadline sets the read deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline sets the write deadline.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	c.writeDeadline = t
	return nil
}

func (c *Conn) deadline(read bool) time.Time {
	c.dlMu.Lock()
	defer c.dlMu.Unlock()
	if read {
		return c.readDeadline
	}
	return c.writeDeadline
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{Op: op, Net: "tcp", Source: c.local, Addr: c.remote, Err: err}
}
