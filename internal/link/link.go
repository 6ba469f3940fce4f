// Package link implements a single byte-stream connection to a device,
// either a TCP socket to SiTechExe or the controller's serial port.
//
// A Channel knows how to connect, send, receive until a condition or a
// timeout, and close. It carries no retry or locking policy; the owner of a
// Channel decides when to reconnect and serializes access to it.
package link

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// State is the connection state of a Channel.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ErrNotConnected is returned by Send and Receive on a closed Channel.
var ErrNotConnected = errors.New("link: not connected")

// Error is a transient I/O failure on a Channel. The Channel has already
// been closed when an Error is returned from Send or Receive.
type Error struct {
	Channel string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Dialer opens a new underlying connection.
type Dialer func() (io.ReadWriteCloser, error)

// DialTCP returns a Dialer for a TCP endpoint.
func DialTCP(addr string, timeout time.Duration) Dialer {
	return func() (io.ReadWriteCloser, error) {
		d := &net.Dialer{Timeout: timeout}
		return d.Dial("tcp", addr)
	}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type flusher interface {
	Flush() error
}

// idlePause bounds how fast Receive spins on connections that report
// "no data yet" instead of blocking (serial ports with a read timeout).
const idlePause = 5 * time.Millisecond

// Channel is one logical connection.
type Channel struct {
	name string
	dial Dialer

	mu    sync.Mutex
	state State
	conn  io.ReadWriteCloser
}

// New returns a disconnected Channel. The name is used in log and error
// messages.
func New(name string, dial Dialer) *Channel {
	return &Channel{name: name, dial: dial}
}

func (c *Channel) Name() string {
	return c.name
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connected() bool {
	return c.State() == Connected
}

func (c *Channel) current() io.ReadWriteCloser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect opens the underlying connection, replacing any existing one.
func (c *Channel) Connect() error {
	c.Close()
	c.mu.Lock()
	c.state = Connecting
	c.mu.Unlock()

	conn, err := c.dial()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.state = Disconnected
		return &Error{Channel: c.name, Op: "dial", Err: err}
	}
	c.conn = conn
	c.state = Connected
	return nil
}

// Ensure connects the Channel if it is not already connected.
func (c *Channel) Ensure() error {
	if c.Connected() {
		return nil
	}
	return c.Connect()
}

// Close closes the underlying connection. Closing a closed Channel is a no-op.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Flush discards unread input if the connection supports it.
func (c *Channel) Flush() error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	if f, ok := conn.(flusher); ok {
		if err := f.Flush(); err != nil {
			return &Error{Channel: c.name, Op: "flush", Err: err}
		}
	}
	return nil
}

// Send writes p in full. A zero timeout means no write deadline.
func (c *Channel) Send(p []byte, timeout time.Duration) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	if d, ok := conn.(writeDeadliner); ok && timeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(timeout)); err == nil {
			defer d.SetWriteDeadline(time.Time{})
		}
	}
	if _, err := conn.Write(p); err != nil {
		c.Close()
		return &Error{Channel: c.name, Op: "write", Err: err}
	}
	return nil
}

// Receive accumulates bytes until done reports true, the peer closes the
// connection, or timeout elapses, whichever comes first. A timeout is not
// an error: whatever arrived (possibly nothing) is returned. If the peer
// closed the connection the Channel is closed as well. A nil done reads
// until timeout or close.
func (c *Channel) Receive(timeout time.Duration, done func([]byte) bool) ([]byte, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	deadline := time.Now().Add(timeout)
	if d, ok := conn.(readDeadliner); ok {
		if err := d.SetReadDeadline(deadline); err != nil {
			c.Close()
			return nil, &Error{Channel: c.name, Op: "set deadline", Err: err}
		}
		defer d.SetReadDeadline(time.Time{})
	}
	var out []byte
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		out = append(out, buf[:n]...)
		if n > 0 && done != nil && done(out) {
			return out, nil
		}
		if err != nil {
			if isTimeout(err) {
				return out, nil
			}
			c.Close()
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, &Error{Channel: c.name, Op: "read", Err: err}
		}
		if !time.Now().Before(deadline) {
			return out, nil
		}
		if n == 0 {
			time.Sleep(idlePause)
		}
	}
}

// ReceiveUntil reads until terminator appears in the accumulated response.
// An empty terminator reads until timeout or close.
func (c *Channel) ReceiveUntil(timeout time.Duration, terminator string) (string, error) {
	var done func([]byte) bool
	if terminator != "" {
		done = func(b []byte) bool {
			return bytes.Contains(b, []byte(terminator))
		}
	}
	b, err := c.Receive(timeout, done)
	return string(b), err
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
