// Package sitechexe talks to the SiTechExe control daemon over its TCP
// command port.
//
// Three independent connections are kept to the same address:
//
//   - status: polled by a single Poller, no lock;
//   - command: request/response, one caller at a time, reconnect and retry;
//   - move: fire-and-forget, one reconnect and resend on write failure.
//
// Requests are newline terminated ASCII. Replies are raw ASCII with no
// length prefix; the caller decides when a reply is complete.
package sitechexe

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/w1xm/sitech_interface/internal/link"
)

const (
	DefaultAddress        = "localhost:4030"
	DefaultDialTimeout    = 5 * time.Second
	DefaultCommandTimeout = 5 * time.Second
	DefaultMoveTimeout    = 5 * time.Second
	DefaultVersionTimeout = 250 * time.Millisecond
	DefaultStatusTimeout  = 5 * time.Second
	DefaultRetries        = 1
)

var (
	ErrNotASCII   = errors.New("command must be ASCII")
	ErrBadRetries = errors.New("retries must be >= 0")
	// ErrNoStatus is returned by PollStatus when the daemon sent nothing.
	ErrNoStatus = errors.New("no status received")
	// ErrPartialStatus is returned when the status reply was cut off
	// before its newline.
	ErrPartialStatus = errors.New("incomplete status line")
)

type Config struct {
	// Address is the host:port of SiTechExe.
	Address        string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	MoveTimeout    time.Duration
	VersionTimeout time.Duration
	StatusTimeout  time.Duration
	// Retries is the default retry count for command requests. Zero
	// means DefaultRetries; use a negative value to disable retries.
	Retries int

	// Dialer replaces the TCP dialer when set.
	Dialer link.Dialer
}

func (c *Config) setDefaults() {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = DefaultMoveTimeout
	}
	if c.VersionTimeout <= 0 {
		c.VersionTimeout = DefaultVersionTimeout
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = DefaultStatusTimeout
	}
	switch {
	case c.Retries == 0:
		c.Retries = DefaultRetries
	case c.Retries < 0:
		c.Retries = 0
	}
}

// CommandRequest is one request/response exchange on the command channel.
type CommandRequest struct {
	Text string
	// Timeout bounds each attempt. Zero uses the client default.
	Timeout time.Duration
	// MaxRetries is the number of resends after an I/O error.
	MaxRetries int
	// Terminator ends the read early once it appears in the reply.
	Terminator string
}

func (r CommandRequest) validate() error {
	if !isASCII(r.Text) {
		return ErrNotASCII
	}
	if r.MaxRetries < 0 {
		return ErrBadRetries
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}

func line(text string) []byte {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return []byte(text)
}

// Client owns the three connections to SiTechExe. Connections are opened
// on first use.
type Client struct {
	cfg Config

	// status is only used by PollStatus, which has a single caller.
	status *link.Channel

	commandMu sync.Mutex
	command   *link.Channel

	moveMu sync.Mutex
	move   *link.Channel
}

func New(cfg Config) *Client {
	cfg.setDefaults()
	dial := cfg.Dialer
	if dial == nil {
		dial = link.DialTCP(cfg.Address, cfg.DialTimeout)
	}
	return &Client{
		cfg:     cfg,
		status:  link.New("status", dial),
		command: link.New("command", dial),
		move:    link.New("move", dial),
	}
}

// Request returns a CommandRequest using the client's default timeout and
// retry policy, terminated by a newline.
func (c *Client) Request(text string) CommandRequest {
	return CommandRequest{
		Text:       text,
		Timeout:    c.cfg.CommandTimeout,
		MaxRetries: c.cfg.Retries,
		Terminator: "\n",
	}
}

// States reports the connection state of each channel.
func (c *Client) States() map[string]link.State {
	return map[string]link.State{
		c.status.Name():  c.status.State(),
		c.command.Name(): c.command.State(),
		c.move.Name():    c.move.State(),
	}
}

// PollStatus sends ReadScopeStatus on the status channel and reads one
// newline terminated reply. Any error closes the channel; the next call
// reconnects. It must not be called concurrently.
func (c *Client) PollStatus() (Telemetry, error) {
	if err := c.status.Ensure(); err != nil {
		return Telemetry{}, err
	}
	if err := c.status.Send(line("ReadScopeStatus"), c.cfg.StatusTimeout); err != nil {
		return Telemetry{}, err
	}
	raw, err := c.status.ReceiveUntil(c.cfg.StatusTimeout, "\n")
	if err != nil {
		return Telemetry{}, err
	}
	if raw == "" {
		c.status.Close()
		return Telemetry{}, ErrNoStatus
	}
	if !strings.Contains(raw, "\n") {
		c.status.Close()
		return Telemetry{}, fmt.Errorf("%w: %q", ErrPartialStatus, raw)
	}
	t, err := ParseStatusLine(strings.TrimSpace(raw))
	if err != nil && !errors.Is(err, ErrShortStatus) {
		return Telemetry{}, err
	}
	t.Received = time.Now()
	return t, nil
}

// SendCommand performs one exchange on the command channel. Concurrent
// callers are served one at a time. On an I/O error the channel is
// reopened and the request resent up to req.MaxRetries times; when retries
// are exhausted the reply is empty and the last error is returned.
// An empty reply with a nil error means the daemon did not answer in time.
func (c *Client) SendCommand(req CommandRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.cfg.CommandTimeout
	}
	c.commandMu.Lock()
	defer c.commandMu.Unlock()
	var lastErr error
	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		resp, err := c.exchange(req.Text, timeout, req.Terminator)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		log.Printf("command %q attempt %d: %v", strings.TrimSpace(req.Text), attempt+1, err)
	}
	return "", lastErr
}

func (c *Client) exchange(text string, timeout time.Duration, terminator string) (string, error) {
	if err := c.command.Ensure(); err != nil {
		return "", err
	}
	if err := c.command.Send(line(text), timeout); err != nil {
		return "", err
	}
	resp, err := c.command.ReceiveUntil(timeout, terminator)
	if err == nil && (terminator == "" || !strings.Contains(resp, terminator)) {
		// The read ended on the timeout, so a late reply may still arrive.
		// The next request reconnects.
		c.command.Close()
	}
	return resp, err
}

// Command sends text with the default policy and returns the reply, or ""
// if the daemon did not confirm it.
func (c *Client) Command(text string) string {
	resp, err := c.SendCommand(c.Request(text))
	if err != nil {
		log.Printf("command %q: %v", strings.TrimSpace(text), err)
	}
	return resp
}

// SendFireAndForget writes text on the move channel without reading a
// reply. If the write fails the channel is reopened and the write is
// retried exactly once.
func (c *Client) SendFireAndForget(text string) error {
	if !isASCII(text) {
		return ErrNotASCII
	}
	c.moveMu.Lock()
	defer c.moveMu.Unlock()
	err := c.sendMove(text)
	if err == nil {
		return nil
	}
	log.Printf("move %q: %v; reconnecting", strings.TrimSpace(text), err)
	if err := c.move.Connect(); err != nil {
		return fmt.Errorf("move %q: %w", strings.TrimSpace(text), err)
	}
	if err := c.move.Send(line(text), c.cfg.MoveTimeout); err != nil {
		return fmt.Errorf("move %q: %w", strings.TrimSpace(text), err)
	}
	return nil
}

func (c *Client) sendMove(text string) error {
	if err := c.move.Ensure(); err != nil {
		return err
	}
	return c.move.Send(line(text), c.cfg.MoveTimeout)
}

// Close tears down all three connections.
func (c *Client) Close() error {
	c.commandMu.Lock()
	c.command.Close()
	c.commandMu.Unlock()
	c.moveMu.Lock()
	c.move.Close()
	c.moveMu.Unlock()
	return c.status.Close()
}
