// Package controller talks directly to a SiTech servo controller over its
// serial port, bypassing SiTechExe.
//
// Commands are sent in checksum mode (see ChecksumFrame) and answered by
// a single ASCII line whose first letter identifies the reply. The port is
// normally held by SiTechExe; callers must obtain it through the arbiter
// package before calling Open.
package controller

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"github.com/w1xm/sitech_interface/internal/link"
)

const (
	DefaultPort            = "/dev/ttyUSB0"
	DefaultBaud            = 19200
	DefaultReadTimeout     = 100 * time.Millisecond
	DefaultResponseTimeout = 2 * time.Second
	DefaultFlashTimeout    = 2 * time.Second
)

// ErrNoResponse means the controller sent nothing before the timeout.
// Frames with a bad checksum are ignored by the controller and also end
// up here.
var ErrNoResponse = errors.New("no response from controller")

// ProtocolError is a reply the controller sent that could not be
// understood. Response holds the raw reply.
type ProtocolError struct {
	Command  string
	Response string
	Reason   string
}

func (e *ProtocolError) Error() string {
	if e.Response == "" {
		return fmt.Sprintf("%s: %s", e.Command, e.Reason)
	}
	return fmt.Sprintf("%s: %s (got %q)", e.Command, e.Reason, e.Response)
}

type SerialConfig struct {
	Port        string
	Baud        int
	ReadTimeout time.Duration
}

// serialPort reports a read timeout as "no data" rather than io.EOF.
type serialPort struct {
	*serial.Port
}

func (p serialPort) Read(b []byte) (int, error) {
	n, err := p.Port.Read(b)
	if n == 0 && err == io.EOF {
		return 0, nil
	}
	return n, err
}

// OpenSerial opens the controller port at 8N1.
func OpenSerial(cfg SerialConfig) (io.ReadWriteCloser, error) {
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultBaud
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	c := &serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: cfg.ReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	p, err := serial.OpenPort(c)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "permission denied"):
			return nil, fmt.Errorf("opening %q: %w (is the user in the dialout group?)", cfg.Port, err)
		case strings.Contains(msg, "device or resource busy"):
			return nil, fmt.Errorf("opening %q: %w (is SiTechExe still running?)", cfg.Port, err)
		}
		return nil, fmt.Errorf("opening %q: %w", cfg.Port, err)
	}
	return serialPort{p}, nil
}

type Config struct {
	// ResponseTimeout bounds each command exchange.
	ResponseTimeout time.Duration
	// FlashTimeout is the longer wait used for the final flash write.
	FlashTimeout time.Duration
}

// Controller issues low-level commands over one serial connection. It is
// not safe for concurrent use; the arbiter serializes access.
type Controller struct {
	cfg Config
	ch  *link.Channel
}

// New returns a closed Controller that opens its port with dial.
func New(dial link.Dialer, cfg Config) *Controller {
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = DefaultResponseTimeout
	}
	if cfg.FlashTimeout <= 0 {
		cfg.FlashTimeout = DefaultFlashTimeout
	}
	return &Controller{cfg: cfg, ch: link.New("serial", dial)}
}

func (c *Controller) Open() error {
	return c.ch.Connect()
}

func (c *Controller) Close() error {
	return c.ch.Close()
}

func (c *Controller) State() link.State {
	return c.ch.State()
}

// splitLines splits buf on CR/LF. Unless partial is set, a trailing
// unterminated line is dropped.
func splitLines(buf []byte, partial bool) []string {
	s := string(buf)
	end := strings.LastIndexAny(s, "\r\n")
	if !partial {
		if end < 0 {
			return nil
		}
		s = s[:end]
	}
	var lines []string
	for _, l := range strings.FieldsFunc(s, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// exchange sends one framed command and collects reply lines until accept
// matches one or the timeout expires. Without a match the last line seen
// is returned; with no lines at all the result is ErrNoResponse.
func (c *Controller) exchange(cmd string, accept func(string) bool, timeout time.Duration) (string, error) {
	if err := c.ch.Flush(); err != nil {
		return "", err
	}
	if err := c.ch.Send(ChecksumFrame(cmd), timeout); err != nil {
		return "", err
	}
	var matched string
	buf, err := c.ch.Receive(timeout, func(b []byte) bool {
		for _, l := range splitLines(b, false) {
			if accept(l) {
				matched = l
				return true
			}
		}
		return false
	})
	if err != nil {
		return "", err
	}
	if matched != "" {
		log.Printf("controller %s: %q", cmd, matched)
		return matched, nil
	}
	lines := splitLines(buf, true)
	if len(lines) == 0 {
		return "", ErrNoResponse
	}
	for _, l := range lines {
		if accept(l) {
			return l, nil
		}
	}
	log.Printf("controller %s: unexpected %q", cmd, lines)
	return lines[len(lines)-1], nil
}

func anyLine(string) bool { return true }

func withPrefix(prefixes []string) func(string) bool {
	return func(l string) bool {
		return matchPrefix(l, prefixes) != ""
	}
}

func matchPrefix(l string, prefixes []string) string {
	for _, p := range prefixes {
		if strings.HasPrefix(l, p) {
			return p
		}
	}
	return ""
}

// readBits reads one mode bitfield. The reply must start with one of
// prefixes followed by a decimal value.
func (c *Controller) readBits(cmd string, prefixes ...string) (uint8, error) {
	resp, err := c.exchange(cmd, withPrefix(prefixes), c.cfg.ResponseTimeout)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", cmd, err)
	}
	p := matchPrefix(resp, prefixes)
	if p == "" {
		return 0, &ProtocolError{Command: cmd, Response: resp, Reason: fmt.Sprintf("expected %q followed by a number", prefixes[0])}
	}
	v, err := strconv.ParseUint(strings.TrimSpace(resp[len(p):]), 10, 8)
	if err != nil {
		return 0, &ProtocolError{Command: cmd, Response: resp, Reason: "bad bit value"}
	}
	return uint8(v), nil
}

// ReadModeBits reads the X and Y axis bitfields.
func (c *Controller) ReadModeBits() (ModeBits, error) {
	x, err := c.readBits("XB", "B")
	if err != nil {
		return ModeBits{}, err
	}
	// Firmware revisions answer YB with either prefix.
	y, err := c.readBits("YB", "b", "Y")
	if err != nil {
		return ModeBits{}, err
	}
	return ModeBits{X: x, Y: y}, nil
}

// Spellings the controller accepts for the same operation, most common
// first. The first spelling that gets any reply wins; the controller does
// not otherwise acknowledge them.
var (
	xWriteSpellings = []string{"XB%d", "XB=%d", "X0B%d", "X0B=%d"}
	yWriteSpellings = []string{"YB%d", "YB=%d", "Y0B%d", "Y0B=%d"}
	flashSpellings  = []string{"XW", "X0W", "XW0", "XW1"}
)

// firstReply tries cmds in order and returns the first that gets a reply.
// I/O errors stop the search.
func (c *Controller) firstReply(cmds []string, timeout time.Duration) (cmd, resp string, err error) {
	for _, cmd := range cmds {
		resp, err := c.exchange(cmd, anyLine, timeout)
		if errors.Is(err, ErrNoResponse) {
			log.Printf("controller %s: no response", cmd)
			continue
		}
		if err != nil {
			return cmd, "", fmt.Errorf("%s: %w", cmd, err)
		}
		return cmd, resp, nil
	}
	return "", "", ErrNoResponse
}

func spell(formats []string, v uint8) []string {
	var out []string
	for _, f := range formats {
		out = append(out, fmt.Sprintf(f, v))
	}
	return out
}

// WriteResult records the spelling that was accepted for each axis.
type WriteResult struct {
	XCommand string
	YCommand string
}

// WriteModeBits writes both bitfields to controller RAM.
func (c *Controller) WriteModeBits(bits ModeBits) (WriteResult, error) {
	var res WriteResult
	for _, axis := range []struct {
		dest    *string
		formats []string
		value   uint8
	}{
		{&res.XCommand, xWriteSpellings, bits.X},
		{&res.YCommand, yWriteSpellings, bits.Y},
	} {
		cmds := spell(axis.formats, axis.value)
		cmd, _, err := c.firstReply(cmds, c.cfg.ResponseTimeout)
		if errors.Is(err, ErrNoResponse) {
			return res, &ProtocolError{Command: strings.Join(cmds, ", "), Reason: "no reply to any spelling"}
		}
		if err != nil {
			return res, err
		}
		*axis.dest = cmd
	}
	return res, nil
}

// FlashResult describes a flash save. Confirmed is false when the
// controller never answered; flash writes can outlast the read timeout so
// this is still treated as success.
type FlashResult struct {
	Command   string
	Response  string
	Confirmed bool
}

// SaveToFlash copies the controller configuration from RAM to flash ROM.
func (c *Controller) SaveToFlash() (FlashResult, error) {
	cmd, resp, err := c.firstReply(flashSpellings, c.cfg.ResponseTimeout)
	if err == nil {
		return FlashResult{Command: cmd, Response: resp, Confirmed: true}, nil
	}
	if !errors.Is(err, ErrNoResponse) {
		return FlashResult{}, err
	}
	cmd = flashSpellings[0]
	resp, err = c.exchange(cmd, anyLine, c.cfg.FlashTimeout)
	switch {
	case errors.Is(err, ErrNoResponse):
		log.Printf("controller %s: no response after %v, assuming saved", cmd, c.cfg.FlashTimeout)
		return FlashResult{Command: cmd}, nil
	case err != nil:
		return FlashResult{}, fmt.Errorf("%s: %w", cmd, err)
	}
	return FlashResult{Command: cmd, Response: resp, Confirmed: true}, nil
}

// SetMode switches the controller to a named mode: read the bitfields,
// change only the bits that define the mode, write them back and try to
// persist them. A failed flash save still counts as success; the message
// says the change only lives in RAM.
func (c *Controller) SetMode(name ModeName) (string, error) {
	mask, ok := modeMasks[name]
	if !ok {
		return "", fmt.Errorf("unknown mode %q", name)
	}
	bits, err := c.ReadModeBits()
	if err != nil {
		return "", err
	}
	next := mask.apply(bits)
	log.Printf("controller: %s mode, bits %v -> %v", mask.label, bits, next)
	if _, err := c.WriteModeBits(next); err != nil {
		return "", err
	}
	flash, err := c.SaveToFlash()
	switch {
	case err != nil:
		log.Printf("controller: %s mode set but flash save failed: %v", mask.label, err)
		return fmt.Sprintf("Set to %s mode (RAM only - flash save failed)", mask.label), nil
	case !flash.Confirmed:
		return fmt.Sprintf("Set to %s mode and saved to flash (unconfirmed)", mask.label), nil
	}
	return fmt.Sprintf("Set to %s mode and saved to flash", mask.label), nil
}

func (c *Controller) SetModeNormal() (string, error) {
	return c.SetMode(Normal)
}

func (c *Controller) SetModeSlewAndTrack() (string, error) {
	return c.SetMode(SlewAndTrack)
}

func (c *Controller) SetModeDragAndTrack() (string, error) {
	return c.SetMode(DragAndTrack)
}
