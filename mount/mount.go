// Package mount is what the web layer talks to: telemetry, commands to
// SiTechExe, and controller mode changes that need the serial port.
package mount

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/w1xm/sitech_interface/arbiter"
	"github.com/w1xm/sitech_interface/controller"
	"github.com/w1xm/sitech_interface/sitechexe"
)

type TelemetrySource interface {
	Latest() (sitechexe.Telemetry, bool)
}

type Commander interface {
	SendCommand(req sitechexe.CommandRequest) (string, error)
	SendFireAndForget(text string) error
}

type ModeSwitcher interface {
	ReadMode() (ModeReport, error)
	SetNamedMode(name string) (ok bool, message string)
	RestoreDaemon() error
}

// Arbiter lends out the serial port. *arbiter.Arbiter implements it.
type Arbiter interface {
	Do(fn func(*controller.Controller) error) error
	Restore() error
	State() arbiter.State
}

// Client is the part of *sitechexe.Client a Mount uses.
type Client interface {
	Commander
	Ping() bool
}

// ModeReport describes the controller mode bitfields.
type ModeReport struct {
	XBits   uint8             `json:"xbits"`
	YBits   uint8             `json:"ybits"`
	XHex    string            `json:"xbits_hex"`
	YHex    string            `json:"ybits_hex"`
	Modes   []controller.Mode `json:"modes"`
	Primary controller.Mode   `json:"primary_mode"`
}

func NewModeReport(bits controller.ModeBits) ModeReport {
	r := ModeReport{XBits: bits.X, YBits: bits.Y, Modes: controller.DecodeMode(bits)}
	r.XHex, r.YHex = bits.Hex()
	r.Primary = r.Modes[0]
	return r
}

type Config struct {
	// RestoreAfterMode starts SiTechExe again after a successful mode
	// read or change. By default the daemon is left stopped so further
	// mode operations are fast, and RestoreDaemon must be called.
	RestoreAfterMode bool
}

type Mount struct {
	client    Client
	telemetry TelemetrySource
	arb       Arbiter
	svc       arbiter.ServiceManager
	cfg       Config
}

func New(client Client, telemetry TelemetrySource, arb Arbiter, svc arbiter.ServiceManager, cfg Config) *Mount {
	return &Mount{client: client, telemetry: telemetry, arb: arb, svc: svc, cfg: cfg}
}

// PollTelemetry returns the latest status snapshot, if any has arrived.
func (m *Mount) PollTelemetry() (sitechexe.Telemetry, bool) {
	return m.telemetry.Latest()
}

func (m *Mount) SendCommand(req sitechexe.CommandRequest) (string, error) {
	return m.client.SendCommand(req)
}

func (m *Mount) SendFireAndForget(text string) error {
	return m.client.SendFireAndForget(text)
}

func (m *Mount) ArbiterState() arbiter.State {
	return m.arb.State()
}

func (m *Mount) afterMode() {
	if !m.cfg.RestoreAfterMode {
		return
	}
	if err := m.arb.Restore(); err != nil {
		log.Printf("restarting SiTechExe: %v", err)
	}
}

// ReadMode reads the controller mode bits over the serial port.
func (m *Mount) ReadMode() (ModeReport, error) {
	var bits controller.ModeBits
	err := m.arb.Do(func(c *controller.Controller) error {
		var err error
		bits, err = c.ReadModeBits()
		return err
	})
	if err != nil {
		return ModeReport{}, err
	}
	m.afterMode()
	return NewModeReport(bits), nil
}

// SetNamedMode switches the controller to normal, slew_track or
// drag_track.
func (m *Mount) SetNamedMode(name string) (bool, string) {
	mode, err := controller.ParseModeName(name)
	if err != nil {
		return false, err.Error()
	}
	var msg string
	err = m.arb.Do(func(c *controller.Controller) error {
		var err error
		msg, err = c.SetMode(mode)
		return err
	})
	if err != nil {
		return false, err.Error()
	}
	m.afterMode()
	return true, msg
}

func (m *Mount) RestoreDaemon() error {
	return m.arb.Restore()
}

// WaitReady waits up to maxWait for the SiTechExe service to be active and
// answering on its TCP port, checking every interval.
func (m *Mount) WaitReady(ctx context.Context, maxWait, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	for {
		active, err := m.svc.IsActive()
		switch {
		case err != nil:
			log.Printf("checking SiTechExe service: %v", err)
		case !active:
			log.Printf("SiTechExe service not active yet")
		case m.client.Ping():
			return nil
		default:
			log.Printf("SiTechExe active but not answering yet")
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("SiTechExe not ready after %v: %w", maxWait, ctx.Err())
		case <-time.After(interval):
		}
	}
}
