// Package arbiter hands the controller's serial port back and forth
// between the SiTechExe daemon and direct access.
//
// SiTechExe holds the port open while it runs, so every direct exchange
// is bracketed by stopping the daemon, waiting for the device to be
// released, and starting the daemon again. One arbitration cycle runs at a
// time.
package arbiter

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/w1xm/sitech_interface/controller"
)

type State int32

const (
	DaemonOwnsPort State = iota
	Releasing
	PortFree
	DirectAccess
	Restoring
)

func (s State) String() string {
	switch s {
	case DaemonOwnsPort:
		return "daemon owns port"
	case Releasing:
		return "releasing"
	case PortFree:
		return "port free"
	case DirectAccess:
		return "direct access"
	case Restoring:
		return "restoring"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Error is an arbitration failure. Stage is one of "stop", "release",
// "open", "operate" or "start". Output carries the text of the external
// command that failed, when there is one.
type Error struct {
	Stage  string
	Err    error
	Output string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func stageError(stage string, err error) *Error {
	return &Error{Stage: stage, Err: err, Output: outputOf(err)}
}

const (
	DefaultService      = "sitech.service"
	DefaultDevice       = "/dev/ttyUSB0"
	DefaultAttempts     = 10
	DefaultPollInterval = time.Second
	DefaultSettle       = 3 * time.Second
)

type Config struct {
	Service string
	Device  string
	// Attempts bounds how many times the port is checked after stopping
	// the daemon. Kill is sent once more than half have failed.
	Attempts     int
	PollInterval time.Duration
	// StopSettle and StartSettle are waited after systemctl returns.
	StopSettle  time.Duration
	StartSettle time.Duration
	Controller  controller.Config
}

// DefaultConfig returns the timings used against real hardware.
func DefaultConfig() Config {
	return Config{
		Service:      DefaultService,
		Device:       DefaultDevice,
		Attempts:     DefaultAttempts,
		PollInterval: DefaultPollInterval,
		StopSettle:   DefaultSettle,
		StartSettle:  DefaultSettle,
	}
}

type Arbiter struct {
	svc   ServiceManager
	ports PortProber
	open  Opener
	cfg   Config

	// mu is held for a whole cycle.
	mu    sync.Mutex
	state atomic.Int32
}

func New(svc ServiceManager, ports PortProber, open Opener, cfg Config) *Arbiter {
	if cfg.Device == "" {
		cfg.Device = DefaultDevice
	}
	if cfg.Service == "" {
		cfg.Service = DefaultService
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	return &Arbiter{svc: svc, ports: ports, open: open, cfg: cfg}
}

func (a *Arbiter) State() State {
	return State(a.state.Load())
}

func (a *Arbiter) setState(s State) {
	if old := State(a.state.Swap(int32(s))); old != s {
		log.Printf("arbiter: %v -> %v", old, s)
	}
}

func (a *Arbiter) Device() string {
	return a.cfg.Device
}

// Do stops the daemon, opens the serial port and runs fn with a
// controller on it. If anything fails the daemon is started again before
// the error is returned. On success the daemon is left stopped so that
// several operations can follow each other quickly; call Restore when
// done.
func (a *Arbiter) Do(fn func(*controller.Controller) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.release(); err != nil {
		return a.abort(err)
	}
	a.setState(DirectAccess)
	c := controller.New(func() (io.ReadWriteCloser, error) {
		return a.open.Open(a.cfg.Device)
	}, a.cfg.Controller)
	if err := c.Open(); err != nil {
		return a.abort(stageError("open", err))
	}
	err := fn(c)
	if cerr := c.Close(); cerr != nil {
		log.Printf("closing %s: %v", a.cfg.Device, cerr)
	}
	if err != nil {
		return a.abort(stageError("operate", err))
	}
	a.setState(PortFree)
	return nil
}

// Restore starts the daemon unless it is already running.
func (a *Arbiter) Restore() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	active, err := a.svc.IsActive()
	if err != nil {
		return stageError("start", err)
	}
	if active {
		a.setState(DaemonOwnsPort)
		return nil
	}
	return a.restore()
}

func (a *Arbiter) release() error {
	a.setState(Releasing)
	if err := a.svc.Stop(); err != nil {
		return stageError("stop", err)
	}
	pause(a.cfg.StopSettle)

	var (
		active  bool
		holders []string
		killed  bool
	)
	for failed := 0; failed < a.cfg.Attempts; failed++ {
		if failed > 0 {
			pause(a.cfg.PollInterval)
		}
		var err error
		if active, err = a.svc.IsActive(); err != nil {
			return stageError("stop", err)
		}
		holders = nil
		if !active {
			if holders, err = a.ports.Holders(a.cfg.Device); err != nil {
				log.Printf("checking holders of %s: %v; assuming free", a.cfg.Device, err)
				holders = nil
			}
			if len(holders) == 0 {
				a.setState(PortFree)
				return nil
			}
		}
		if !killed && failed+1 > a.cfg.Attempts/2 {
			log.Printf("%s still running after %d checks, killing", a.cfg.Service, failed+1)
			if err := a.svc.Kill(); err != nil {
				log.Printf("killing %s: %v", a.cfg.Service, err)
			}
			killed = true
		}
	}
	if active {
		return &Error{Stage: "release", Err: fmt.Errorf("%s still active after %d checks", a.cfg.Service, a.cfg.Attempts)}
	}
	return &Error{
		Stage:  "release",
		Err:    fmt.Errorf("%s still in use after stopping %s", a.cfg.Device, a.cfg.Service),
		Output: strings.Join(holders, "\n"),
	}
}

// abort restores the daemon after a failed cycle and returns err.
func (a *Arbiter) abort(err error) error {
	if rerr := a.restore(); rerr != nil {
		log.Printf("restoring %s after %v: %v", a.cfg.Service, err, rerr)
		return fmt.Errorf("%w (restart also failed: %v)", err, rerr)
	}
	return err
}

func (a *Arbiter) restore() error {
	a.setState(Restoring)
	if err := a.svc.Start(); err != nil {
		a.setState(PortFree)
		return stageError("start", err)
	}
	pause(a.cfg.StartSettle)
	a.setState(DaemonOwnsPort)
	return nil
}

func pause(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
