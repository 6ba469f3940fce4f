package simulator

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/w1xm/sitech_interface/controller"
)

// The Simulator also stands in for the systemd unit running SiTechExe and
// for the servo controller behind it, so the serial mode path can run
// without hardware. It implements arbiter.ServiceManager,
// arbiter.PortProber and arbiter.Opener.

type servoBits struct {
	x, y   uint8
	flashX uint8
	flashY uint8
}

// ErrPortBusy is returned by Open while the simulated daemon holds the port.
var ErrPortBusy = errors.New("device or resource busy")

func (s *Simulator) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *Simulator) Kill() error {
	return s.Stop()
}

func (s *Simulator) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		s.pid++
	}
	s.stopped = false
	return nil
}

func (s *Simulator) IsActive() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped, nil
}

func (s *Simulator) Holders(device string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, nil
	}
	return []string{fmt.Sprintf("SiTechExe %d sitech 3u CHR 188,0 0t0 %s", s.pid, device)}, nil
}

// Open returns a connection to the simulated servo controller.
func (s *Simulator) Open(device string) (io.ReadWriteCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		return nil, fmt.Errorf("opening %q: %w", device, ErrPortBusy)
	}
	return &servoPort{sim: s}, nil
}

// ModeBits returns the servo controller's RAM and flash bitfields.
func (s *Simulator) ModeBits() (ram, flash controller.ModeBits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return controller.ModeBits{X: s.servo.x, Y: s.servo.y},
		controller.ModeBits{X: s.servo.flashX, Y: s.servo.flashY}
}

// SetModeBits sets the servo controller's RAM bitfields.
func (s *Simulator) SetModeBits(bits controller.ModeBits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servo.x, s.servo.y = bits.X, bits.Y
}

// servoPort answers checksum framed commands. Frames with a bad checksum
// are dropped, as the real controller does.
type servoPort struct {
	sim     *Simulator
	pending []byte
}

func (p *servoPort) Read(b []byte) (int, error) {
	p.sim.mu.Lock()
	defer p.sim.mu.Unlock()
	n := copy(b, p.pending)
	p.pending = p.pending[n:]
	return n, nil
}

func (p *servoPort) Write(b []byte) (int, error) {
	if controller.VerifyChecksumFrame(b) != nil {
		return len(b), nil
	}
	cmd := string(b[:len(b)-2])
	p.sim.mu.Lock()
	defer p.sim.mu.Unlock()
	if reply, ok := p.sim.servoCommand(cmd); ok {
		p.pending = append(p.pending, reply+"\r\n"...)
	}
	return len(b), nil
}

func (p *servoPort) Flush() error {
	p.sim.mu.Lock()
	defer p.sim.mu.Unlock()
	p.pending = nil
	return nil
}

func (p *servoPort) Close() error { return nil }

// servoCommand handles the subset of the controller command set the mode
// operations use. Only the plain spellings are understood, so callers
// trying alternates see them go unanswered first.
func (s *Simulator) servoCommand(cmd string) (string, bool) {
	sv := &s.servo
	switch {
	case cmd == "XB":
		return fmt.Sprintf("B%d", sv.x), true
	case cmd == "YB":
		return fmt.Sprintf("b%d", sv.y), true
	case cmd == "XW":
		sv.flashX, sv.flashY = sv.x, sv.y
		return "W", true
	case strings.HasPrefix(cmd, "XB"), strings.HasPrefix(cmd, "YB"):
		v, err := strconv.ParseUint(cmd[2:], 10, 8)
		if err != nil {
			return "", false
		}
		if cmd[0] == 'X' {
			sv.x = uint8(v)
		} else {
			sv.y = uint8(v)
		}
		return "ok", true
	}
	return "", false
}
