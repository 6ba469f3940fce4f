package arbiter

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// ServiceManager controls the daemon that normally owns the serial port.
// Any error is a hard stop for the current arbitration cycle.
type ServiceManager interface {
	Stop() error
	Start() error
	// Kill forcefully terminates the daemon when Stop was not enough.
	Kill() error
	IsActive() (bool, error)
}

// PortProber reports which processes hold a device open.
type PortProber interface {
	Holders(device string) ([]string, error)
}

// Systemd manages a systemd unit with systemctl.
type Systemd struct {
	Unit string
	// Sudo runs systemctl through "sudo -n".
	Sudo    bool
	Timeout time.Duration
}

func (s Systemd) systemctl(verb string) (string, error) {
	return run(s.Timeout, s.Sudo, "systemctl", verb, s.Unit)
}

func (s Systemd) Stop() error {
	_, err := s.systemctl("stop")
	return err
}

func (s Systemd) Start() error {
	_, err := s.systemctl("start")
	return err
}

func (s Systemd) Kill() error {
	_, err := s.systemctl("kill")
	return err
}

// IsActive interprets "systemctl is-active", which exits non-zero for
// every state but active.
func (s Systemd) IsActive() (bool, error) {
	out, err := s.systemctl("is-active")
	active, known := unitActive(out)
	if !known {
		if err == nil {
			err = fmt.Errorf("unexpected is-active output %q", out)
		}
		return false, err
	}
	return active, nil
}

func unitActive(out string) (active, known bool) {
	lines := strings.Fields(out)
	if len(lines) == 0 {
		return false, false
	}
	switch lines[len(lines)-1] {
	case "active", "activating", "deactivating", "reloading", "refreshing":
		return true, true
	case "inactive", "failed", "unknown", "dead":
		return false, true
	}
	return false, false
}

// Lsof finds holders of a device with lsof.
type Lsof struct {
	Sudo    bool
	Timeout time.Duration
}

// Holders returns one lsof line per open handle on device. lsof exits with
// status 1 when nothing holds the file.
func (l Lsof) Holders(device string) ([]string, error) {
	out, err := run(l.Timeout, l.Sudo, "lsof", device)
	if err != nil {
		var e *ExecError
		if errors.As(err, &e) && e.ExitCode == 1 {
			if out != "" {
				log.Printf("lsof %s: %s", device, out)
			}
			return nil, nil
		}
		return nil, err
	}
	return parseLsof(out), nil
}

func parseLsof(out string) []string {
	var holders []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "COMMAND ") || strings.HasPrefix(line, "lsof: WARNING") {
			continue
		}
		holders = append(holders, line)
	}
	return holders
}
