// Package simulator implements a fake SiTechExe daemon speaking the TCP
// command protocol. It models a mount that slews, tracks and parks well
// enough to exercise clients without hardware.
package simulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/w1xm/sitech_interface/sitechexe"
	"golang.org/x/sync/errgroup"
)

const (
	// Slew rate in hours (RA) or degrees (Dec) per second
	maxVel = 2
	// Sidereal rate in hours per second of wall time
	siderealRate = 1.0027379 / 3600
	// Discrete simulation step size
	stepSize = 25 * time.Millisecond
	// writeTimeout bounds replies to a client that stopped reading
	writeTimeout = time.Second
)

type mount struct {
	RA, Dec       float64
	TargetRA      float64
	TargetDec     float64
	LST           float64
	Bits          uint32
	Lat, Lon      float64
	CalPoints     int
	parkRA        float64
	parkDec       float64
	trackingSaved bool
}

// Simulator is a fake SiTechExe.
type Simulator struct {
	mu       sync.Mutex
	mount    mount
	received []string
	silent   bool
	ln       net.Listener

	// daemon and servo controller state, see daemon.go
	stopped bool
	servo   servoBits
	pid     int
}

func New() *Simulator {
	return &Simulator{mount: mount{
		RA:      12,
		Dec:     45,
		LST:     12,
		Bits:    sitechexe.BitInitialized,
		Lat:     42.36,
		Lon:     -71.09,
		parkDec: 90,
	}, pid: 812}
}

// SetSilent makes the simulator read requests but never answer.
func (s *Simulator) SetSilent(silent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = silent
}

// SetBits overrides the status bitfield.
func (s *Simulator) SetBits(bits uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mount.Bits = bits
}

// Received returns every request line seen so far.
func (s *Simulator) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

// Dial returns an in-memory connection served by the simulator. It has
// the signature of link.Dialer.
func (s *Simulator) Dial() (io.ReadWriteCloser, error) {
	a, b := net.Pipe()
	go s.serve(b)
	return a, nil
}

// Listen opens a TCP listener; connections are served once Run is called.
func (s *Simulator) Listen(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	return ln.Addr(), nil
}

// Run steps the mount model and serves the listener, if any, until ctx is
// canceled.
func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			s.step(stepSize.Seconds())
		}
	})
	if s.ln != nil {
		g.Go(func() error {
			<-ctx.Done()
			return s.ln.Close()
		})
		g.Go(func() error {
			for {
				conn, err := s.ln.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					return fmt.Errorf("accepting: %w", err)
				}
				go s.serve(conn)
			}
		})
	}
	return g.Wait()
}

func (s *Simulator) serve(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		reply, ok := s.handle(input)
		if !ok {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			log.Printf("sim->client: %v", err)
			return
		}
	}
}

// handle applies one request and returns the reply, if the request has one.
// Movement commands are fire-and-forget and get no reply.
func (s *Simulator) handle(input string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, input)
	if s.stopped {
		return "", false
	}
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]
	m := &s.mount
	reply := fmt.Sprintf("_%s=OK", cmd)
	switch {
	case cmd == "ReadScopeStatus":
		reply = fmt.Sprintf("%d;%.6f;%.6f;%.4f;%.4f;0;0;%.6f;_ReadScopeStatus",
			m.Bits, m.RA, m.Dec, m.Dec, math.Mod(m.RA*15, 360), m.LST)
	case cmd == "GetSiTechVersion":
		reply = "_GetSiTechVersion=sim"
	case cmd == "SiteLocations":
		reply = fmt.Sprintf("%.4f;%.4f;0;_SiteLocations", m.Lat, m.Lon)
	case cmd == "GetPointXPStatus":
		reply = fmt.Sprintf("%d;RMS=0.00", m.CalPoints)
	case cmd == "Xg":
		reply = "Xg0"
	case cmd == "GoTo" || cmd == "Sync":
		if len(args) < 2 {
			reply = fmt.Sprintf("_%s=Bad arguments", cmd)
			break
		}
		ra, err1 := strconv.ParseFloat(args[0], 64)
		dec, err2 := strconv.ParseFloat(args[1], 64)
		if err1 != nil || err2 != nil {
			reply = fmt.Sprintf("_%s=Bad arguments", cmd)
			break
		}
		if cmd == "Sync" {
			m.RA, m.Dec = ra, dec
			if len(args) > 2 && args[2] == "2" {
				m.CalPoints++
			}
			break
		}
		m.TargetRA, m.TargetDec = ra, dec
		m.trackingSaved = m.Bits&sitechexe.BitTracking != 0
		m.Bits |= sitechexe.BitSlewing
		m.Bits &^= sitechexe.BitParked
	case cmd == "ClearAllCalPoints":
		m.CalPoints = 0
	case cmd == "RemoveLastCalPoint":
		if m.CalPoints > 0 {
			m.CalPoints--
		}
	case cmd == "SetPark":
		m.parkRA, m.parkDec = m.RA, m.Dec
	case cmd == "Abort":
		m.Bits &^= sitechexe.BitSlewing | sitechexe.BitTracking | sitechexe.BitParking
		return "", false
	case cmd == "Park":
		m.TargetRA, m.TargetDec = m.parkRA, m.parkDec
		m.Bits &^= sitechexe.BitTracking
		m.Bits |= sitechexe.BitParking | sitechexe.BitSlewing
		return "", false
	case cmd == "UnPark":
		m.Bits &^= sitechexe.BitParked | sitechexe.BitParking
		return "", false
	case cmd == "SetTrackMode":
		if len(args) > 0 && args[0] == "1" {
			m.Bits |= sitechexe.BitTracking
		} else {
			m.Bits &^= sitechexe.BitTracking
		}
		return "", false
	case cmd == "MotorsToBlinky":
		m.Bits |= sitechexe.BitManual
		return "", false
	case cmd == "MotorsToAuto":
		m.Bits &^= sitechexe.BitManual
		return "", false
	case strings.HasPrefix(cmd, "MoveAxisSPG"):
		return "", false
	}
	if s.silent {
		return "", false
	}
	return reply, true
}

func approach(cur, target, maxDelta float64) (float64, bool) {
	delta := target - cur
	if math.Abs(delta) <= maxDelta {
		return target, true
	}
	if delta < 0 {
		return cur - maxDelta, false
	}
	return cur + maxDelta, false
}

func (s *Simulator) step(dt float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &s.mount
	m.LST = math.Mod(m.LST+siderealRate*dt, 24)
	if m.Bits&sitechexe.BitSlewing == 0 {
		if m.Bits&sitechexe.BitTracking == 0 && m.Bits&sitechexe.BitParked == 0 {
			// Untracked: the sky drifts past the mount.
			m.RA = math.Mod(m.RA+siderealRate*dt, 24)
		}
		return
	}
	var raDone, decDone bool
	m.RA, raDone = approach(m.RA, m.TargetRA, maxVel*dt)
	m.Dec, decDone = approach(m.Dec, m.TargetDec, maxVel*dt)
	if !raDone || !decDone {
		return
	}
	m.Bits &^= sitechexe.BitSlewing
	if m.Bits&sitechexe.BitParking != 0 {
		m.Bits &^= sitechexe.BitParking
		m.Bits |= sitechexe.BitParked
		return
	}
	if m.trackingSaved {
		m.Bits |= sitechexe.BitTracking
	}
}
