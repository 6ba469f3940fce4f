package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/w1xm/sitech_interface/sitechexe"
)

type rotctldConn struct {
	io.Reader
	bytes.Buffer
}

func (c *rotctldConn) Read(p []byte) (int, error) { return c.Reader.Read(p) }

func TestRotctld(t *testing.T) {
	ts := newTestServer(t)
	tel, err := sitechexe.ParseStatusLine("1;12;45;30.5;270.25;0;0;6")
	if err != nil {
		t.Fatal(err)
	}
	ts.statusCallback(tel)

	for _, tc := range []struct {
		name string
		in   string
		want string
		sent string
	}{
		{"get_pos", "p\n", "-89.750000\n30.500000\n", ""},
		{"get_pos extended", "+\\get_pos\n", "get_pos:\nAzimuth: -89.750000\nElevation: 30.500000\nRPRT 0\n", ""},
		{"set_pos", "P -90 45\n", "RPRT 0\n", "GoToAltAz 270.000000 45.000000"},
		{"set_pos no space", "P10 20\n", "RPRT 0\n", "GoToAltAz 10.000000 20.000000"},
		{"set_pos bad elevation", "P 10 95\n", "RPRT -22\n", ""},
		{"set_pos missing", "P 10\n", "RPRT -22\n", ""},
		{"move unsupported", "M 2 50\n", "RPRT -4\n", ""},
		{"unknown", "X\n", "RPRT -1\n", ""},
		{"blank lines", "\n\r\n", "", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := len(ts.sim.Received())
			conn := &rotctldConn{Reader: strings.NewReader(tc.in)}
			ts.handleRotctld(conn, "test")
			if diff := cmp.Diff(tc.want, conn.String()); diff != "" {
				t.Errorf("reply: want(-)/got(+):\n%s", diff)
			}
			received := ts.sim.Received()[before:]
			if tc.sent == "" {
				if len(received) != 0 {
					t.Errorf("sent %q, want nothing", received)
				}
				return
			}
			if len(received) != 1 || received[0] != tc.sent {
				t.Errorf("sent %q, want %q", received, tc.sent)
			}
		})
	}
}

func TestRotctldNoTelemetry(t *testing.T) {
	ts := newTestServer(t)
	conn := &rotctldConn{Reader: strings.NewReader("p\n")}
	ts.handleRotctld(conn, "test")
	if got, want := conn.String(), "RPRT -5\n"; got != want {
		t.Errorf("get_pos before first status = %q, want %q", got, want)
	}
}
