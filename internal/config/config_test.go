package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/w1xm/sitech_interface/arbiter"
	"github.com/w1xm/sitech_interface/controller"
	"github.com/w1xm/sitech_interface/sitechexe"
)

const sample = `
sitechexe:
  address: 192.168.4.1:4030
  command_timeout_ms: 3000
  retries: -1
serial:
  port: /dev/serial/by-id/usb-FTDI_FT232R-if00-port0
  baud: 19200
daemon:
  sudo: false
  release_attempts: 6
  stop_settle_ms: 1000
  restore_after_mode: true
influx:
  server: http://localhost:8086
  org: w1xm
  bucket: sipi
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sipi.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	Normalize(cfg)

	wantClient := sitechexe.Config{
		Address:        "192.168.4.1:4030",
		DialTimeout:    5 * time.Second,
		CommandTimeout: 3 * time.Second,
		MoveTimeout:    5 * time.Second,
		VersionTimeout: 250 * time.Millisecond,
		StatusTimeout:  5 * time.Second,
		Retries:        -1,
	}
	if diff := cmp.Diff(wantClient, cfg.Client()); diff != "" {
		t.Errorf("Client(): want(-)/got(+):\n%s", diff)
	}

	wantArbiter := arbiter.Config{
		Service:      "sitech.service",
		Device:       "/dev/serial/by-id/usb-FTDI_FT232R-if00-port0",
		Attempts:     6,
		PollInterval: time.Second,
		StopSettle:   time.Second,
		StartSettle:  3 * time.Second,
		Controller: controller.Config{
			ResponseTimeout: 2 * time.Second,
			FlashTimeout:    2 * time.Second,
		},
	}
	if diff := cmp.Diff(wantArbiter, cfg.Arbiter()); diff != "" {
		t.Errorf("Arbiter(): want(-)/got(+):\n%s", diff)
	}
	if cfg.Systemd().Sudo || cfg.Lsof().Sudo {
		t.Errorf("sudo: false was not honoured")
	}
	if !cfg.Daemon.RestoreAfterMode {
		t.Errorf("restore_after_mode not read")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if got := cfg.Poller(); got.Interval != 200*time.Millisecond || got.ErrorCooldown != 2*time.Second {
		t.Errorf("Poller() = %+v", got)
	}
	if !cfg.Systemd().Sudo {
		t.Errorf("sudo should default to on")
	}
	if got := cfg.SerialOpener(); got.Baud != 19200 || got.ReadTimeout != 100*time.Millisecond {
		t.Errorf("SerialOpener() = %+v", got)
	}
	if cfg.HTTP.Listen != DefaultListen || cfg.ReadyTimeout() != 2*time.Minute {
		t.Errorf("http/ready defaults: %+v, %v", cfg.HTTP, cfg.ReadyTimeout())
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse(nil): %v", err)
	}
	if cfg == nil {
		t.Fatal("Parse(nil) returned nil config")
	}
}

func TestParseUnknownField(t *testing.T) {
	_, err := Parse([]byte("serial:\n  prot: /dev/ttyUSB0\n"))
	if err == nil || !strings.Contains(err.Error(), "prot") {
		t.Errorf("err = %v, want unknown field error", err)
	}
}

func TestValidate(t *testing.T) {
	for _, test := range []struct {
		name string
		cfg  Config
		want string
	}{
		{"negative duration", Config{Poll: PollConfig{IntervalMs: -5}}, "poll.interval_ms"},
		{"bad retries", Config{SiTechExe: SiTechExeConfig{Retries: -2}}, "retries"},
		{"bad address", Config{SiTechExe: SiTechExeConfig{Address: "localhost"}}, "address"},
		{"bad baud", Config{Serial: SerialConfig{Baud: 12345}}, "baud"},
		{"negative attempts", Config{Daemon: DaemonConfig{ReleaseAttempts: -1}}, "release_attempts"},
		{"influx without bucket", Config{Influx: InfluxConfig{Server: "http://x", Org: "o"}}, "influx"},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := Validate(&test.cfg)
			if err == nil || !strings.Contains(err.Error(), test.want) {
				t.Errorf("Validate = %v, want error mentioning %q", err, test.want)
			}
		})
	}
}
