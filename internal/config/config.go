// Package config loads the sipi YAML configuration file.
//
// Durations are integer milliseconds in fields ending in _ms. A zero or
// missing value takes the default.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/w1xm/sitech_interface/arbiter"
	"github.com/w1xm/sitech_interface/controller"
	"github.com/w1xm/sitech_interface/sitechexe"
)

type Config struct {
	SiTechExe SiTechExeConfig `yaml:"sitechexe"`
	Poll      PollConfig      `yaml:"poll"`
	Serial    SerialConfig    `yaml:"serial"`
	Daemon    DaemonConfig    `yaml:"daemon"`
	HTTP      HTTPConfig      `yaml:"http"`
	Influx    InfluxConfig    `yaml:"influx"`
}

// ---- SITECHEXE ----

type SiTechExeConfig struct {
	Address          string `yaml:"address"`
	DialTimeoutMs    int    `yaml:"dial_timeout_ms"`
	CommandTimeoutMs int    `yaml:"command_timeout_ms"`
	MoveTimeoutMs    int    `yaml:"move_timeout_ms"`
	VersionTimeoutMs int    `yaml:"version_timeout_ms"`
	StatusTimeoutMs  int    `yaml:"status_timeout_ms"`
	// Retries is the resend count after a command I/O error. Use -1 for
	// none.
	Retries int `yaml:"retries"`
	// CalPointsFile is SiTechExe's pointing model error file.
	CalPointsFile string `yaml:"cal_points_file"`
}

type PollConfig struct {
	IntervalMs      int `yaml:"interval_ms"`
	ErrorCooldownMs int `yaml:"error_cooldown_ms"`
}

// ---- SERIAL / DAEMON ----

type SerialConfig struct {
	Port              string `yaml:"port"`
	Baud              int    `yaml:"baud"`
	ReadTimeoutMs     int    `yaml:"read_timeout_ms"`
	ResponseTimeoutMs int    `yaml:"response_timeout_ms"`
	FlashTimeoutMs    int    `yaml:"flash_timeout_ms"`
}

type DaemonConfig struct {
	Service          string `yaml:"service"`
	Sudo             *bool  `yaml:"sudo"`
	CommandTimeoutMs int    `yaml:"command_timeout_ms"`
	ReleaseAttempts  int    `yaml:"release_attempts"`
	PollIntervalMs   int    `yaml:"poll_interval_ms"`
	StopSettleMs     int    `yaml:"stop_settle_ms"`
	StartSettleMs    int    `yaml:"start_settle_ms"`

	// RestoreAfterMode restarts the daemon after successful mode
	// operations instead of leaving it stopped.
	RestoreAfterMode bool `yaml:"restore_after_mode"`
	ReadyTimeoutMs   int  `yaml:"ready_timeout_ms"`
}

// ---- EDGES ----

type HTTPConfig struct {
	Listen    string `yaml:"listen"`
	StaticDir string `yaml:"static_dir"`
	// Rotctld is the listen address of the hamlib rotctld server. Empty
	// disables it.
	Rotctld string `yaml:"rotctld"`
}

type InfluxConfig struct {
	Server string `yaml:"server"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Load reads and decodes path. Unknown keys are an error. The result is
// not validated or normalized.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Client returns the SiTechExe client settings.
func (c *Config) Client() sitechexe.Config {
	s := c.SiTechExe
	return sitechexe.Config{
		Address:        s.Address,
		DialTimeout:    ms(s.DialTimeoutMs),
		CommandTimeout: ms(s.CommandTimeoutMs),
		MoveTimeout:    ms(s.MoveTimeoutMs),
		VersionTimeout: ms(s.VersionTimeoutMs),
		StatusTimeout:  ms(s.StatusTimeoutMs),
		Retries:        s.Retries,
	}
}

func (c *Config) Poller() sitechexe.PollerConfig {
	return sitechexe.PollerConfig{
		Interval:      ms(c.Poll.IntervalMs),
		ErrorCooldown: ms(c.Poll.ErrorCooldownMs),
	}
}

func (c *Config) Arbiter() arbiter.Config {
	d := c.Daemon
	return arbiter.Config{
		Service:      d.Service,
		Device:       c.Serial.Port,
		Attempts:     d.ReleaseAttempts,
		PollInterval: ms(d.PollIntervalMs),
		StopSettle:   ms(d.StopSettleMs),
		StartSettle:  ms(d.StartSettleMs),
		Controller: controller.Config{
			ResponseTimeout: ms(c.Serial.ResponseTimeoutMs),
			FlashTimeout:    ms(c.Serial.FlashTimeoutMs),
		},
	}
}

func (c *Config) SerialOpener() arbiter.SerialOpener {
	return arbiter.SerialOpener{
		Baud:        c.Serial.Baud,
		ReadTimeout: ms(c.Serial.ReadTimeoutMs),
	}
}

func (c *Config) sudo() bool {
	return c.Daemon.Sudo == nil || *c.Daemon.Sudo
}

func (c *Config) Systemd() arbiter.Systemd {
	return arbiter.Systemd{
		Unit:    c.Daemon.Service,
		Sudo:    c.sudo(),
		Timeout: ms(c.Daemon.CommandTimeoutMs),
	}
}

func (c *Config) Lsof() arbiter.Lsof {
	return arbiter.Lsof{
		Sudo:    c.sudo(),
		Timeout: ms(c.Daemon.CommandTimeoutMs),
	}
}

func (c *Config) ReadyTimeout() time.Duration {
	return ms(c.Daemon.ReadyTimeoutMs)
}
