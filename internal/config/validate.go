package config

import (
	"fmt"
	"net"
)

// Validate checks configuration correctness.
// It MUST NOT mutate configuration.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	durations := map[string]int{
		"sitechexe.dial_timeout_ms":    cfg.SiTechExe.DialTimeoutMs,
		"sitechexe.command_timeout_ms": cfg.SiTechExe.CommandTimeoutMs,
		"sitechexe.move_timeout_ms":    cfg.SiTechExe.MoveTimeoutMs,
		"sitechexe.version_timeout_ms": cfg.SiTechExe.VersionTimeoutMs,
		"sitechexe.status_timeout_ms":  cfg.SiTechExe.StatusTimeoutMs,
		"poll.interval_ms":             cfg.Poll.IntervalMs,
		"poll.error_cooldown_ms":       cfg.Poll.ErrorCooldownMs,
		"serial.read_timeout_ms":       cfg.Serial.ReadTimeoutMs,
		"serial.response_timeout_ms":   cfg.Serial.ResponseTimeoutMs,
		"serial.flash_timeout_ms":      cfg.Serial.FlashTimeoutMs,
		"daemon.command_timeout_ms":    cfg.Daemon.CommandTimeoutMs,
		"daemon.poll_interval_ms":      cfg.Daemon.PollIntervalMs,
		"daemon.stop_settle_ms":        cfg.Daemon.StopSettleMs,
		"daemon.start_settle_ms":       cfg.Daemon.StartSettleMs,
		"daemon.ready_timeout_ms":      cfg.Daemon.ReadyTimeoutMs,
	}
	for name, v := range durations {
		if v < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", name, v)
		}
	}

	if cfg.SiTechExe.Retries < -1 {
		return fmt.Errorf("sitechexe.retries must be -1 or more (got %d)", cfg.SiTechExe.Retries)
	}
	if cfg.SiTechExe.Address != "" {
		if _, _, err := net.SplitHostPort(cfg.SiTechExe.Address); err != nil {
			return fmt.Errorf("sitechexe.address %q: %w", cfg.SiTechExe.Address, err)
		}
	}

	switch b := cfg.Serial.Baud; b {
	case 0, 4800, 9600, 19200, 38400, 57600, 115200:
	default:
		return fmt.Errorf("serial.baud %d is not a supported rate", b)
	}

	if cfg.Daemon.ReleaseAttempts < 0 {
		return fmt.Errorf("daemon.release_attempts must not be negative (got %d)", cfg.Daemon.ReleaseAttempts)
	}

	// influx is opt-in; once a server is named the rest must be too
	if cfg.Influx.Server != "" && (cfg.Influx.Org == "" || cfg.Influx.Bucket == "") {
		return fmt.Errorf("influx.server is set but influx.org or influx.bucket is missing")
	}

	return nil
}
