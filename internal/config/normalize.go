package config

import (
	"time"

	"github.com/w1xm/sitech_interface/arbiter"
	"github.com/w1xm/sitech_interface/controller"
	"github.com/w1xm/sitech_interface/sitechexe"
)

const (
	DefaultListen         = "127.0.0.1:8502"
	DefaultStaticDir      = "static"
	DefaultCalPointsFile  = "/usr/share/SiTech/SiTechExe/PointErr.txt"
	DefaultReadyTimeoutMs = 120000
)

func msOf(d time.Duration) int {
	return int(d.Milliseconds())
}

func setDefault(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

func setDefaultString(v *string, def string) {
	if *v == "" {
		*v = def
	}
}

// Normalize fills in defaults for every unset value.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	s := &cfg.SiTechExe
	setDefaultString(&s.Address, sitechexe.DefaultAddress)
	setDefault(&s.DialTimeoutMs, msOf(sitechexe.DefaultDialTimeout))
	setDefault(&s.CommandTimeoutMs, msOf(sitechexe.DefaultCommandTimeout))
	setDefault(&s.MoveTimeoutMs, msOf(sitechexe.DefaultMoveTimeout))
	setDefault(&s.VersionTimeoutMs, msOf(sitechexe.DefaultVersionTimeout))
	setDefault(&s.StatusTimeoutMs, msOf(sitechexe.DefaultStatusTimeout))
	setDefault(&s.Retries, sitechexe.DefaultRetries)
	setDefaultString(&s.CalPointsFile, DefaultCalPointsFile)

	setDefault(&cfg.Poll.IntervalMs, msOf(sitechexe.DefaultPollInterval))
	setDefault(&cfg.Poll.ErrorCooldownMs, msOf(sitechexe.DefaultErrorCooldown))

	sp := &cfg.Serial
	setDefaultString(&sp.Port, controller.DefaultPort)
	setDefault(&sp.Baud, controller.DefaultBaud)
	setDefault(&sp.ReadTimeoutMs, msOf(controller.DefaultReadTimeout))
	setDefault(&sp.ResponseTimeoutMs, msOf(controller.DefaultResponseTimeout))
	setDefault(&sp.FlashTimeoutMs, msOf(controller.DefaultFlashTimeout))

	d := &cfg.Daemon
	setDefaultString(&d.Service, arbiter.DefaultService)
	if d.Sudo == nil {
		sudo := true
		d.Sudo = &sudo
	}
	setDefault(&d.ReleaseAttempts, arbiter.DefaultAttempts)
	setDefault(&d.PollIntervalMs, msOf(arbiter.DefaultPollInterval))
	setDefault(&d.StopSettleMs, msOf(arbiter.DefaultSettle))
	setDefault(&d.StartSettleMs, msOf(arbiter.DefaultSettle))
	setDefault(&d.ReadyTimeoutMs, DefaultReadyTimeoutMs)

	setDefaultString(&cfg.HTTP.Listen, DefaultListen)
	setDefaultString(&cfg.HTTP.StaticDir, DefaultStaticDir)
}

// Default returns a normalized configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	Normalize(cfg)
	return cfg
}
