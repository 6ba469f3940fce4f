package sitechexe

import (
	"context"
	"log"
	"sync"
	"time"
)

const (
	DefaultPollInterval  = 200 * time.Millisecond
	DefaultErrorCooldown = 2 * time.Second
)

type StatusCallback func(status Telemetry)

// StatusSource is implemented by *Client.
type StatusSource interface {
	PollStatus() (Telemetry, error)
}

type PollerConfig struct {
	// Interval between polls while the daemon answers.
	Interval time.Duration
	// ErrorCooldown is the wait after a failed poll. It is longer than
	// Interval so a restarting daemon is not hammered with reconnects.
	ErrorCooldown time.Duration
}

// Poller repeatedly reads ReadScopeStatus and publishes the latest
// Telemetry.
type Poller struct {
	src            StatusSource
	cfg            PollerConfig
	statusCallback StatusCallback

	mu     sync.RWMutex
	latest Telemetry
	have   bool
}

// NewPoller returns a Poller. statusCallback may be nil.
func NewPoller(src StatusSource, cfg PollerConfig, statusCallback StatusCallback) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.ErrorCooldown <= 0 {
		cfg.ErrorCooldown = DefaultErrorCooldown
	}
	return &Poller{src: src, cfg: cfg, statusCallback: statusCallback}
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	failing := false
	for {
		wait := p.cfg.Interval
		status, err := p.src.PollStatus()
		if err != nil {
			if !failing {
				log.Printf("polling status: %v", err)
			}
			failing = true
			wait = p.cfg.ErrorCooldown
		} else {
			if failing {
				log.Printf("status polling recovered")
			}
			failing = false
			p.publish(status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (p *Poller) publish(status Telemetry) {
	p.mu.Lock()
	p.latest = status
	p.have = true
	p.mu.Unlock()
	if p.statusCallback != nil {
		p.statusCallback(status)
	}
}

// Latest returns the most recent snapshot and whether one has been
// received yet.
func (p *Poller) Latest() (Telemetry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.have
}
