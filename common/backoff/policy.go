package backoff

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// PolicyConfig describes a jitter-free doubling schedule:
// BaseDelay, 2·BaseDelay, 4·BaseDelay … capped at MaxDelay, at most MaxAttempts delays.
type PolicyConfig struct {
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

func (c *PolicyConfig) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Validate is used by service configs.
func (c PolicyConfig) Validate() error {
	if c.BaseDelay < 0 || c.MaxDelay < 0 {
		return fmt.Errorf("backoff: delays must be ≥ 0")
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return fmt.Errorf("backoff: base_delay must not exceed max_delay")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("backoff: max_attempts must be ≥ 0")
	}
	return nil
}

func (c PolicyConfig) newBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.BaseDelay
	bo.MaxInterval = c.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return backoff.WithMaxRetries(bo, uint64(c.MaxAttempts))
}

// Policy hands out reconnect delays one at a time. Not safe for concurrent use;
// it belongs to the single task that owns the connection.
type Policy struct {
	cfg      PolicyConfig
	bo       backoff.BackOff
	attempts int
}

// NewPolicy builds a Policy; zero fields fall back to defaults.
func NewPolicy(cfg PolicyConfig) *Policy {
	cfg.applyDefaults()
	return &Policy{cfg: cfg, bo: cfg.newBackOff()}
}

// Next returns the delay before the next attempt, or false once MaxAttempts
// delays have been handed out.
func (p *Policy) Next() (time.Duration, bool) {
	d := p.bo.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	p.attempts++
	return d, true
}

// Reset restarts the schedule from BaseDelay.
func (p *Policy) Reset() {
	p.bo.Reset()
	p.attempts = 0
}

// Attempts is the number of delays handed out since the last Reset.
func (p *Policy) Attempts() int { return p.attempts }

// Config returns the effective configuration.
func (p *Policy) Config() PolicyConfig { return p.cfg }
