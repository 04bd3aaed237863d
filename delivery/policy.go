package delivery

import (
	"errors"
	"math/rand"
	"time"
)

// Policy bounds retries for one notification.
//
// The wait after the k-th failed attempt (k >= 1) is
//
//	min(MaxDelay, BaseDelay * 2^(k-1) * (1 + u)),  u uniform in [-Jitter, +Jitter]
//
// and no more than MaxAttempts attempts are ever made. AttemptTimeout bounds
// each single attempt independently of the overall budget.
type Policy struct {
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Jitter         float64       `yaml:"jitter"`
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:      time.Second,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    6,
		AttemptTimeout: 10 * time.Second,
		Jitter:         0.2,
	}
}

// Validate reports the first invalid field.
func (p Policy) Validate() error {
	switch {
	case p.BaseDelay <= 0:
		return errors.New("delivery: base_delay must be positive")
	case p.MaxDelay < p.BaseDelay:
		return errors.New("delivery: max_delay must be >= base_delay")
	case p.MaxAttempts < 1:
		return errors.New("delivery: max_attempts must be >= 1")
	case p.AttemptTimeout <= 0:
		return errors.New("delivery: attempt_timeout must be positive")
	case p.Jitter < 0 || p.Jitter >= 1:
		return errors.New("delivery: jitter must be in [0, 1)")
	}
	return nil
}

// maxShift keeps BaseDelay << shift from overflowing.
const maxShift = 30

// Delay returns the wait after the k-th failed attempt.
func (p Policy) Delay(k int, rng *rand.Rand) time.Duration {
	if k < 1 {
		k = 1
	}
	shift := k - 1
	if shift > maxShift {
		shift = maxShift
	}
	nominal := float64(p.BaseDelay) * float64(uint64(1)<<uint(shift))
	u := 0.0
	if p.Jitter > 0 && rng != nil {
		u = (rng.Float64()*2 - 1) * p.Jitter
	}
	d := nominal * (1 + u)
	if d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}
