package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode selects how the delay between attempts grows.
type Mode string

const (
	ModeFixed       Mode = "fixed"
	ModeLinear      Mode = "linear"
	ModeExponential Mode = "exponential"
)

// ErrExhausted is returned by Poll when every attempt ran without success.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy encapsulates attempt count and backoff settings.
// It is immutable after construction.
type Policy struct {
	Mode        Mode          // fixed|linear|exponential
	Initial     time.Duration // base delay
	Max         time.Duration // cap for growth
	MaxAttempts int           // total attempts including the first
}

// DefaultPolicy returns the readiness default: 30 attempts, one second apart.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeFixed, Initial: time.Second, Max: time.Second, MaxAttempts: 30}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall back to defaults.
func NewPolicy(mode Mode, initial, maxDuration time.Duration, maxAttempts int) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDuration > 0 {
		p.Max = maxDuration
	} else if p.Max < p.Initial {
		p.Max = p.Initial
	}
	switch mode {
	case ModeFixed, ModeLinear, ModeExponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// Fixed returns a fixed-interval policy.
func Fixed(interval time.Duration, attempts int) Policy {
	return NewPolicy(ModeFixed, interval, interval, attempts)
}

// Delay returns the wait after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	switch p.Mode {
	case ModeFixed:
		return p.Initial
	case ModeExponential:
		if attempt > 30 {
			return p.Max
		}
		d := p.Initial * (1 << (attempt - 1))
		if d > p.Max || d <= 0 {
			return p.Max
		}
		return d
	default: // linear
		d := time.Duration(attempt) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	}
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Initial <= 0 {
		return fmt.Errorf("initial must be >0")
	}
	if p.Max <= 0 {
		return fmt.Errorf("max must be >0")
	}
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be >0")
	}
	return nil
}

// ProbeFunc performs one attempt. It reports done when the condition holds;
// a non-nil error aborts polling immediately.
type ProbeFunc func(ctx context.Context, attempt int) (done bool, err error)

// Poll runs probe until it is done, it fails, ctx ends, or attempts run out.
// It returns the number of attempts made.
func (p Policy) Poll(ctx context.Context, probe ProbeFunc) (int, error) {
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		done, err := probe(ctx, attempt)
		if err != nil {
			return attempt, err
		}
		if done {
			return attempt, nil
		}
		if attempt == p.MaxAttempts {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
	return p.MaxAttempts, ErrExhausted
}
