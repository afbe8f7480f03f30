package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestDefaultPolicy verifies the baseline default values.
func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.Mode != ModeFixed {
		t.Fatalf("expected fixed default mode got %s", p.Mode)
	}
	if p.Initial != time.Second {
		t.Fatalf("expected initial 1s got %v", p.Initial)
	}
	if p.MaxAttempts != 30 {
		t.Fatalf("expected 30 attempts got %d", p.MaxAttempts)
	}
}

// TestNewPolicyOverrides checks override precedence and clamping when initial > max.
func TestNewPolicyOverrides(t *testing.T) {
	p := NewPolicy(ModeLinear, 5*time.Second, 2*time.Second, 5)
	if p.Initial != 2*time.Second {
		t.Fatalf("expected clamped initial 2s got %v", p.Initial)
	}
	if p.Mode != ModeLinear {
		t.Fatalf("expected linear mode got %s", p.Mode)
	}
	if p.MaxAttempts != 5 {
		t.Fatalf("expected 5 attempts got %d", p.MaxAttempts)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

// TestDelayModes ensures fixed, linear, exponential behave and respect cap.
func TestDelayModes(t *testing.T) {
	fixed := Fixed(100*time.Millisecond, 3)
	for i := 1; i <= 3; i++ {
		if d := fixed.Delay(i); d != 100*time.Millisecond {
			t.Fatalf("fixed attempt %d expected 100ms got %v", i, d)
		}
	}

	linear := NewPolicy(ModeLinear, 100*time.Millisecond, 250*time.Millisecond, 5)
	cases := []struct {
		attempt int
		want    time.Duration
	}{{1, 100 * time.Millisecond}, {2, 200 * time.Millisecond}, {3, 250 * time.Millisecond}}
	for _, c := range cases {
		if got := linear.Delay(c.attempt); got != c.want {
			t.Fatalf("linear attempt %d expected %v got %v", c.attempt, c.want, got)
		}
	}

	exp := NewPolicy(ModeExponential, 50*time.Millisecond, 160*time.Millisecond, 5)
	if got := exp.Delay(3); got != 160*time.Millisecond {
		t.Fatalf("exp attempt 3 expected cap 160ms got %v", got)
	}
	if got := exp.Delay(0); got != 0 {
		t.Fatalf("attempt 0 expected 0 got %v", got)
	}
}

func TestPollSucceedsAfterRetries(t *testing.T) {
	p := Fixed(time.Millisecond, 5)
	attempts, err := p.Poll(context.Background(), func(_ context.Context, attempt int) (bool, error) {
		return attempt == 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts got %d", attempts)
	}
}

func TestPollExhausts(t *testing.T) {
	p := Fixed(time.Millisecond, 4)
	calls := 0
	attempts, err := p.Poll(context.Background(), func(context.Context, int) (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("expected ErrExhausted got %v", err)
	}
	if attempts != 4 || calls != 4 {
		t.Fatalf("expected 4 attempts got %d (calls %d)", attempts, calls)
	}
}

func TestPollAbortsOnProbeError(t *testing.T) {
	boom := errors.New("process exited")
	p := Fixed(time.Millisecond, 10)
	attempts, err := p.Poll(context.Background(), func(_ context.Context, attempt int) (bool, error) {
		if attempt == 2 {
			return false, boom
		}
		return false, nil
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected probe error got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts got %d", attempts)
	}
}

func TestPollHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Fixed(time.Hour, 3)
	_, err := p.Poll(ctx, func(context.Context, int) (bool, error) { return false, nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
}
