package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

func testRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(core.RetryConfig{
		MaxRetries: 3,
		BaseDelay:  200 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
	})
}

func TestBaseDelayDoubles(t *testing.T) {
	p := testRetryPolicy()

	want := []time.Duration{
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
	}
	for attempt, expected := range want {
		if got := p.BaseDelayForAttempt(attempt); got != expected {
			t.Errorf("attempt %d: delay = %v, want %v", attempt, got, expected)
		}
	}
}

func TestBaseDelayCapsAtMaxBackoff(t *testing.T) {
	p := testRetryPolicy()

	for _, attempt := range []int{6, 10, 40, 1000} {
		if got := p.BaseDelayForAttempt(attempt); got != 10*time.Second {
			t.Errorf("attempt %d: delay = %v, want cap of 10s", attempt, got)
		}
	}
}

func TestBaseDelayNonDecreasing(t *testing.T) {
	p := testRetryPolicy()
	prev := time.Duration(0)
	for attempt := 0; attempt < 50; attempt++ {
		d := p.BaseDelayForAttempt(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestJitterBounds(t *testing.T) {
	p := testRetryPolicy()

	// At the extremes of the random source, jitter is 10% and 30% of the
	// attempt's base delay.
	p.SetRandFloat(func() float64 { return 0 })
	if got, want := p.DelayForAttempt(0), 220*time.Millisecond; got != want {
		t.Errorf("min jitter delay = %v, want %v", got, want)
	}

	p.SetRandFloat(func() float64 { return 0.9999999 })
	got := p.DelayForAttempt(0)
	if got < 259*time.Millisecond || got > 260*time.Millisecond {
		t.Errorf("max jitter delay = %v, want just under 260ms", got)
	}
}

func TestJitterScalesWithAttempt(t *testing.T) {
	p := testRetryPolicy()
	p.SetRandFloat(func() float64 { return 0.5 })

	// 20% jitter on each attempt's base.
	if got, want := p.DelayForAttempt(1), 480*time.Millisecond; got != want {
		t.Errorf("attempt 1 delay = %v, want %v", got, want)
	}
	if got, want := p.DelayForAttempt(2), 960*time.Millisecond; got != want {
		t.Errorf("attempt 2 delay = %v, want %v", got, want)
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	p := testRetryPolicy()
	p.SetRandFloat(func() float64 { return 0 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := p.Wait(ctx, 5)
	if err == nil {
		t.Fatal("expected context error")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Wait blocked %v after cancellation", elapsed)
	}
}
