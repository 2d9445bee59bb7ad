package resilience

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nestymook/mbti-travel-assistant-v2-sub005/core"
)

// RetryPolicy computes backoff delays for transient failures.
// Delay for attempt n is min(base·2^n, max) plus 10–30% jitter.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxBackoff time.Duration

	// randFloat returns a value in [0,1); injectable for deterministic
	// tests. Defaults to a locked rand source.
	randFloat func() float64
}

// NewRetryPolicy builds a policy from configuration.
func NewRetryPolicy(cfg core.RetryConfig) *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.BaseDelay,
		MaxBackoff: cfg.MaxBackoff,
	}
}

var (
	jitterMu   sync.Mutex
	jitterRand = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func defaultRandFloat() float64 {
	jitterMu.Lock()
	defer jitterMu.Unlock()
	return jitterRand.Float64()
}

// SetRandFloat injects the jitter source, for tests.
func (p *RetryPolicy) SetRandFloat(fn func() float64) {
	p.randFloat = fn
}

// BaseDelayForAttempt returns the pre-jitter delay for the given attempt
// (0-based): min(base·2^attempt, max). The sequence is non-decreasing.
func (p *RetryPolicy) BaseDelayForAttempt(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Cap the shift so the multiplication cannot overflow.
	shift := attempt
	if shift > 30 {
		shift = 30
	}
	delay := p.BaseDelay * time.Duration(1<<uint(shift))
	if delay > p.MaxBackoff || delay <= 0 {
		delay = p.MaxBackoff
	}
	return delay
}

// DelayForAttempt returns the jittered delay for the given attempt:
// base plus a random 10–30% of base.
func (p *RetryPolicy) DelayForAttempt(attempt int) time.Duration {
	base := p.BaseDelayForAttempt(attempt)
	rnd := p.randFloat
	if rnd == nil {
		rnd = defaultRandFloat
	}
	jitter := time.Duration(float64(base) * (0.1 + 0.2*rnd()))
	return base + jitter
}

// Wait sleeps for the attempt's jittered delay, returning early if the
// context is cancelled.
func (p *RetryPolicy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.DelayForAttempt(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
