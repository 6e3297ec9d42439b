// Package ratelimit budgets the requests made to one homeserver. A token
// bucket smooths the request rate and a cooldown, set from the server's
// retry_after_ms, holds every caller back after M_LIMIT_EXCEEDED.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limiter is a token bucket with a server-imposed cooldown. It is safe for
// concurrent use. The cooldown applies even when the bucket is unlimited.
type Limiter struct {
	mu            sync.Mutex
	rate          float64 // tokens per second, 0 = unlimited
	burst         int
	tokens        float64
	refilledAt    time.Time
	cooldownUntil time.Time
	now           func() time.Time
}

// NewLimiter returns a bucket of burst tokens refilled at rate per second.
// A rate of 0 or less leaves requests unlimited.
func NewLimiter(rate float64, burst int) *Limiter {
	l := &Limiter{now: time.Now}
	l.configure(rate, burst)
	return l
}

// Update changes rate and burst, keeping the tokens already earned.
func (l *Limiter) Update(rate float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked(l.now())
	l.configure(rate, burst)
}

func (l *Limiter) configure(rate float64, burst int) {
	if rate < 0 {
		rate = 0
	}
	if burst < 1 {
		burst = 1
	}
	wasUnlimited := l.rate == 0
	l.rate = rate
	l.burst = burst
	if wasUnlimited || l.tokens > float64(burst) {
		l.tokens = float64(burst)
	}
	if l.refilledAt.IsZero() {
		l.refilledAt = l.now()
	}
}

// Wait blocks until a request may be made or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		d := l.reserve()
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// reserve takes a token and returns 0, or returns how long to wait before
// trying again.
func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Before(l.cooldownUntil) {
		return l.cooldownUntil.Sub(now)
	}
	if l.rate == 0 {
		return 0
	}

	l.refillLocked(now)
	if l.tokens >= 1 {
		l.tokens--
		return 0
	}
	wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (l *Limiter) refillLocked(now time.Time) {
	if l.rate > 0 {
		l.tokens += now.Sub(l.refilledAt).Seconds() * l.rate
		if l.tokens > float64(l.burst) {
			l.tokens = float64(l.burst)
		}
	}
	l.refilledAt = now
}

// Cooldown holds all requests back for at least d. A shorter cooldown than
// the current one is ignored.
func (l *Limiter) Cooldown(d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if until := l.now().Add(d); until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
}

// Stats is a point-in-time view of a Limiter.
type Stats struct {
	Rate              float64
	Burst             int
	AvailableTokens   float64
	CooldownRemaining time.Duration
}

// Stats returns the current budget without taking a token.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.refillLocked(now)
	var cooldown time.Duration
	if now.Before(l.cooldownUntil) {
		cooldown = l.cooldownUntil.Sub(now)
	}
	return Stats{
		Rate:              l.rate,
		Burst:             l.burst,
		AvailableTokens:   l.tokens,
		CooldownRemaining: cooldown,
	}
}

func (l *Limiter) String() string {
	s := l.Stats()
	if s.Rate == 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%.2f req/s, burst=%d", s.Rate, s.Burst)
}
