package wsproto

import (
	"time"

	"livebus/internal/domain"
)

const (
	DefaultRateLimitBurst = 10
	DefaultRateLimitDelay = 200 * time.Millisecond
)

// RateLimiter admits inbound frames while their sustained rate stays below
// 1/delay, allowing bursts of up to burst frames. It keeps the timestamps of
// the last burst admissions in a ring.
type RateLimiter struct {
	burst int
	delay time.Duration
	now   func() time.Time

	window []time.Time
	next   int
	count  int
}

// NewRateLimiter returns a limiter; burst <= 0 disables limiting.
func NewRateLimiter(burst int, delay time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	l := &RateLimiter{burst: burst, delay: delay, now: now}
	if burst > 0 {
		l.window = make([]time.Time, burst)
	}
	return l
}

// Admit records one frame or fails with domain.ErrRateLimit when the window
// is full and its oldest entry is younger than burst*delay.
func (l *RateLimiter) Admit() error {
	if l.burst <= 0 {
		return nil
	}
	t := l.now()
	if l.count == l.burst {
		oldest := l.window[l.next]
		if t.Sub(oldest) < time.Duration(l.burst)*l.delay {
			return domain.ErrRateLimit
		}
	}
	l.window[l.next] = t
	l.next = (l.next + 1) % l.burst
	if l.count < l.burst {
		l.count++
	}
	return nil
}
