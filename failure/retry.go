package failure

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of transient failures with exponential backoff.
type RetryPolicy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	// Jitter in [0,1] scales a random reduction of each delay.
	Jitter float64
}

// DefaultRetryPolicy returns 5 attempts starting at 1s, doubling, capped at 1m.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Initial:     time.Second,
		Max:         time.Minute,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Decision is what to do after a failed attempt.
type Decision struct {
	Class Class
	Retry bool
	Delay time.Duration
}

// Decide classifies err after attempt (1-based) and, for transient failures
// under the cap, returns the delay before the next attempt. maxAttempts
// overrides the policy cap when positive.
func (p RetryPolicy) Decide(err error, attempt, maxAttempts int) Decision {
	class := Classify(err)
	d := Decision{Class: class}
	if class != ClassTransient && class != ClassLeaseExpired {
		return d
	}
	limit := p.MaxAttempts
	if maxAttempts > 0 {
		limit = maxAttempts
	}
	if attempt >= limit {
		return d
	}
	d.Retry = true
	d.Delay = p.Delay(attempt)
	return d
}

// Delay returns the backoff before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.Initial) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	if p.Jitter > 0 {
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		d -= d * j * rand.Float64() //nolint:gosec
	}
	if d < float64(time.Millisecond) {
		d = float64(time.Millisecond)
	}
	return time.Duration(d)
}
