package reliability

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy is the single retry policy applied to every
// unacknowledged request: bounded exponential growth with jitter.
type BackoffPolicy struct {
	Base        time.Duration
	Factor      float64
	Jitter      float64 // fraction of the delay, applied as +/- jitter
	MaxAttempts int
}

// DefaultBackoff is sized for links running at hundreds of bits per
// second.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:        2 * time.Second,
		Factor:      2.0,
		Jitter:      0.25,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before retrying after the given zero-based
// attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt))
	if p.Jitter > 0 {
		span := d * p.Jitter
		d += (rand.Float64()*2 - 1) * span
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
