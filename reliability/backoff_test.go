package reliability

import (
	"testing"
	"time"
)

func TestBackoffGrowth(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Factor: 2.0, Jitter: 0, MaxAttempts: 5}
	if d := policy.Delay(0); d != time.Second {
		t.Fatalf("attempt 0 should wait the base delay, got %v", d)
	}
	if d := policy.Delay(1); d != 2*time.Second {
		t.Fatalf("attempt 1 should double, got %v", d)
	}
	if d := policy.Delay(3); d != 8*time.Second {
		t.Fatalf("attempt 3 should be base*8, got %v", d)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	policy := BackoffPolicy{Base: 4 * time.Second, Factor: 2.0, Jitter: 0.25, MaxAttempts: 5}
	for attempt := 0; attempt < 4; attempt++ {
		center := time.Duration(float64(policy.Base) * pow(policy.Factor, attempt))
		lo := time.Duration(float64(center) * 0.75)
		hi := time.Duration(float64(center) * 1.25)
		for i := 0; i < 200; i++ {
			d := policy.Delay(attempt)
			if d < lo || d > hi {
				t.Fatalf("attempt %d delay %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	policy := BackoffPolicy{Base: time.Second, Factor: 2.0, Jitter: 0, MaxAttempts: 5}
	if d := policy.Delay(-3); d != time.Second {
		t.Fatalf("negative attempts clamp to the base delay, got %v", d)
	}
}

func pow(f float64, n int) float64 {
	out := 1.0
	for i := 0; i < n; i++ {
		out *= f
	}
	return out
}
