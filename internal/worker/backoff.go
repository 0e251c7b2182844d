package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before the next lookup attempt.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter in [0, 1] stretches each delay by up to that fraction. Values
	// above 1 are clamped so delays never shrink between attempts.
	Jitter float64

	rand func() float64
}

// Delay returns min(Max, Base * 2^(attempt-1) * (1 + U*Jitter)), U uniform in [0, 1).
// attempt is the number of attempts already made, starting at 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	jitter := min(max(b.Jitter, 0), 1)
	u := rand.Float64
	if b.rand != nil {
		u = b.rand
	}

	d := float64(b.Base) * math.Pow(2, float64(attempt-1)) * (1 + u()*jitter)
	if b.Max > 0 && d >= float64(b.Max) {
		return b.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
