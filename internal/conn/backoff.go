package conn

import (
	"math"
	"time"
)

// Backoff computes reconnect delays as min(Initial * Multiplier^attempt, Max).
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff is 1s growing by 1.5x up to 30s.
var DefaultBackoff = Backoff{Initial: time.Second, Multiplier: 1.5, Max: 30 * time.Second}

// Delay returns the wait before reconnect attempt n (0-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if math.IsInf(d, 0) || d >= float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
