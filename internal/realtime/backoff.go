package realtime

import "time"

// Backoff decides how long to wait before reconnect attempt n (n >= 1).
//
// The zero Multiplier keeps the delay fixed. MaxAttempts of 0 retries
// forever.
type Backoff struct {
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
}

// FixedBackoff retries forever with the same delay.
func FixedBackoff(d time.Duration) Backoff {
	return Backoff{Delay: d}
}

// Next returns the delay before attempt n, or false when attempts are
// exhausted.
func (b Backoff) Next(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}

	delay := b.Delay
	if b.Multiplier > 1 {
		for i := 1; i < attempt; i++ {
			delay = time.Duration(float64(delay) * b.Multiplier)
			if b.MaxDelay > 0 && delay >= b.MaxDelay {
				delay = b.MaxDelay
				break
			}
		}
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	return delay, true
}
