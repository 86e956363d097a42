package dispatch

import (
	"math/rand"
	"time"

	"opspulse-backend/internal/config"
)

// jitterFraction spreads each retry step by ±20% so a burst of failures does
// not retry in lockstep. Kept under 1/3 so successive delays never shrink.
const jitterFraction = 0.2

// NextDelay returns the wait before the retry following the given completed
// attempt (1-based). The step doubles from the configured base and is capped
// at the configured maximum before jitter is applied.
func NextDelay(attempt int, cfg config.DispatchConfig, rng *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	step := cfg.BackoffBase()
	max := cfg.BackoffMax()
	for i := 1; i < attempt; i++ {
		step *= 2
		if step >= max {
			step = max
			break
		}
	}
	if step > max {
		step = max
	}
	jitter := time.Duration(float64(step) * jitterFraction)
	if jitter <= 0 {
		return step
	}
	return step - jitter + time.Duration(rng.Int63n(int64(2*jitter)+1))
}
