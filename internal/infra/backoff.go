package infra

import (
	"math/rand"
	"time"
)

// CalculateBackoff returns an exponential delay for the given retry count
// with up to 20% jitter, capped at max. retry 0 returns base.
func CalculateBackoff(retry int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}

	delay := base
	for i := 0; i < retry && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}

	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay + jitter
}
