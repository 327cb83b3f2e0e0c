package syncqueue

import (
	"math"
	"time"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 5 * time.Minute
)

// backoffDelay returns the wait before the given retry attempt. The delay
// doubles per attempt starting from base and never exceeds cap. Attempt 1 is
// the first retry.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 1 {
		return base
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > cap || delay <= 0 {
		return cap
	}
	return delay
}
