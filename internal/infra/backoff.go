package infra

import (
	"math"
	"time"
)

const (
	// BaseDelay is the first retry delay.
	BaseDelay = 1 * time.Second
	// MaxDelay caps the retry delay.
	MaxDelay = 60 * time.Second
)

// CalculateBackoff returns the delay before retry number retryCount
// (0-based): 1s, 2s, 4s, ... capped at MaxDelay.
func CalculateBackoff(retryCount int) time.Duration {
	// Cap retry count to prevent overflow (2^6 = 64 seconds > max 60s)
	if retryCount > 6 {
		return MaxDelay
	}
	if retryCount < 0 {
		retryCount = 0
	}
	delay := BaseDelay * time.Duration(math.Pow(2, float64(retryCount)))
	if delay > MaxDelay {
		delay = MaxDelay
	}
	return delay
}
