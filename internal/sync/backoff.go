package sync

import (
	"math/rand"
	"time"
)

const (
	// BaseDelay is the first retry delay.
	BaseDelay = time.Second
	// MaxDelay caps the exponential growth.
	MaxDelay = 60 * time.Second
	// maxJitter is added on top of the capped delay to avoid synchronized
	// retry storms across multiple client instances.
	maxJitter = time.Second
)

// baseBackoff computes the deterministic part of the retry delay:
// min(BaseDelay * 2^retryCount, MaxDelay).
func baseBackoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^26s already exceeds the cap; avoid shift overflow for large counts.
	if retryCount > 26 {
		return MaxDelay
	}
	delay := BaseDelay << uint(retryCount)
	if delay > MaxDelay {
		return MaxDelay
	}
	return delay
}

// backoffDelay returns the full retry delay including jitter in
// [0, maxJitter).
func backoffDelay(retryCount int, rng *rand.Rand) time.Duration {
	return baseBackoff(retryCount) + time.Duration(rng.Int63n(int64(maxJitter)))
}
