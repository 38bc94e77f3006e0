package sync

import (
	"math/rand"
	"testing"
	"time"
)

// TestBackoffGrowth tests the documented base delays: 1s, 2s, 4s for retry
// counts 0, 1, 2.
func TestBackoffGrowth(t *testing.T) {
	cases := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
	}

	for _, tc := range cases {
		if got := baseBackoff(tc.retryCount); got != tc.want {
			t.Errorf("baseBackoff(%d) = %v, want %v", tc.retryCount, got, tc.want)
		}
	}
}

// TestBackoffCap tests that large retry counts are capped at 60s.
func TestBackoffCap(t *testing.T) {
	for _, retryCount := range []int{6, 10, 63, 1000} {
		if got := baseBackoff(retryCount); got != MaxDelay {
			t.Errorf("baseBackoff(%d) = %v, want capped %v", retryCount, got, MaxDelay)
		}
	}
}

// TestBackoffJitterBounds tests that jitter stays within [0, 1s).
func TestBackoffJitterBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 1000; i++ {
		delay := backoffDelay(2, rng)
		jitter := delay - 4*time.Second
		if jitter < 0 || jitter >= time.Second {
			t.Fatalf("Jitter out of bounds: %v", jitter)
		}
	}
}
