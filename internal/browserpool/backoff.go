package browserpool

import (
	"context"
	"math/rand/v2"
	"time"
)

const (
	maxReconnectDelay = 30 * time.Second
	maxJitter         = time.Second
)

// ReconnectDelay is min(base*2^(attempt-1), 30s) for attempt >= 1.
func ReconnectDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt && d < maxReconnectDelay; i++ {
		d *= 2
	}
	return min(d, maxReconnectDelay)
}

func randomJitter() time.Duration {
	return rand.N(maxJitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
