package client

import (
	"math/rand"
	"time"
)

const (
	backoffFactor = 2.0

	// jitterFraction adds up to ±20% random jitter to each backoff interval
	// to prevent thundering herd when many clients reconnect simultaneously.
	jitterFraction = 0.2
)

// nextBackoff returns the next backoff duration, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > max {
		return max
	}
	return next
}

// jitter adds a random ±jitterFraction perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
