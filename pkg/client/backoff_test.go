package client

import (
	"testing"
	"time"
)

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	max := 30 * time.Second

	d := time.Second
	var seen []time.Duration
	for i := 0; i < 8; i++ {
		seen = append(seen, d)
		d = nextBackoff(d, max)
	}

	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("backoff decreased: %v", seen)
		}
	}
	if seen[1] != 2*time.Second || seen[2] != 4*time.Second {
		t.Errorf("early intervals = %v, want doubling from 1s", seen[:3])
	}
	if seen[len(seen)-1] != max {
		t.Errorf("final interval = %v, want capped at %v", seen[len(seen)-1], max)
	}
	if next := nextBackoff(max, max); next != max {
		t.Errorf("nextBackoff at cap = %v, want %v", next, max)
	}
}

func TestJitterStaysInBounds(t *testing.T) {
	base := 10 * time.Second
	lo := time.Duration(float64(base) * (1 - jitterFraction))
	hi := time.Duration(float64(base) * (1 + jitterFraction))

	for i := 0; i < 100; i++ {
		got := jitter(base)
		if got < lo || got > hi {
			t.Fatalf("jitter(%v) = %v, outside [%v, %v]", base, got, lo, hi)
		}
	}
}
