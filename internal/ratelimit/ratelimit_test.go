package ratelimit

import (
	"errors"
	"testing"
	"time"
)

func TestAllowConsumesBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		if err := l.Allow("client-a"); err != nil {
			t.Fatalf("Allow #%d error = %v", i, err)
		}
	}
	if err := l.Allow("client-a"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("expected ErrRateLimited, got %v", err)
	}
}

func TestClientsHaveIndependentBuckets(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})

	if err := l.Allow("client-a"); err != nil {
		t.Fatalf("Allow(client-a) error = %v", err)
	}
	if err := l.Allow("client-a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("client-a should be exhausted, got %v", err)
	}
	if err := l.Allow("client-b"); err != nil {
		t.Errorf("client-b should have its own bucket, got %v", err)
	}
}

func TestTokensRefillOverTime(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	clock := time.Now()
	l.now = func() time.Time { return clock }

	if err := l.Allow("client-a"); err != nil {
		t.Fatalf("Allow error = %v", err)
	}
	if err := l.Allow("client-a"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	// One token per second at 60 rpm.
	clock = clock.Add(time.Second)
	if err := l.Allow("client-a"); err != nil {
		t.Errorf("expected refill after 1s, got %v", err)
	}
}

func TestUnlimitedMode(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if err := l.Allow("anyone"); err != nil {
			t.Fatalf("unlimited Allow error = %v", err)
		}
	}
}
