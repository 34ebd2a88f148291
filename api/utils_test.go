package api

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestNextTimestampStrictlyIncreases(t *testing.T) {
	t.Cleanup(func() {
		atomic.StoreInt64(&lastTimestamp, 0)
	})
	atomic.StoreInt64(&lastTimestamp, 0)

	prev := nextTimestamp()
	for i := 0; i < 1000; i++ {
		next := nextTimestamp()
		if next <= prev {
			t.Fatalf("timestamps must strictly increase: %d then %d", prev, next)
		}
		prev = next
	}
}

func TestNextTimestampAdvancesPastLast(t *testing.T) {
	t.Cleanup(func() {
		atomic.StoreInt64(&lastTimestamp, 0)
	})

	base := time.Now().Add(time.Second).UnixNano()
	atomic.StoreInt64(&lastTimestamp, base)

	if got := nextTimestamp(); got != base+1 {
		t.Fatalf("expected %d, got %d", base+1, got)
	}
}

func TestEnvHelpersFallBackOnBadValues(t *testing.T) {
	t.Setenv("TEST_ENV_INT", "not-a-number")
	if got := envInt("TEST_ENV_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
	t.Setenv("TEST_ENV_INT", "12")
	if got := envInt("TEST_ENV_INT", 7); got != 12 {
		t.Fatalf("expected 12, got %d", got)
	}

	t.Setenv("TEST_ENV_DUR", "banana")
	if got := envDur("TEST_ENV_DUR", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback 1m, got %v", got)
	}
	t.Setenv("TEST_ENV_DUR", "250ms")
	if got := envDur("TEST_ENV_DUR", time.Minute); got != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v", got)
	}
}
