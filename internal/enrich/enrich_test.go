package enrich

import (
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	base := 30 * time.Second
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{10, time.Hour},
		{100, time.Hour},
	}
	for _, tc := range cases {
		if got := retryDelay(tc.attempts, base); got != tc.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestIdentityKeyFoldsCaseAndSpace(t *testing.T) {
	if identityKey("Person", " Alice Chen ") != identityKey("person", "alice chen") {
		t.Error("expected identity keys to match across case and padding")
	}
	if identityKey("person", "alice") == identityKey("place", "alice") {
		t.Error("expected type to distinguish identity keys")
	}
}

func TestQueueWakeNeverBlocks(t *testing.T) {
	q := NewQueue(nil)
	for i := 0; i < notifyDepth*2; i++ {
		q.Wake()
	}
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected at least one pending wakeup")
	}
}
