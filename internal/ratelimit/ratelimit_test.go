package ratelimit

import (
	"testing"
	"time"
)

func TestAllowExhaustsBudget(t *testing.T) {
	reg := NewRegistry(map[Class]int{ClassUnauth: 3})

	for i := 0; i < 3; i++ {
		d := reg.Allow(ClassUnauth, "ip:10.0.0.1")
		if !d.Allowed {
			t.Fatalf("call %d denied, want allowed", i+1)
		}
		if d.Limit != 3 {
			t.Errorf("limit = %d, want 3", d.Limit)
		}
	}

	d := reg.Allow(ClassUnauth, "ip:10.0.0.1")
	if d.Allowed {
		t.Fatal("fourth call allowed, want denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
	if !d.Reset.After(time.Now().Add(-time.Second)) {
		t.Errorf("Reset = %v, want in the future", d.Reset)
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	reg := NewRegistry(map[Class]int{ClassUnauth: 1, ClassFree: 1})

	if d := reg.Allow(ClassUnauth, "ip:10.0.0.1"); !d.Allowed {
		t.Fatal("first ip denied")
	}
	if d := reg.Allow(ClassUnauth, "ip:10.0.0.1"); d.Allowed {
		t.Fatal("exhausted ip still allowed")
	}
	// A different principal and a different class both start fresh.
	if d := reg.Allow(ClassUnauth, "ip:10.0.0.2"); !d.Allowed {
		t.Error("second ip shares the first ip's bucket")
	}
	if d := reg.Allow(ClassFree, "ip:10.0.0.1"); !d.Allowed {
		t.Error("free class shares the unauth bucket")
	}
}

func TestRemainingCountsDown(t *testing.T) {
	reg := NewRegistry(map[Class]int{ClassFree: 5})

	first := reg.Allow(ClassFree, "user:u1")
	second := reg.Allow(ClassFree, "user:u1")
	if first.Remaining != 4 || second.Remaining != 3 {
		t.Errorf("remaining = %d, %d; want 4, 3", first.Remaining, second.Remaining)
	}
}

func TestUnknownClassFallsBackToUnauthBudget(t *testing.T) {
	reg := NewRegistry(nil)
	d := reg.Allow(Class("mystery"), "user:u1")
	if !d.Allowed {
		t.Fatal("first call denied")
	}
	if d.Limit != DefaultLimits()[ClassUnauth] {
		t.Errorf("limit = %d, want unauth default %d", d.Limit, DefaultLimits()[ClassUnauth])
	}
}

func TestGCDropsIdleBuckets(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Allow(ClassFree, "user:u1")
	reg.Allow(ClassFree, "user:u2")

	if n := reg.GC(time.Hour); n != 0 {
		t.Errorf("GC dropped %d fresh buckets", n)
	}
	if n := reg.GC(0); n != 2 {
		t.Errorf("GC dropped %d buckets, want 2", n)
	}
	if reg.Len() != 0 {
		t.Errorf("Len = %d after GC, want 0", reg.Len())
	}
}

func TestResetAllStartsOver(t *testing.T) {
	reg := NewRegistry(map[Class]int{ClassExpensive: 1})
	reg.Allow(ClassExpensive, "user:u1")
	if d := reg.Allow(ClassExpensive, "user:u1"); d.Allowed {
		t.Fatal("budget not exhausted")
	}

	reg.ResetAll()
	if d := reg.Allow(ClassExpensive, "user:u1"); !d.Allowed {
		t.Error("denied after ResetAll")
	}
}
