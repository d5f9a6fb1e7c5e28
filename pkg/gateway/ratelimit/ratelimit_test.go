package ratelimit

import (
	"strings"
	"testing"
	"time"
)

func TestAllow_BurstThenRefill(t *testing.T) {
	l := New(Config{PerMinute: 60, Burst: 2})
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		if d := l.Allow("ip_1", now); !d.Allowed {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	d := l.Allow("ip_1", now)
	if d.Allowed {
		t.Fatalf("third request should be denied")
	}
	if d.RetryAfter != 1 {
		t.Fatalf("RetryAfter=%d, want 1", d.RetryAfter)
	}

	if d := l.Allow("ip_2", now); !d.Allowed {
		t.Fatalf("other keys have their own bucket")
	}
	if d := l.Allow("ip_1", now.Add(time.Second)); !d.Allowed {
		t.Fatalf("token should refill after 1s at 60/min")
	}
}

func TestAllow_SlowRateRetryAfter(t *testing.T) {
	l := New(Config{PerMinute: 2, Burst: 1})
	now := time.Unix(1_700_000_000, 0)
	l.Allow("dev_a", now)
	d := l.Allow("dev_a", now)
	if d.Allowed || d.RetryAfter != 30 {
		t.Fatalf("decision=%+v, want denied with RetryAfter=30", d)
	}
}

func TestAllow_DisabledAndNil(t *testing.T) {
	l := New(Config{})
	now := time.Now()
	for i := 0; i < 100; i++ {
		if !l.Allow("k", now).Allowed {
			t.Fatalf("disabled limiter denied request %d", i)
		}
	}
	var nilLimiter *Limiter
	if !nilLimiter.Allow("k", now).Allowed {
		t.Fatalf("nil limiter must allow")
	}
}

func TestAcquireStream_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxConcurrentStreams: 1})
	now := time.Now()

	first := l.AcquireStream("dev_1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}

	second := l.AcquireStream("dev_1", now)
	if second.Allowed {
		t.Fatalf("second should be denied")
	}

	first.Permit.Release()
	first.Permit.Release()
	third := l.AcquireStream("dev_1", now)
	if !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestGC_KeepsKeysWithOpenStreams(t *testing.T) {
	l := New(Config{MaxConcurrentStreams: 1, MaxEntries: 2, EntryTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)

	held := l.AcquireStream("dev_held", now)
	l.Allow("ip_old", now)
	later := now.Add(2 * time.Minute)
	l.Allow("ip_new", later)

	if l.Len() != 2 {
		t.Fatalf("Len=%d, want 2", l.Len())
	}
	if again := l.AcquireStream("dev_held", later); again.Allowed {
		t.Fatalf("open stream slot was lost to GC")
	}
	held.Permit.Release()
}

func TestKeys(t *testing.T) {
	k := KeyFromSecret("ops-key")
	if !strings.HasPrefix(k, "k_") || len(k) != 34 || strings.Contains(k, "ops-key") {
		t.Fatalf("KeyFromSecret=%q", k)
	}
	if KeyFromIP("10.0.0.1") == KeyFromDevice("10.0.0.1") {
		t.Fatalf("ip and device keys must not collide")
	}
}
