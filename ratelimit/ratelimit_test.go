package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter() (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := NewWithConfig(Config{
		Penalty: 2 * time.Second,
		Burst:   10 * time.Second,
		Now:     clock.Now,
	})
	return l, clock
}

func TestLimiter_BurstThenDrop(t *testing.T) {
	limiter, _ := newTestLimiter()

	// 10s of burst at 2s per line allows 5 lines back to back.
	for i := 0; i < 5; i++ {
		if v := limiter.Charge("s1"); v != Allow {
			t.Fatalf("line %d: verdict %v, want allow", i+1, v)
		}
	}
	if v := limiter.Charge("s1"); v != Drop {
		t.Errorf("line 6: verdict %v, want drop", v)
	}
}

func TestLimiter_SustainedFloodDisconnects(t *testing.T) {
	limiter, _ := newTestLimiter()

	// 5 allowed, then MaxDrops (2 * 10s / 2s = 10) dropped.
	for i := 0; i < 15; i++ {
		if v := limiter.Charge("s1"); v == Disconnect {
			t.Fatalf("line %d disconnected", i+1)
		}
	}
	if v := limiter.Charge("s1"); v != Disconnect {
		t.Errorf("verdict after 16 lines = %v, want disconnect", v)
	}
}

func TestLimiter_DropsDoNotAdvanceTimer(t *testing.T) {
	limiter, clock := newTestLimiter()

	for i := 0; i < 8; i++ {
		limiter.Charge("s1")
	}
	if got := limiter.Backlog("s1"); got != 10*time.Second {
		t.Errorf("backlog = %s after 3 drops, want 10s", got)
	}

	// One penalty later a line fits again.
	clock.Advance(2 * time.Second)
	if v := limiter.Charge("s1"); v != Allow {
		t.Errorf("verdict after one penalty = %v, want allow", v)
	}
}

func TestLimiter_AllowResetsDrops(t *testing.T) {
	limiter, clock := newTestLimiter()

	for i := 0; i < 15; i++ {
		limiter.Charge("s1")
	}
	clock.Advance(2 * time.Second)
	if v := limiter.Charge("s1"); v != Allow {
		t.Fatalf("verdict after waiting = %v, want allow", v)
	}
	for i := 0; i < 10; i++ {
		if v := limiter.Charge("s1"); v != Drop {
			t.Fatalf("drop %d: verdict %v, want drop", i+1, v)
		}
	}
	if v := limiter.Charge("s1"); v != Disconnect {
		t.Errorf("verdict = %v, want disconnect", v)
	}
}

func TestLimiter_MaxDrops(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	limiter := NewWithConfig(Config{
		Penalty:  2 * time.Second,
		Burst:    2 * time.Second,
		MaxDrops: 1,
		Now:      clock.Now,
	})

	want := []Verdict{Allow, Drop, Disconnect}
	for i, w := range want {
		if v := limiter.Charge("s1"); v != w {
			t.Errorf("line %d: verdict %v, want %v", i+1, v, w)
		}
	}
}

func TestLimiter_RecoversOverTime(t *testing.T) {
	limiter, clock := newTestLimiter()

	for i := 0; i < 6; i++ {
		limiter.Charge("s1")
	}
	if limiter.Backlog("s1") != 10*time.Second {
		t.Errorf("backlog = %s, want 10s", limiter.Backlog("s1"))
	}

	clock.Advance(4 * time.Second)
	if v := limiter.Charge("s1"); v != Allow {
		t.Errorf("verdict after waiting = %v, want allow", v)
	}

	clock.Advance(time.Minute)
	if limiter.Backlog("s1") != 0 {
		t.Errorf("backlog after idle = %s, want 0", limiter.Backlog("s1"))
	}
}

func TestLimiter_SteadyRateNeverDrops(t *testing.T) {
	limiter, clock := newTestLimiter()

	for i := 0; i < 100; i++ {
		if v := limiter.Charge("s1"); v != Allow {
			t.Fatalf("line %d: verdict %v at steady rate", i, v)
		}
		clock.Advance(2 * time.Second)
	}
}

func TestLimiter_MultipleKeys(t *testing.T) {
	limiter, _ := newTestLimiter()

	for i := 0; i < 6; i++ {
		limiter.Charge("s1")
	}
	if v := limiter.Charge("s2"); v != Allow {
		t.Errorf("independent key verdict = %v, want allow", v)
	}
}

func TestLimiter_Forget(t *testing.T) {
	limiter, _ := newTestLimiter()

	for i := 0; i < 6; i++ {
		limiter.Charge("s1")
	}
	limiter.Forget("s1")

	if limiter.Len() != 0 {
		t.Errorf("Len() = %d after Forget", limiter.Len())
	}
	if v := limiter.Charge("s1"); v != Allow {
		t.Errorf("verdict after Forget = %v, want allow", v)
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	limiter, clock := newTestLimiter()

	limiter.Charge("idle")
	clock.Advance(2 * time.Minute)
	limiter.Charge("active")

	if limiter.Len() != 1 {
		t.Errorf("Len() = %d, want idle key cleaned up", limiter.Len())
	}
}

func TestLimiter_Defaults(t *testing.T) {
	limiter := New(0, 0)
	if limiter.penalty != 2*time.Second || limiter.burst != 10*time.Second || limiter.maxDrops != 10 {
		t.Errorf("defaults = %s/%s/%d", limiter.penalty, limiter.burst, limiter.maxDrops)
	}
}
