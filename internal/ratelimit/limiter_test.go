package ratelimit

import (
	"testing"
	"time"
)

func fixedClock(start time.Time) (func() time.Time, func(time.Duration)) {
	now := start
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestCooldownRejectsBackToBack(t *testing.T) {
	l := New(Limits{MaxCallsPerMin: 60, Cooldown: time.Second})
	clock, advance := fixedClock(time.Unix(1000, 0))
	l.SetClock(clock)

	if err := l.Allow("devit.tool_list"); err != nil {
		t.Fatalf("first Allow() error = %v", err)
	}

	advance(100 * time.Millisecond)
	err := l.Allow("devit.tool_list")
	rerr, ok := err.(*Err)
	if !ok {
		t.Fatalf("second Allow() error = %v, want *Err", err)
	}
	if rerr.Reason != "cooldown" {
		t.Fatalf("reason = %q, want cooldown", rerr.Reason)
	}
	if rerr.RetryAfterMS <= 0 || rerr.RetryAfterMS > 1000 {
		t.Fatalf("retry_after_ms = %d, want (0, 1000]", rerr.RetryAfterMS)
	}

	advance(time.Second)
	if err := l.Allow("devit.tool_list"); err != nil {
		t.Fatalf("Allow() after cooldown error = %v", err)
	}
}

func TestSlidingWindowLimit(t *testing.T) {
	l := New(Limits{MaxCallsPerMin: 3})
	clock, advance := fixedClock(time.Unix(1000, 0))
	l.SetClock(clock)

	for i := 0; i < 3; i++ {
		if err := l.Allow("echo"); err != nil {
			t.Fatalf("Allow() #%d error = %v", i+1, err)
		}
		advance(time.Second)
	}

	err := l.Allow("echo")
	rerr, ok := err.(*Err)
	if !ok || rerr.Reason != "too_many_calls" {
		t.Fatalf("Allow() over limit = %v, want too_many_calls", err)
	}
	if rerr.Limit != 3 || rerr.WindowS != 60 {
		t.Fatalf("limit/window = %d/%d", rerr.Limit, rerr.WindowS)
	}

	// Window slides: once the first call ages out, capacity returns.
	advance(58 * time.Second)
	if err := l.Allow("echo"); err != nil {
		t.Fatalf("Allow() after window slide error = %v", err)
	}
}

func TestWindowIsPerTool(t *testing.T) {
	l := New(Limits{MaxCallsPerMin: 1})
	clock, _ := fixedClock(time.Unix(1000, 0))
	l.SetClock(clock)

	if err := l.Allow("echo"); err != nil {
		t.Fatalf("Allow(echo) error = %v", err)
	}
	if err := l.Allow("devit.tool_list"); err != nil {
		t.Fatalf("Allow(tool_list) error = %v", err)
	}
	if err := l.Allow("echo"); err == nil {
		t.Fatal("Allow(echo) second call passed")
	}
}

func TestStatsAndReset(t *testing.T) {
	l := New(Limits{MaxCallsPerMin: 1})
	clock, _ := fixedClock(time.Unix(1000, 0))
	l.SetClock(clock)

	_ = l.Allow("echo")
	_ = l.Allow("echo")

	stats := l.Stats()
	if len(stats) != 1 {
		t.Fatalf("Stats() length = %d, want 1", len(stats))
	}
	if stats[0].Accepted != 1 || stats[0].Rejected != 1 {
		t.Fatalf("stats = %+v", stats[0])
	}

	l.Reset()
	if len(l.Stats()) != 0 {
		t.Fatal("Stats() after Reset() not empty")
	}
	if err := l.Allow("echo"); err != nil {
		t.Fatalf("Allow() after Reset() error = %v", err)
	}
}
