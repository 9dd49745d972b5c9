package ratelimit

import (
	"sort"
	"time"
)

const window = 60 * time.Second

// Limits configure the limiter.
type Limits struct {
	MaxCallsPerMin int
	Cooldown       time.Duration
}

// Err is a structured rejection carrying the fields the wire error needs.
type Err struct {
	Reason       string // "too_many_calls" or "cooldown"
	Limit        int
	WindowS      int
	RetryAfterMS int64
}

func (e *Err) Error() string { return "rate limited: " + e.Reason }

// Limiter tracks a per-tool sliding 60 s window plus one global
// next-allowed time for the inter-call cooldown. Only the serve loop
// touches it, so there is no locking.
type Limiter struct {
	limits   Limits
	perKey   map[string][]time.Time
	lastCall time.Time
	accepted map[string]int
	rejected map[string]int
	now      func() time.Time
}

// New builds a limiter.
func New(limits Limits) *Limiter {
	return &Limiter{
		limits:   limits,
		perKey:   make(map[string][]time.Time),
		accepted: make(map[string]int),
		rejected: make(map[string]int),
		now:      time.Now,
	}
}

// SetClock replaces the time source (tests).
func (l *Limiter) SetClock(now func() time.Time) { l.now = now }

// Limits returns the configured limits.
func (l *Limiter) Limits() Limits { return l.limits }

// Allow records an attempted call on key and reports whether it may
// proceed. Cooldown is checked first, then the sliding window.
func (l *Limiter) Allow(key string) error {
	now := l.now()

	if l.limits.Cooldown > 0 && !l.lastCall.IsZero() {
		if since := now.Sub(l.lastCall); since < l.limits.Cooldown {
			l.rejected[key]++
			return &Err{
				Reason:       "cooldown",
				Limit:        l.limits.MaxCallsPerMin,
				WindowS:      int(window / time.Second),
				RetryAfterMS: (l.limits.Cooldown - since).Milliseconds(),
			}
		}
	}

	q := l.perKey[key]
	cut := 0
	for cut < len(q) && now.Sub(q[cut]) > window {
		cut++
	}
	q = q[cut:]

	if l.limits.MaxCallsPerMin > 0 && len(q) >= l.limits.MaxCallsPerMin {
		l.perKey[key] = q
		l.rejected[key]++
		retry := window - now.Sub(q[0])
		if retry < 0 {
			retry = 0
		}
		return &Err{
			Reason:       "too_many_calls",
			Limit:        l.limits.MaxCallsPerMin,
			WindowS:      int(window / time.Second),
			RetryAfterMS: retry.Milliseconds(),
		}
	}

	l.perKey[key] = append(q, now)
	l.lastCall = now
	l.accepted[key]++
	return nil
}

// ToolStats is one row of the server.stats payload.
type ToolStats struct {
	Tool     string `json:"tool"`
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	InWindow int    `json:"in_window"`
}

// Stats returns per-tool counters sorted by tool name.
func (l *Limiter) Stats() []ToolStats {
	now := l.now()
	names := make(map[string]struct{}, len(l.accepted)+len(l.rejected))
	for k := range l.accepted {
		names[k] = struct{}{}
	}
	for k := range l.rejected {
		names[k] = struct{}{}
	}

	out := make([]ToolStats, 0, len(names))
	for name := range names {
		inWindow := 0
		for _, t := range l.perKey[name] {
			if now.Sub(t) <= window {
				inWindow++
			}
		}
		out = append(out, ToolStats{
			Tool:     name,
			Accepted: l.accepted[name],
			Rejected: l.rejected[name],
			InWindow: inWindow,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tool < out[j].Tool })
	return out
}

// Reset clears counters and windows. The cooldown clock is kept so a reset
// cannot be used to skip a pending cooldown.
func (l *Limiter) Reset() {
	l.perKey = make(map[string][]time.Time)
	l.accepted = make(map[string]int)
	l.rejected = make(map[string]int)
}
