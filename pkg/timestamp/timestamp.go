// Package timestamp holds the millisecond timestamp helpers and the injectable clock
// used by cooldowns, aggregate windows and event stamping.
//
// Point values, alarm instances and rule execution state all carry int64 milliseconds
// since the Unix epoch. Zero means "not set".
//
//	now := clock.NowMs()
//	if timestamp.Elapsed(state.LastTrigger, now) < rule.Cooldown {
//	    // still cooling down
//	}
package timestamp

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Now returns the wall clock as Unix milliseconds.
func Now() int64 {
	return time.Now().UnixMilli()
}

// ToUnixMs converts t to Unix milliseconds, 0 for the zero time.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds back to a time, zero time for 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format renders ms as RFC3339 in UTC.
func Format(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

// Parse accepts RFC3339 strings, numeric strings and numbers. Values below 1e12 are
// taken as seconds. Unparseable input yields 0.
func Parse(input any) int64 {
	switch v := input.(type) {
	case nil:
		return 0
	case int64:
		if v > 1e12 || v == 0 {
			return v
		}
		return v * 1000
	case int:
		return Parse(int64(v))
	case float64:
		if v > 1e12 || v == 0 {
			return int64(v)
		}
		return int64(v * 1000)
	case string:
		if v == "" {
			return 0
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ToUnixMs(t)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return Parse(n)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return Parse(f)
		}
		return 0
	case time.Time:
		return ToUnixMs(v)
	default:
		return 0
	}
}

// Elapsed returns the duration between since and now, 0 when since is unset.
func Elapsed(since, now int64) time.Duration {
	if since == 0 {
		return 0
	}
	return time.Duration(now-since) * time.Millisecond
}

// Validate rejects negative stamps and stamps past year 3000.
func Validate(ms int64) error {
	if ms < 0 {
		return fmt.Errorf("timestamp cannot be negative: %d", ms)
	}
	if ms > 32503680000000 {
		return fmt.Errorf("timestamp too far in future: %d", ms)
	}
	return nil
}

// Clock supplies the current time. Engines take a Clock so cooldowns and windows can be
// driven deterministically in tests.
type Clock interface {
	NowMs() int64
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// NowMs implements Clock.
func (SystemClock) NowMs() int64 { return Now() }

// FakeClock is a manually advanced Clock.
type FakeClock struct {
	mu  sync.Mutex
	now int64
}

// NewFakeClock starts a FakeClock at ms.
func NewFakeClock(ms int64) *FakeClock {
	return &FakeClock{now: ms}
}

// NowMs implements Clock.
func (c *FakeClock) NowMs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d.Milliseconds()
	c.mu.Unlock()
}

// Set pins the clock to ms.
func (c *FakeClock) Set(ms int64) {
	c.mu.Lock()
	c.now = ms
	c.mu.Unlock()
}

// MonotonicClock reports epoch milliseconds that advance with the monotonic clock from
// the moment it was created, so wall-clock steps never move cooldowns backwards.
type MonotonicClock struct {
	start time.Time
}

// NewMonotonicClock anchors a MonotonicClock at the current time.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{start: time.Now()}
}

// NowMs implements Clock.
func (c *MonotonicClock) NowMs() int64 {
	return c.start.UnixMilli() + time.Since(c.start).Milliseconds()
}
