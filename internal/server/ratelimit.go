package server

import (
	"fmt"
	"sync"
	"time"
)

// SheetLimiter meters scanned sheets per client. Every image in an
// extraction request costs one sheet, whatever its size or outcome. The
// minute window opens with the first sheet charged in it; the daily quota
// resets at local midnight.
type SheetLimiter struct {
	mu  sync.Mutex
	now func() time.Time

	perMinute int
	perDay    int

	clients map[string]*sheetUsage
}

type sheetUsage struct {
	windowStart time.Time
	inWindow    int
	day         time.Time
	today       int
}

// Usage is a snapshot of one client's consumption.
type Usage struct {
	ThisMinute int `json:"this_minute"`
	Today      int `json:"today"`
}

// NewSheetLimiter creates a limiter. A zero limit disables that check.
func NewSheetLimiter(perMinute, perDay int) *SheetLimiter {
	return &SheetLimiter{
		perMinute: perMinute,
		perDay:    perDay,
		clients:   make(map[string]*sheetUsage),
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (l *SheetLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Charge admits n sheets for client. A refused request charges nothing.
func (l *SheetLimiter) Charge(client string, n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	u := l.usage(client, now)

	if l.perMinute > 0 && u.inWindow+n > l.perMinute {
		retry := u.windowStart.Add(time.Minute).Sub(now)
		if n > l.perMinute {
			retry = 0
		}
		return &RateLimitError{Limit: l.perMinute, Requested: n, Remaining: l.perMinute - u.inWindow, RetryAfter: retry}
	}
	if l.perDay > 0 && u.today+n > l.perDay {
		return &QuotaExceededError{Limit: l.perDay, Used: u.today, Requested: n, Resets: u.day.AddDate(0, 0, 1)}
	}

	if u.inWindow == 0 {
		u.windowStart = now
	}
	u.inWindow += n
	u.today += n
	return nil
}

// Usage reports what client has consumed in the current windows.
func (l *SheetLimiter) Usage(client string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	u, ok := l.clients[client]
	if !ok {
		return Usage{}
	}
	l.roll(u, l.now())
	return Usage{ThisMinute: u.inWindow, Today: u.today}
}

func (l *SheetLimiter) usage(client string, now time.Time) *sheetUsage {
	u, ok := l.clients[client]
	if !ok {
		u = &sheetUsage{windowStart: now, day: startOfDay(now)}
		l.clients[client] = u
	}
	l.roll(u, now)
	return u
}

// roll closes windows that have ended.
func (l *SheetLimiter) roll(u *sheetUsage, now time.Time) {
	if day := startOfDay(now); !day.Equal(u.day) {
		u.day = day
		u.today = 0
	}
	if now.Sub(u.windowStart) >= time.Minute {
		u.windowStart = now
		u.inWindow = 0
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// RateLimitError refuses a request that would exceed the per-minute limit.
// RetryAfter is zero when the request alone is larger than the limit.
type RateLimitError struct {
	Limit      int
	Requested  int
	Remaining  int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.Requested > e.Limit {
		return fmt.Sprintf("rate limit exceeded: %d sheets requested but at most %d are allowed per minute", e.Requested, e.Limit)
	}
	return fmt.Sprintf("rate limit exceeded: %d sheets requested, %d of %d left this minute (retry after %v)",
		e.Requested, e.Remaining, e.Limit, e.RetryAfter.Round(time.Second))
}

// QuotaExceededError refuses a request that would exceed the daily quota.
type QuotaExceededError struct {
	Limit     int
	Used      int
	Requested int
	Resets    time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded: %d sheets requested, %d of %d used (resets %s)",
		e.Requested, e.Used, e.Limit, e.Resets.Format(time.RFC3339))
}
