package certservice

import (
	"sync"
	"time"
)

// window is a single IP's sliding rate-limit bucket (§5 "Rate-limiter
// table"). It resets whenever more than 60s have elapsed since it was
// opened, rather than tracking a true sliding window of timestamps --
// matching the spec's "Reset when now - window_start > 60s" rule exactly.
type window struct {
	count      int
	windowStart time.Time
}

// RateLimiter enforces a per-peer-IP limit over a rolling 60-second
// window, guarded by a single exclusive lock over the whole table (§5).
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	tables map[string]*window
	now    func() time.Time
}

// NewRateLimiter builds a limiter admitting at most limit calls per IP
// per 60-second window.
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		tables: make(map[string]*window),
		now:    time.Now,
	}
}

// Allow reports whether the call from ip should be admitted, incrementing
// its window's counter as a side effect regardless of the outcome -- a
// rejected call still counts, so a caller cannot retry around the limit
// by racing the window boundary.
func (l *RateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.tables[ip]
	if !ok || now.Sub(w.windowStart) > 60*time.Second {
		w = &window{windowStart: now}
		l.tables[ip] = w
	}
	w.count++
	return w.count <= l.limit
}
