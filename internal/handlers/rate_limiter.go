package handlers

import (
	"strings"
	"sync"
	"time"
)

// Provider callbacks arrive unauthenticated, so the throttle key is the
// source address and an attacker controls how many distinct keys we see.
// maxTrackedSources caps the table; past it the entry closest to expiry is
// evicted to make room.
const maxTrackedSources = 4096

type rateLimiter interface {
	Allow(key string) bool
}

type sourceRateLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time
	mu     sync.Mutex
	seen   map[string]sourceWindow
}

type sourceWindow struct {
	count int
	reset time.Time
}

func newSourceRateLimiter(limit int, window time.Duration, clock func() time.Time) rateLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &sourceRateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		seen:   make(map[string]sourceWindow),
	}
}

func (l *sourceRateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.seen[key]
	if !ok || now.After(entry.reset) {
		if !ok {
			l.makeRoomLocked(now)
		}
		l.seen[key] = sourceWindow{count: 1, reset: now.Add(l.window)}
		return true
	}

	if entry.count >= l.limit {
		return false
	}
	entry.count++
	l.seen[key] = entry
	return true
}

// makeRoomLocked keeps the table under maxTrackedSources before a new source
// is inserted. Expired windows go first; if every window is still live, the
// one closest to expiry is sacrificed.
func (l *sourceRateLimiter) makeRoomLocked(now time.Time) {
	if len(l.seen) < maxTrackedSources {
		return
	}
	for key, entry := range l.seen {
		if now.After(entry.reset) {
			delete(l.seen, key)
		}
	}
	if len(l.seen) < maxTrackedSources {
		return
	}
	var (
		oldestKey   string
		oldestReset time.Time
	)
	for key, entry := range l.seen {
		if oldestKey == "" || entry.reset.Before(oldestReset) {
			oldestKey = key
			oldestReset = entry.reset
		}
	}
	delete(l.seen, oldestKey)
}
