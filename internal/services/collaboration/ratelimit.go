package collaboration

import (
	"sync"
	"time"

	"graph-sync/internal/config"
)

// Category is an independently limited class of inbound traffic
type Category string

const (
	CategoryOperation      Category = "operation"
	CategoryCursor         Category = "cursor"
	CategorySelection      Category = "selection"
	CategoryViewport       Category = "viewport"
	CategoryConnectionOpen Category = "connection_open"
)

// Limit allows Max events in any rolling Window
type Limit struct {
	Max    int
	Window time.Duration
}

// LimitsFromConfig maps configured thresholds onto limiter categories
func LimitsFromConfig(cfg config.Limits) map[Category]Limit {
	return map[Category]Limit{
		CategoryOperation:      {Max: cfg.OperationsPerMinute, Window: time.Minute},
		CategoryCursor:         {Max: cfg.CursorPerSecond, Window: time.Second},
		CategorySelection:      {Max: cfg.SelectionPerSecond, Window: time.Second},
		CategoryViewport:       {Max: cfg.ViewportPerSecond, Window: time.Second},
		CategoryConnectionOpen: {Max: cfg.ConnectionsPerMinute, Window: time.Minute},
	}
}

// Decision is the outcome of one Allow call
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

/*
SLIDING WINDOW LOG

Each (key, category) keeps the timestamps of its admitted events, at most
Max of them. An event is admitted when fewer than Max timestamps fall inside
(now-Window, now]. On rejection the caller learns exactly when the oldest
admitted event leaves the window.

Excess traffic is rejected immediately; nothing is queued.
*/

// RateLimiter enforces per-key, per-category sliding windows
type RateLimiter struct {
	mu      sync.Mutex
	limits  map[Category]Limit
	windows map[string]map[Category]*slidingWindow
	now     func() time.Time
}

type slidingWindow struct {
	hits []time.Time
}

// NewRateLimiter creates a limiter. Categories without a positive Max are unlimited.
func NewRateLimiter(limits map[Category]Limit) *RateLimiter {
	return &RateLimiter{
		limits:  limits,
		windows: make(map[string]map[Category]*slidingWindow),
		now:     time.Now,
	}
}

// Allow records an event for key in category if the window has room
func (r *RateLimiter) Allow(key string, category Category) Decision {
	limit, ok := r.limits[category]
	if !ok || limit.Max <= 0 {
		return Decision{Allowed: true}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	byCategory := r.windows[key]
	if byCategory == nil {
		byCategory = make(map[Category]*slidingWindow)
		r.windows[key] = byCategory
	}
	w := byCategory[category]
	if w == nil {
		w = &slidingWindow{hits: make([]time.Time, 0, limit.Max)}
		byCategory[category] = w
	}

	w.prune(now, limit.Window)

	if len(w.hits) >= limit.Max {
		return Decision{Allowed: false, RetryAfter: w.hits[0].Add(limit.Window).Sub(now)}
	}

	w.hits = append(w.hits, now)
	return Decision{Allowed: true}
}

// prune drops hits that are no longer inside (now-window, now]
func (w *slidingWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(w.hits, w.hits[i:])
		w.hits = w.hits[:n]
	}
}

// Forget drops every counter held for key
func (r *RateLimiter) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.windows, key)
}

// Sweep removes windows with no hits left inside their window
func (r *RateLimiter) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, byCategory := range r.windows {
		for category, w := range byCategory {
			w.prune(now, r.limits[category].Window)
			if len(w.hits) == 0 {
				delete(byCategory, category)
			}
		}
		if len(byCategory) == 0 {
			delete(r.windows, key)
		}
	}
}

// Keys returns the number of keys currently tracked
func (r *RateLimiter) Keys() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}
