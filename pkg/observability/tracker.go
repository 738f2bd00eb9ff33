package observability

import (
	"sync"
	"time"
)

// CardinalityStats is a snapshot of the distinct label values seen in the
// current window.
type CardinalityStats struct {
	RouteTemplates    int       `json:"route_templates"`
	ReasonBuckets     int       `json:"reason_buckets"`
	UserBuckets       int       `json:"user_buckets"`
	LabelCombinations int       `json:"label_combinations"`
	WindowStart       time.Time `json:"window_start"`
}

// cardinalityTracker accumulates distinct label values across all concurrent
// metric emitters in the process. Every add+check runs under one mutex so a
// caller never observes a count that under- or over-shoots the true distinct
// count at the moment of its check. The lock is never held across I/O.
type cardinalityTracker struct {
	mu          sync.Mutex
	routes      map[string]struct{}
	reasons     map[string]struct{}
	users       map[string]struct{}
	combos      map[string]struct{}
	windowStart time.Time
	window      time.Duration

	now func() time.Time // injectable for tests
}

func newCardinalityTracker(window time.Duration) *cardinalityTracker {
	t := &cardinalityTracker{window: window, now: time.Now}
	t.reset(t.now())
	return t
}

// reset drops all window state. Callers hold t.mu.
func (t *cardinalityTracker) reset(now time.Time) {
	t.routes = make(map[string]struct{})
	t.reasons = make(map[string]struct{})
	t.users = make(map[string]struct{})
	t.combos = make(map[string]struct{})
	t.windowStart = now
}

// observe records the label values for one emission and returns the stats
// after insertion. Empty values are skipped.
func (t *cardinalityTracker) observe(route, reason, user, combo string) CardinalityStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if now.Sub(t.windowStart) > t.window {
		t.reset(now)
	}

	if route != "" {
		t.routes[route] = struct{}{}
	}
	if reason != "" {
		t.reasons[reason] = struct{}{}
	}
	if user != "" {
		t.users[user] = struct{}{}
	}
	if combo != "" {
		t.combos[combo] = struct{}{}
	}

	return CardinalityStats{
		RouteTemplates:    len(t.routes),
		ReasonBuckets:     len(t.reasons),
		UserBuckets:       len(t.users),
		LabelCombinations: len(t.combos),
		WindowStart:       t.windowStart,
	}
}

// snapshot returns current stats without recording anything.
func (t *cardinalityTracker) snapshot() CardinalityStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return CardinalityStats{
		RouteTemplates:    len(t.routes),
		ReasonBuckets:     len(t.reasons),
		UserBuckets:       len(t.users),
		LabelCombinations: len(t.combos),
		WindowStart:       t.windowStart,
	}
}
