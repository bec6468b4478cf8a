package mcp

import (
	"sync"
	"time"
)

// checkTracker records recent dig_match_learnings calls so recording a
// rollout can detect when a caller deploys a change without having looked
// at the learnings that apply to it, and nudge them.
//
// Keys are (caller, change id). State is per process; the nudge is advisory.
type checkTracker struct {
	mu     sync.Mutex
	checks map[checkKey]time.Time
	window time.Duration
	now    func() time.Time
}

type checkKey struct {
	caller   string
	changeID string
}

func newCheckTracker(window time.Duration) *checkTracker {
	return &checkTracker{
		checks: make(map[checkKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// Record notes that caller matched learnings against changeID.
func (t *checkTracker) Record(caller, changeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checks[checkKey{caller, changeID}] = t.now()
	if len(t.checks) > 1000 {
		t.purgeStale()
	}
}

// WasChecked reports whether caller matched changeID within the window.
func (t *checkTracker) WasChecked(caller, changeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := checkKey{caller, changeID}
	ts, ok := t.checks[k]
	if !ok {
		return false
	}
	if t.now().Sub(ts) > t.window {
		delete(t.checks, k)
		return false
	}
	return true
}

// purgeStale must be called with mu held.
func (t *checkTracker) purgeStale() {
	now := t.now()
	for k, ts := range t.checks {
		if now.Sub(ts) > t.window {
			delete(t.checks, k)
		}
	}
}
