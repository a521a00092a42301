// Package cooldown gates how often a rule may trigger.
package cooldown

import (
	"sync"
	"time"
)

type entry struct {
	mu        sync.Mutex
	fired     bool
	last      time.Time
	watermark time.Time
}

// Tracker holds per-rule trigger state. Each rule has its own lock, so
// checks for different rules never wait on each other.
type Tracker struct {
	entries sync.Map // rule id -> *entry
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) entry(ruleID string) *entry {
	if e, ok := t.entries.Load(ruleID); ok {
		return e.(*entry)
	}
	e, _ := t.entries.LoadOrStore(ruleID, &entry{})
	return e.(*entry)
}

// TryTrigger reports whether ruleID may trigger at now, recording now when it may.
//
// newest is the timestamp of the newest data point behind the match. A match
// whose newest point is not after the one that produced the previous trigger
// carries no new telemetry and is refused. A zero newest skips that check.
func (t *Tracker) TryTrigger(ruleID string, cooldown time.Duration, now, newest time.Time) bool {
	e := t.entry(ruleID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if !newest.IsZero() && !e.watermark.IsZero() && !newest.After(e.watermark) {
		return false
	}
	if e.fired && now.Sub(e.last) < cooldown {
		return false
	}
	e.fired = true
	e.last = now
	if newest.After(e.watermark) {
		e.watermark = newest
	}
	return true
}

// Last returns the last accepted trigger time.
func (t *Tracker) Last(ruleID string) (time.Time, bool) {
	v, ok := t.entries.Load(ruleID)
	if !ok {
		return time.Time{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last, e.fired
}

// Seed restores a last trigger time, e.g. from the rule store after a restart.
// Data at or before at counts as already seen.
func (t *Tracker) Seed(ruleID string, at time.Time) {
	e := t.entry(ruleID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired && !at.After(e.last) {
		return
	}
	e.fired = true
	e.last = at
	if at.After(e.watermark) {
		e.watermark = at
	}
}

func (t *Tracker) Forget(ruleID string) {
	t.entries.Delete(ruleID)
}
