// Package history keeps the append-only log of alert events and derives
// per-rule trigger statistics from it.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"telemetry-alert/internal/alert"
	"telemetry-alert/internal/rule"
)

// Store persists events. List returns a rule's events newest first;
// limit <= 0 means all of them.
type Store interface {
	Append(ctx context.Context, ev alert.Event) error
	List(ctx context.Context, ruleID string, limit int) ([]alert.Event, error)
}

// Stats summarises the stored events of one rule.
type Stats struct {
	TriggerCount    int           `json:"trigger_count"`
	LastSeverity    rule.Severity `json:"last_severity,omitempty"`
	LastTriggeredAt *time.Time    `json:"last_triggered_at,omitempty"`
	Zones           []string      `json:"zones"`
	AverageValue    *float64      `json:"average_value,omitempty"`
}

// Summarize builds Stats from events in any order. AverageValue is the mean of
// the per-event averages, over events that had one.
func Summarize(events []alert.Event) Stats {
	s := Stats{TriggerCount: len(events), Zones: []string{}}
	var (
		sum   float64
		n     int
		zones = map[string]struct{}{}
	)
	for i := range events {
		ev := &events[i]
		if s.LastTriggeredAt == nil || ev.TriggeredAt.After(*s.LastTriggeredAt) {
			t := ev.TriggeredAt
			s.LastTriggeredAt = &t
			s.LastSeverity = ev.Severity
		}
		for _, z := range ev.Aggregate.Zones {
			zones[z] = struct{}{}
		}
		if ev.Aggregate.Average != nil {
			sum += *ev.Aggregate.Average
			n++
		}
	}
	for z := range zones {
		s.Zones = append(s.Zones, z)
	}
	sort.Strings(s.Zones)
	if n > 0 {
		avg := sum / float64(n)
		s.AverageValue = &avg
	}
	return s
}

// MemoryStore keeps events in process memory. Events are copied on the way
// in and out so stored history cannot be changed by callers.
type MemoryStore struct {
	mu     sync.RWMutex
	byRule map[string][]alert.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRule: map[string][]alert.Event{}}
}

func (m *MemoryStore) Append(_ context.Context, ev alert.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byRule[ev.RuleID] = append(m.byRule[ev.RuleID], ev.Clone())
	return nil
}

func (m *MemoryStore) List(_ context.Context, ruleID string, limit int) ([]alert.Event, error) {
	m.mu.RLock()
	events := m.byRule[ruleID]
	out := make([]alert.Event, len(events))
	for i := range events {
		out[i] = events[i].Clone()
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
