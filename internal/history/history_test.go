package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"telemetry-alert/internal/alert"
	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/telemetry"
)

func event(id, ruleID string, at time.Time, sev rule.Severity, avg *float64, zones ...string) alert.Event {
	return alert.Event{
		ID:          id,
		RuleID:      ruleID,
		RuleName:    "rule " + ruleID,
		Severity:    sev,
		TriggeredAt: at,
		Aggregate:   alert.Aggregate{Average: avg, Zones: zones},
	}
}

func f(v float64) *float64 { return &v }

func TestSummarize(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	s := Summarize([]alert.Event{
		event("2", "r", base.Add(time.Minute), rule.SeverityCritical, f(30), "B"),
		event("1", "r", base, rule.SeverityHigh, f(10), "A", "B"),
		event("3", "r", base.Add(-time.Minute), rule.SeverityLow, nil, "C"),
	})
	if s.TriggerCount != 3 {
		t.Errorf("trigger count = %d", s.TriggerCount)
	}
	if s.LastSeverity != rule.SeverityCritical || !s.LastTriggeredAt.Equal(base.Add(time.Minute)) {
		t.Errorf("last = %s at %v", s.LastSeverity, s.LastTriggeredAt)
	}
	if len(s.Zones) != 3 || s.Zones[0] != "A" || s.Zones[2] != "C" {
		t.Errorf("zones = %v", s.Zones)
	}
	if s.AverageValue == nil || *s.AverageValue != 20 {
		t.Errorf("average = %v, want 20", s.AverageValue)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	s := Summarize(nil)
	if s.TriggerCount != 0 || s.LastTriggeredAt != nil || s.AverageValue != nil || s.Zones == nil {
		t.Errorf("stats = %+v", s)
	}
}

func TestMemoryStoreListNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Now()
	for i := 0; i < 5; i++ {
		_ = m.Append(ctx, event(string(rune('a'+i)), "r1", base.Add(time.Duration(i)*time.Second), rule.SeverityLow, nil))
	}
	_ = m.Append(ctx, event("x", "r2", base, rule.SeverityLow, nil))

	got, err := m.List(ctx, "r1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ID != "e" || got[2].ID != "c" {
		t.Errorf("list = %v", ids(got))
	}
	all, _ := m.List(ctx, "r1", 0)
	if len(all) != 5 {
		t.Errorf("unbounded list = %d events", len(all))
	}
}

func TestMemoryStoreIsolatesStoredEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	avg := 41.5
	ev := alert.Event{
		ID: "e1", RuleID: "r1", TriggeredAt: time.Now(), Severity: rule.SeverityHigh,
		Aggregate:      alert.Aggregate{Count: 2, Average: &avg, Zones: []string{"A"}},
		ChannelResults: map[rule.Channel]alert.ChannelResult{rule.ChannelEmail: {OK: true, Attempts: 1}},
		Samples:        []telemetry.Record{{ID: "s1", Zone: "A"}},
	}
	if err := m.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}

	// writes through the appended event
	ev.ChannelResults[rule.ChannelEmail] = alert.ChannelResult{Error: "changed"}
	ev.Aggregate.Zones[0] = "Z"
	ev.Samples[0].Zone = "Z"
	avg = 0

	// writes through a listed event
	got, _ := m.List(ctx, "r1", 0)
	got[0].ChannelResults[rule.ChannelSlack] = alert.ChannelResult{OK: true}
	got[0].Aggregate.Zones[0] = "Y"
	got[0].Samples[0].Zone = "Y"
	*got[0].Aggregate.Average = -1

	again, _ := m.List(ctx, "r1", 0)
	e := again[0]
	if len(e.ChannelResults) != 1 || !e.ChannelResults[rule.ChannelEmail].OK {
		t.Errorf("channel results = %+v", e.ChannelResults)
	}
	if e.Aggregate.Zones[0] != "A" || e.Samples[0].Zone != "A" {
		t.Errorf("zones = %v, sample zone = %s", e.Aggregate.Zones, e.Samples[0].Zone)
	}
	if e.Aggregate.Average == nil || *e.Aggregate.Average != 41.5 {
		t.Errorf("average = %v, want 41.5", e.Aggregate.Average)
	}
}

func ids(evs []alert.Event) []string {
	var out []string
	for _, e := range evs {
		out = append(out, e.ID)
	}
	return out
}

type failingStore struct{ *MemoryStore }

func (failingStore) Append(context.Context, alert.Event) error { return errors.New("disk full") }

func TestRecorderFlushesOnClose(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	now := time.Now()
	for i := 0; i < 10; i++ {
		rec.Record(event(string(rune('a'+i)), "r1", now.Add(time.Duration(i)*time.Millisecond), rule.SeverityHigh, f(float64(i))))
	}
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer closeCancel()
	if err := rec.Close(closeCtx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	stats, err := rec.StatsFor(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if stats.TriggerCount != 10 || *stats.AverageValue != 4.5 {
		t.Errorf("stats = %+v", stats)
	}
	// closed recorder drops silently
	rec.Record(event("late", "r1", now, rule.SeverityHigh, nil))
	if got, _ := rec.List(context.Background(), "r1", 0); len(got) != 10 {
		t.Errorf("events after close = %d", len(got))
	}
}

func TestRecorderNeverBlocks(t *testing.T) {
	rec := NewRecorder(NewMemoryStore(), 1)
	done := make(chan struct{})
	go func() {
		// no Run loop: the queue fills after one event
		for i := 0; i < 100; i++ {
			rec.Record(event("e", "r1", time.Now(), rule.SeverityLow, nil))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}

func TestRecorderStoreErrorIsLogged(t *testing.T) {
	rec := NewRecorder(failingStore{NewMemoryStore()}, 4)
	go rec.Run(context.Background())
	rec.Record(event("e", "r1", time.Now(), rule.SeverityLow, nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
