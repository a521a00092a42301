package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"telemetry-alert/internal/config"
	"telemetry-alert/internal/cooldown"
	eswrap "telemetry-alert/internal/elasticsearch"
	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/telemetry"
)

// searchBackend answers searches the way Elasticsearch does for the subset
// the evaluator sends: a tags term filter, newest-first docs, a size cap and
// an exact hits.total.
type searchBackend struct {
	docs []map[string]any
}

func (b *searchBackend) Search(ctx context.Context, indices []string, body io.Reader) (*eswrap.Response, error) {
	var q struct {
		Size  int `json:"size"`
		Query struct {
			Bool struct {
				Filter []map[string]any `json:"filter"`
			} `json:"bool"`
		} `json:"query"`
	}
	if err := json.NewDecoder(body).Decode(&q); err != nil {
		return nil, err
	}
	tag := ""
	for _, c := range q.Query.Bool.Filter {
		if term, ok := c["term"].(map[string]any); ok {
			if v, ok := term["tags"].(string); ok {
				tag = v
			}
		}
	}
	hits := []any{}
	for i, d := range b.docs {
		if tag != "" && !hasTag(d, tag) {
			continue
		}
		hits = append(hits, map[string]any{"_index": "logs-iot-sensors-x", "_id": strconv.Itoa(i), "_source": d})
	}
	total := len(hits)
	if len(hits) > q.Size {
		hits = hits[:q.Size]
	}
	payload, err := json.Marshal(map[string]any{"hits": map[string]any{
		"total": map[string]any{"value": total, "relation": "eq"},
		"hits":  hits,
	}})
	if err != nil {
		return nil, err
	}
	return eswrap.NewResponse(http.StatusOK, io.NopCloser(bytes.NewReader(payload))), nil
}

func (b *searchBackend) Count(ctx context.Context, indices []string, body io.Reader) (*eswrap.Response, error) {
	return eswrap.NewResponse(http.StatusOK, io.NopCloser(strings.NewReader(`{"count":0}`))), nil
}

func hasTag(doc map[string]any, tag string) bool {
	tags, _ := doc["tags"].([]string)
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func sensorDoc(ts time.Time, value float64, tags ...string) map[string]any {
	doc := map[string]any{"@timestamp": ts.Format(time.RFC3339Nano), "value": value, "zone": "A"}
	if len(tags) > 0 {
		doc["tags"] = tags
	}
	return doc
}

func newBackendEvaluator(t *testing.T, docs []map[string]any, r rule.AlertRule) *Evaluator {
	t.Helper()
	store := rule.NewMemoryStore()
	if err := store.Save(context.Background(), &r); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	svc := telemetry.NewService(&searchBackend{docs: docs}, telemetry.Options{
		Indices:   config.Indices{All: "logs-iot-*"},
		Location:  time.UTC,
		MaxPoints: 1000,
	})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev, err := NewEvaluator(Deps{
		Rules:      store,
		Telemetry:  svc,
		Cooldowns:  cooldown.NewTracker(),
		Dispatcher: &fakeDispatcher{},
	}, Options{MaxPoints: 1000, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	return ev
}

func TestPatternRuleSeesTaggedPointsBehindBusyWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var docs []map[string]any
	// 1200 fresh untagged readings would fill a 1000-point page on their own
	for i := 0; i < 1200; i++ {
		docs = append(docs, sensorDoc(now.Add(-time.Duration(i)*100*time.Millisecond), 21))
	}
	for i := 0; i < 5; i++ {
		docs = append(docs, sensorDoc(now.Add(-5*time.Minute-time.Duration(i)*time.Second), 99, "anomaly"))
	}

	ev := newBackendEvaluator(t, docs, patternRule(5))
	events := ev.EvaluateAll(context.Background())
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].MatchedCount != 5 {
		t.Errorf("matched = %d, want 5", events[0].MatchedCount)
	}
}

func TestPatternRuleCountsMatchesBeyondPageCap(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var docs []map[string]any
	for i := 0; i < 1200; i++ {
		docs = append(docs, sensorDoc(now.Add(-time.Duration(i)*100*time.Millisecond), 99, "anomaly"))
	}

	ev := newBackendEvaluator(t, docs, patternRule(1100))
	events := ev.EvaluateAll(context.Background())
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].MatchedCount != 1200 || events[0].Aggregate.Count != 1200 {
		t.Errorf("matched = %d aggregate = %d, want 1200", events[0].MatchedCount, events[0].Aggregate.Count)
	}
}
