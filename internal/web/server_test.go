package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"telemetry-alert/internal/alert"
	"telemetry-alert/internal/config"
	"telemetry-alert/internal/cooldown"
	"telemetry-alert/internal/eventbus"
	"telemetry-alert/internal/history"
	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/telemetry"
)

type published struct {
	subject string
	payload any
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *capturePublisher) Publish(_ context.Context, subject string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{subject, payload})
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.msgs {
		out = append(out, m.subject)
	}
	return out
}

type fakePreviewer struct {
	got rule.AlertRule
	err error
}

func (f *fakePreviewer) Preview(_ context.Context, r rule.AlertRule) (alert.Preview, error) {
	f.got = r
	if f.err != nil {
		return alert.Preview{}, f.err
	}
	return alert.Preview{Matched: true, Count: 3}, nil
}

type fakeHistory struct {
	events []alert.Event
	limit  int
}

func (f *fakeHistory) List(_ context.Context, ruleID string, limit int) ([]alert.Event, error) {
	f.limit = limit
	return f.events, nil
}

func (f *fakeHistory) StatsFor(_ context.Context, ruleID string) (history.Stats, error) {
	return history.Summarize(f.events), nil
}

type fakeTelemetry struct {
	limit int
}

func (f *fakeTelemetry) Snapshot(context.Context) (telemetry.Snapshot, error) {
	return telemetry.Snapshot{}, nil
}

func (f *fakeTelemetry) Recent(_ context.Context, limit int) ([]telemetry.Record, error) {
	f.limit = limit
	return []telemetry.Record{{ID: "r1", Zone: "A"}}, nil
}

func (f *fakeTelemetry) Since(context.Context, time.Time, int) ([]telemetry.Record, error) {
	return nil, nil
}

func (f *fakeTelemetry) CriticalSince(context.Context, time.Time, int) ([]telemetry.Record, error) {
	return nil, nil
}

type fixture struct {
	srv       *httptest.Server
	store     *rule.MemoryStore
	pub       *capturePublisher
	preview   *fakePreviewer
	history   *fakeHistory
	telemetry *fakeTelemetry
	cooldowns *cooldown.Tracker
}

func newFixture(t *testing.T, keys ...config.APIKey) *fixture {
	t.Helper()
	f := &fixture{
		store:     rule.NewMemoryStore(),
		pub:       &capturePublisher{},
		preview:   &fakePreviewer{},
		history:   &fakeHistory{},
		telemetry: &fakeTelemetry{},
		cooldowns: cooldown.NewTracker(),
	}
	s := NewServer(config.WebConfig{Enabled: true, APIKeys: keys}, Deps{
		Rules:     f.store,
		Evaluator: f.preview,
		History:   f.history,
		Telemetry: f.telemetry,
		Cooldowns: f.cooldowns,
		Publisher: f.pub,
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func validRule(name string) rule.AlertRule {
	return rule.AlertRule{
		Name:  name,
		Type:  rule.TypeThreshold,
		Field: "value",
		Parameters: rule.Parameters{
			Threshold: &rule.Threshold{Operator: rule.OpGreater, Limit: 40},
		},
		WindowSeconds:   300,
		CooldownSeconds: 60,
		Severity:        rule.SeverityHigh,
		Channels:        []rule.Channel{rule.ChannelWebhook},
		Enabled:         true,
	}
}

func (f *fixture) seed(t *testing.T, name string) rule.AlertRule {
	t.Helper()
	r := validRule(name)
	if err := f.store.Save(context.Background(), &r); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return r
}

func (f *fixture) do(t *testing.T, method, path, key string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t, config.APIKey{Key: "k", Role: "admin"})
	resp := f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestRolePermissions(t *testing.T) {
	f := newFixture(t,
		config.APIKey{Key: "view", Role: "viewer"},
		config.APIKey{Key: "edit", Role: "editor"},
		config.APIKey{Key: "root", Role: "admin"},
		config.APIKey{Key: "odd", Role: "superuser"},
	)
	r := f.seed(t, "hot room")

	tests := []struct {
		name   string
		method string
		path   string
		key    string
		body   any
		want   int
	}{
		{"no key", http.MethodGet, "/api/rules", "", nil, http.StatusUnauthorized},
		{"unknown key", http.MethodGet, "/api/rules", "nope", nil, http.StatusUnauthorized},
		{"ignored role", http.MethodGet, "/api/rules", "odd", nil, http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "/api/rules", "view", nil, http.StatusOK},
		{"viewer cannot write", http.MethodPost, "/api/rules", "view", validRule("x"), http.StatusForbidden},
		{"editor writes", http.MethodPost, "/api/rules", "edit", validRule("y"), http.StatusCreated},
		{"editor cannot delete", http.MethodDelete, "/api/rules/" + r.ID, "edit", nil, http.StatusForbidden},
		{"admin deletes", http.MethodDelete, "/api/rules/" + r.ID, "root", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, tt.method, tt.path, tt.key, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestBearerAndQueryKey(t *testing.T) {
	f := newFixture(t, config.APIKey{Key: "secret", Role: "viewer"})

	req, _ := http.NewRequest(http.MethodGet, f.srv.URL+"/api/rules", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer: status = %d", resp.StatusCode)
	}

	resp = f.do(t, http.MethodGet, "/api/rules?api_key=secret", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("query key: status = %d", resp.StatusCode)
	}
}

func TestCreateAndList(t *testing.T) {
	f := newFixture(t)

	in := validRule("server room hot")
	in.ID = "client-chosen"
	resp := f.do(t, http.MethodPost, "/api/rules", "", in)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var created rule.AlertRule
	decode(t, resp, &created)
	if created.ID == "" || created.ID == "client-chosen" {
		t.Errorf("id = %q, want server assigned", created.ID)
	}
	if created.CreatedAt.IsZero() || created.TriggerCount != 0 {
		t.Errorf("created = %+v", created)
	}

	resp = f.do(t, http.MethodGet, "/api/rules", "", nil)
	var list struct {
		Rules []rule.AlertRule `json:"rules"`
		Total int              `json:"total"`
	}
	decode(t, resp, &list)
	if list.Total != 1 || list.Rules[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	if got := f.pub.subjects(); len(got) != 1 || got[0] != eventbus.SubjectRuleCreated {
		t.Errorf("published = %v", got)
	}
	ev := f.pub.msgs[0].payload.(ruleEvent)
	if ev.EventKey() != created.ID || ev.Rule == nil {
		t.Errorf("event = %+v", ev)
	}
}

func TestCreateErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "taken")

	invalid := validRule("bad")
	invalid.WindowSeconds = 0
	invalid.Severity = "apocalyptic"

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"name":`, http.StatusBadRequest},
		{"unknown field", `{"name":"x","colour":"red"}`, http.StatusBadRequest},
		{"validation", invalid, http.StatusBadRequest},
		{"duplicate name", validRule("taken"), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/api/rules", "", tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}

	resp := f.do(t, http.MethodPost, "/api/rules", "", invalid)
	var body struct {
		Error   string            `json:"error"`
		Details []rule.FieldError `json:"details"`
	}
	decode(t, resp, &body)
	if len(body.Details) != 2 {
		t.Errorf("details = %+v, want window_seconds and severity", body.Details)
	}
	if len(f.pub.subjects()) != 0 {
		t.Errorf("failed creates published %v", f.pub.subjects())
	}
}

func TestUpdateKeepsIdentity(t *testing.T) {
	f := newFixture(t)
	r := f.seed(t, "hot")
	if err := f.store.UpdateTriggerStats(context.Background(), r.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	upd := validRule("hotter")
	upd.ID = "ignored"
	upd.Priority = 9
	resp := f.do(t, http.MethodPut, "/api/rules/"+r.ID, "", upd)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	got, err := f.store.Get(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "hotter" || got.Priority != 9 || got.TriggerCount != 1 {
		t.Errorf("stored = %+v", got)
	}

	if resp := f.do(t, http.MethodPut, "/api/rules/missing", "", upd); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing: status = %d", resp.StatusCode)
	}
	if got := f.pub.subjects(); len(got) != 1 || got[0] != eventbus.SubjectRuleUpdated {
		t.Errorf("published = %v", got)
	}
}

func TestDeleteForgetsCooldown(t *testing.T) {
	f := newFixture(t)
	r := f.seed(t, "hot")
	f.cooldowns.Seed(r.ID, time.Now())

	if resp := f.do(t, http.MethodDelete, "/api/rules/"+r.ID, "", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, ok := f.cooldowns.Last(r.ID); ok {
		t.Error("cooldown state kept after delete")
	}
	if _, err := f.store.Get(context.Background(), r.ID); !errors.Is(err, rule.ErrNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if resp := f.do(t, http.MethodDelete, "/api/rules/"+r.ID, "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete: status = %d", resp.StatusCode)
	}
	if got := f.pub.subjects(); len(got) != 1 || got[0] != eventbus.SubjectRuleDeleted {
		t.Errorf("published = %v", got)
	}
}

func TestToggle(t *testing.T) {
	f := newFixture(t)
	r := f.seed(t, "hot")

	var out struct {
		Enabled bool `json:"enabled"`
	}
	resp := f.do(t, http.MethodPost, "/api/rules/"+r.ID+"/toggle", "", nil)
	decode(t, resp, &out)
	if resp.StatusCode != http.StatusOK || out.Enabled {
		t.Fatalf("flip: status = %d enabled = %v", resp.StatusCode, out.Enabled)
	}

	resp = f.do(t, http.MethodPost, "/api/rules/"+r.ID+"/toggle", "", map[string]bool{"enabled": true})
	decode(t, resp, &out)
	if !out.Enabled {
		t.Error("explicit enable ignored")
	}
	got, _ := f.store.Get(context.Background(), r.ID)
	if !got.Enabled {
		t.Error("store not updated")
	}
	want := []string{eventbus.SubjectRuleDisabled, eventbus.SubjectRuleEnabled}
	if subs := f.pub.subjects(); len(subs) != 2 || subs[0] != want[0] || subs[1] != want[1] {
		t.Errorf("published = %v, want %v", subs, want)
	}
}

func TestToggleEnableWithoutChannels(t *testing.T) {
	f := newFixture(t)
	r := validRule("quiet")
	r.Enabled = false
	r.Channels = nil
	if err := f.store.Save(context.Background(), &r); err != nil {
		t.Fatal(err)
	}
	resp := f.do(t, http.MethodPost, "/api/rules/"+r.ID+"/toggle", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTestRule(t *testing.T) {
	f := newFixture(t)
	r := f.seed(t, "hot")

	resp := f.do(t, http.MethodPost, "/api/rules/"+r.ID+"/test", "", nil)
	var p alert.Preview
	decode(t, resp, &p)
	if resp.StatusCode != http.StatusOK || !p.Matched || p.Count != 3 {
		t.Errorf("status = %d preview = %+v", resp.StatusCode, p)
	}
	if f.preview.got.ID != r.ID {
		t.Errorf("previewed %q, want %q", f.preview.got.ID, r.ID)
	}

	f.preview.err = errors.New("query telemetry: connection refused")
	resp = f.do(t, http.MethodPost, "/api/rules/"+r.ID+"/test", "", nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("failing backend: status = %d", resp.StatusCode)
	}
}

func TestHistoryAndStats(t *testing.T) {
	f := newFixture(t)
	r := f.seed(t, "hot")
	avg := 41.0
	now := time.Now().UTC()
	f.history.events = []alert.Event{
		{ID: "e2", RuleID: r.ID, Severity: rule.SeverityHigh, TriggeredAt: now, Aggregate: alert.Aggregate{Average: &avg, Zones: []string{"B"}}},
		{ID: "e1", RuleID: r.ID, Severity: rule.SeverityHigh, TriggeredAt: now.Add(-time.Minute), Aggregate: alert.Aggregate{Zones: []string{"A"}}},
	}

	resp := f.do(t, http.MethodGet, "/api/rules/"+r.ID+"/history?limit=9999", "", nil)
	var h struct {
		Events []alert.Event `json:"events"`
		Total  int           `json:"total"`
	}
	decode(t, resp, &h)
	if h.Total != 2 || f.history.limit != maxHistoryLimit {
		t.Errorf("total = %d limit = %d", h.Total, f.history.limit)
	}

	f.do(t, http.MethodGet, "/api/rules/"+r.ID+"/history", "", nil)
	if f.history.limit != defaultHistoryLimit {
		t.Errorf("default limit = %d", f.history.limit)
	}

	resp = f.do(t, http.MethodGet, "/api/rules/"+r.ID+"/stats", "", nil)
	var st history.Stats
	decode(t, resp, &st)
	if st.TriggerCount != 2 || len(st.Zones) != 2 || st.AverageValue == nil || *st.AverageValue != 41 {
		t.Errorf("stats = %+v", st)
	}

	if resp := f.do(t, http.MethodGet, "/api/rules/missing/history", "", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing rule history: status = %d", resp.StatusCode)
	}
}

func TestRulesSummary(t *testing.T) {
	f := newFixture(t)
	r := f.seed(t, "a")
	f.seed(t, "b")
	_ = f.store.SetEnabled(context.Background(), r.ID, false)

	resp := f.do(t, http.MethodGet, "/api/rules/stats", "", nil)
	var s rule.Summary
	decode(t, resp, &s)
	if s.Total != 2 || s.Enabled != 1 || s.Disabled != 1 || s.BySeverity[rule.SeverityHigh] != 2 {
		t.Errorf("summary = %+v", s)
	}
}

func TestRecentLogsLimit(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultRecentLimit},
		{"?limit=7", 7},
		{"?limit=1000", maxRecentLimit},
		{"?limit=abc", defaultRecentLimit},
	}
	for _, tt := range tests {
		resp := f.do(t, http.MethodGet, "/api/logs/recent"+tt.query, "", nil)
		if resp.StatusCode != http.StatusOK || f.telemetry.limit != tt.want {
			t.Errorf("%q: status = %d limit = %d, want %d", tt.query, resp.StatusCode, f.telemetry.limit, tt.want)
		}
	}
}
