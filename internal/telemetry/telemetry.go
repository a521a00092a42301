// Package telemetry queries sensor and alert documents stored in
// Elasticsearch/OpenSearch and computes the dashboard aggregates.
package telemetry

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// DataPoint is one telemetry document.
type DataPoint struct {
	ID        string         `json:"id"`
	Index     string         `json:"index"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields"`
	Tags      []string       `json:"tags,omitempty"`
}

// Number returns a numeric field, following dotted paths into nested objects.
func (p DataPoint) Number(field string) (float64, bool) {
	switch v := lookup(p.Fields, field).(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

// Text returns a field rendered as a string, "" when absent.
func (p DataPoint) Text(field string) string {
	switch v := lookup(p.Fields, field).(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

func (p DataPoint) HasTag(tag string) bool {
	for _, t := range p.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func lookup(fields map[string]any, path string) any {
	if v, ok := fields[path]; ok {
		return v
	}
	cur := any(fields)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// Query selects documents in [From, To] whose fields equal every filter value
// and, when Where is set, satisfy the predicate.
type Query struct {
	Filters map[string]string
	Where   *Predicate
	From    time.Time
	To      time.Time
	Size    int
}

// Predicate is a rule condition evaluated by the search backend, so the size
// cap only ever trims documents that already match. A non-empty Tag wins over
// the numeric forms.
type Predicate struct {
	Field string
	Op    string
	Value float64

	// Outside matches Field < Min or Field > Max.
	Outside  bool
	Min, Max float64

	Tag string
}

// Result is one page of points plus the number of documents that matched
// in total, which exceeds len(Points) when the page was capped.
type Result struct {
	Points []DataPoint
	Total  int
}

// Record is a flattened document as shown on the dashboard.
type Record struct {
	ID         string    `json:"id"`
	Index      string    `json:"index"`
	Timestamp  time.Time `json:"timestamp"`
	Zone       string    `json:"zone,omitempty"`
	SensorType string    `json:"sensor_type,omitempty"`
	SensorID   string    `json:"sensor_id,omitempty"`
	Value      any       `json:"value,omitempty"`
	Unit       string    `json:"unit,omitempty"`
	Status     string    `json:"status,omitempty"`
	Severity   string    `json:"severity,omitempty"`
	Message    string    `json:"message,omitempty"`
}

func RecordFrom(p DataPoint) Record {
	return Record{
		ID:         p.ID,
		Index:      p.Index,
		Timestamp:  p.Timestamp,
		Zone:       p.Text("zone"),
		SensorType: p.Text("sensor_type"),
		SensorID:   p.Text("sensor_id"),
		Value:      lookup(p.Fields, "value"),
		Unit:       p.Text("unit"),
		Status:     p.Text("status"),
		Severity:   p.Text("severity"),
		Message:    p.Text("message"),
	}
}

// Snapshot is the periodic dashboard statistics payload.
type Snapshot struct {
	TotalLogs     int64            `json:"total_logs"`
	LogsToday     int64            `json:"logs_today"`
	ErrorsCount   int64            `json:"errors_count"`
	SensorsActive int64            `json:"sensors_active"`
	ZonesActivity map[string]int64 `json:"zones_activity"`
	Timestamp     time.Time        `json:"timestamp"`
}

// Source is everything the realtime layer reads from telemetry.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Recent(ctx context.Context, limit int) ([]Record, error)
	Since(ctx context.Context, since time.Time, limit int) ([]Record, error)
	// CriticalSince returns critical or high severity alert documents newer than since.
	CriticalSince(ctx context.Context, since time.Time, limit int) ([]Record, error)
}
