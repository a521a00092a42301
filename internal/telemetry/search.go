package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"telemetry-alert/internal/config"
	eswrap "telemetry-alert/internal/elasticsearch"
)

// Searcher is the subset of the search client the service needs.
type Searcher interface {
	Search(ctx context.Context, indices []string, body io.Reader) (*eswrap.Response, error)
	Count(ctx context.Context, indices []string, body io.Reader) (*eswrap.Response, error)
}

type Options struct {
	Indices        config.Indices
	TimestampField string
	Location       *time.Location
	MaxPoints      int
}

// Service implements rule queries and dashboard statistics on top of a Searcher.
type Service struct {
	search Searcher
	opts   Options
	now    func() time.Time
}

func NewService(s Searcher, opts Options) *Service {
	if opts.TimestampField == "" {
		opts.TimestampField = "@timestamp"
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.MaxPoints <= 0 {
		opts.MaxPoints = 1000
	}
	return &Service{search: s, opts: opts, now: time.Now}
}

// Query returns matching points, newest first, and the total number of hits.
func (s *Service) Query(ctx context.Context, q Query) (Result, error) {
	size := q.Size
	if size <= 0 || size > s.opts.MaxPoints {
		size = s.opts.MaxPoints
	}
	filters := []any{s.rangeFilter("gte", q.From, "lte", q.To)}
	for field, value := range q.Filters {
		filters = append(filters, map[string]any{"term": map[string]any{field: value}})
	}
	if c := q.Where.clause(); c != nil {
		filters = append(filters, c)
	}
	body := map[string]any{
		"size":             size,
		"sort":             s.sortDesc(),
		"track_total_hits": true,
		"query":            map[string]any{"bool": map[string]any{"filter": filters}},
	}
	points, total, err := s.searchPoints(ctx, []string{s.opts.Indices.All}, body)
	if err != nil {
		return Result{}, err
	}
	if total < len(points) {
		total = len(points)
	}
	return Result{Points: points, Total: total}, nil
}

var rangeOps = map[string]string{">": "gt", "<": "lt", ">=": "gte", "<=": "lte"}

func (p *Predicate) clause() map[string]any {
	if p == nil {
		return nil
	}
	switch {
	case p.Tag != "":
		return map[string]any{"term": map[string]any{"tags": p.Tag}}
	case p.Outside:
		return map[string]any{"bool": map[string]any{
			"should": []any{
				map[string]any{"range": map[string]any{p.Field: map[string]any{"lt": p.Min}}},
				map[string]any{"range": map[string]any{p.Field: map[string]any{"gt": p.Max}}},
			},
			"minimum_should_match": 1,
		}}
	case p.Field == "":
		return nil
	}
	if op, ok := rangeOps[p.Op]; ok {
		return map[string]any{"range": map[string]any{p.Field: map[string]any{op: p.Value}}}
	}
	switch p.Op {
	case "==":
		return map[string]any{"term": map[string]any{p.Field: p.Value}}
	case "!=":
		return map[string]any{"bool": map[string]any{
			"filter":   []any{map[string]any{"exists": map[string]any{"field": p.Field}}},
			"must_not": []any{map[string]any{"term": map[string]any{p.Field: p.Value}}},
		}}
	}
	return nil
}

func (s *Service) Recent(ctx context.Context, limit int) ([]Record, error) {
	body := map[string]any{
		"size":  limit,
		"sort":  s.sortDesc(),
		"query": map[string]any{"match_all": map[string]any{}},
	}
	points, _, err := s.searchPoints(ctx, []string{s.opts.Indices.All}, body)
	if err != nil {
		return nil, err
	}
	return toRecords(points), nil
}

// Since returns up to limit records strictly newer than since.
func (s *Service) Since(ctx context.Context, since time.Time, limit int) ([]Record, error) {
	body := map[string]any{
		"size": limit,
		"sort": s.sortDesc(),
		"query": map[string]any{"bool": map[string]any{"filter": []any{
			map[string]any{"range": map[string]any{s.opts.TimestampField: map[string]any{
				"gt": since.UTC().Format(time.RFC3339Nano),
			}}},
		}}},
	}
	points, _, err := s.searchPoints(ctx, []string{s.opts.Indices.All}, body)
	if err != nil {
		return nil, err
	}
	return toRecords(points), nil
}

// CriticalSince reads the alerts index for critical/high severity documents
// strictly newer than since.
func (s *Service) CriticalSince(ctx context.Context, since time.Time, limit int) ([]Record, error) {
	body := map[string]any{
		"size": limit,
		"sort": s.sortDesc(),
		"query": map[string]any{"bool": map[string]any{"filter": []any{
			map[string]any{"range": map[string]any{s.opts.TimestampField: map[string]any{
				"gt": since.UTC().Format(time.RFC3339Nano),
			}}},
			map[string]any{"terms": map[string]any{"severity": []string{"critical", "high"}}},
		}}},
	}
	points, _, err := s.searchPoints(ctx, []string{s.opts.Indices.Alerts}, body)
	if err != nil {
		return nil, err
	}
	return toRecords(points), nil
}

// Snapshot computes the dashboard statistics.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	now := s.now().In(s.opts.Location)
	indices := []string{s.opts.Indices.Sensors, s.opts.Indices.Alerts}
	snap := Snapshot{Timestamp: now.UTC(), ZonesActivity: map[string]int64{}}

	var err error
	if snap.TotalLogs, err = s.count(ctx, indices, nil); err != nil {
		return Snapshot{}, fmt.Errorf("total logs: %w", err)
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.opts.Location)
	today := map[string]any{"query": map[string]any{"bool": map[string]any{"filter": []any{
		s.rangeFilter("gte", midnight, "", time.Time{}),
	}}}}
	if snap.LogsToday, err = s.count(ctx, indices, today); err != nil {
		return Snapshot{}, fmt.Errorf("logs today: %w", err)
	}

	errorsQuery := map[string]any{"query": map[string]any{"bool": map[string]any{
		"should": []any{
			map[string]any{"terms": map[string]any{"status": []string{"warning", "error"}}},
			map[string]any{"terms": map[string]any{"severity": []string{"critical", "high"}}},
			map[string]any{"term": map[string]any{"tags": "anomaly"}},
		},
		"minimum_should_match": 1,
	}}}
	if snap.ErrorsCount, err = s.count(ctx, indices, errorsQuery); err != nil {
		return Snapshot{}, fmt.Errorf("errors count: %w", err)
	}

	aggs := map[string]any{
		"size": 0,
		"query": map[string]any{"bool": map[string]any{"filter": []any{
			s.rangeFilter("gte", now.Add(-24*time.Hour), "", time.Time{}),
		}}},
		"aggs": map[string]any{
			"sensors": map[string]any{"cardinality": map[string]any{"field": "sensor_id"}},
			"zones":   map[string]any{"terms": map[string]any{"field": "zone", "size": 20}},
		},
	}
	var parsed struct {
		Aggregations struct {
			Sensors struct {
				Value int64 `json:"value"`
			} `json:"sensors"`
			Zones struct {
				Buckets []struct {
					Key      string `json:"key"`
					DocCount int64  `json:"doc_count"`
				} `json:"buckets"`
			} `json:"zones"`
		} `json:"aggregations"`
	}
	if err := s.do(ctx, s.search.Search, indices, aggs, &parsed); err != nil {
		return Snapshot{}, fmt.Errorf("activity aggregation: %w", err)
	}
	snap.SensorsActive = parsed.Aggregations.Sensors.Value
	for _, b := range parsed.Aggregations.Zones.Buckets {
		snap.ZonesActivity[b.Key] = b.DocCount
	}
	return snap, nil
}

func (s *Service) count(ctx context.Context, indices []string, body map[string]any) (int64, error) {
	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := s.do(ctx, s.search.Count, indices, body, &parsed); err != nil {
		return 0, err
	}
	return parsed.Count, nil
}

type call func(ctx context.Context, indices []string, body io.Reader) (*eswrap.Response, error)

func (s *Service) do(ctx context.Context, fn call, indices []string, body map[string]any, out any) error {
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode query: %w", err)
		}
		reader = &buf
	}
	res, err := fn(ctx, indices, reader)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if err := res.Err(); err != nil {
		return err
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (s *Service) searchPoints(ctx context.Context, indices []string, body map[string]any) ([]DataPoint, int, error) {
	var parsed struct {
		Hits struct {
			Total json.RawMessage `json:"total"`
			Hits  []struct {
				Index  string         `json:"_index"`
				ID     string         `json:"_id"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := s.do(ctx, s.search.Search, indices, body, &parsed); err != nil {
		return nil, 0, err
	}
	points := make([]DataPoint, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		doc := h.Source
		if doc == nil {
			doc = make(map[string]any)
		}
		points = append(points, DataPoint{
			ID:        h.ID,
			Index:     h.Index,
			Timestamp: s.timestampOf(doc),
			Fields:    doc,
			Tags:      tagsOf(doc["tags"]),
		})
	}
	return points, totalHits(parsed.Hits.Total), nil
}

// totalHits reads hits.total, an object on ES 7+ and OpenSearch, a bare number before.
func totalHits(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var obj struct {
		Value int `json:"value"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Value
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func (s *Service) rangeFilter(lowOp string, low time.Time, highOp string, high time.Time) map[string]any {
	bounds := map[string]any{lowOp: low.UTC().Format(time.RFC3339Nano)}
	if highOp != "" {
		bounds[highOp] = high.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{"range": map[string]any{s.opts.TimestampField: bounds}}
}

func (s *Service) sortDesc() []map[string]any {
	return []map[string]any{{s.opts.TimestampField: map[string]any{"order": "desc"}}}
}

// timestampLayouts are tried in order; zone-less layouts use the configured location.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
}

// timestampOf returns the document time, or zero when no key parses.
func (s *Service) timestampOf(doc map[string]any) time.Time {
	for _, key := range []string{s.opts.TimestampField, "timestamp", "@timestamp"} {
		switch v := doc[key].(type) {
		case string:
			v = strings.TrimSpace(v)
			for _, layout := range timestampLayouts {
				if t, err := time.ParseInLocation(layout, v, s.opts.Location); err == nil {
					return t
				}
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return epoch(f)
			}
		case float64:
			return epoch(v)
		}
	}
	return time.Time{}
}

// epoch treats values below 1e11 as seconds and the rest as milliseconds.
func epoch(v float64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v < 1e11 {
		sec, frac := math.Modf(v)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return time.UnixMilli(int64(v)).UTC()
}

func tagsOf(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func toRecords(points []DataPoint) []Record {
	out := make([]Record, 0, len(points))
	for _, p := range points {
		out = append(out, RecordFrom(p))
	}
	return out
}
