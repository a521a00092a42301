package alert

import (
	"sort"
	"time"

	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/telemetry"
)

// Match holds the points that satisfied a rule and their numeric values.
// Total counts every matching document, including those beyond the page.
type Match struct {
	Points []telemetry.DataPoint
	Values []float64
	Newest time.Time
	Total  int
}

// Predicate translates the rule condition into a backend query predicate.
func Predicate(r rule.AlertRule) *telemetry.Predicate {
	p := r.Parameters
	switch {
	case r.Type == rule.TypeThreshold && p.Threshold != nil:
		return &telemetry.Predicate{Field: r.Field, Op: string(p.Threshold.Operator), Value: p.Threshold.Limit}
	case r.Type == rule.TypeRange && p.Range != nil:
		return &telemetry.Predicate{Field: r.Field, Outside: true, Min: p.Range.Min, Max: p.Range.Max}
	case r.Type == rule.TypePattern && p.Pattern != nil:
		return &telemetry.Predicate{Field: r.Field, Tag: p.Pattern.Tag}
	}
	return nil
}

// Evaluate applies the rule's condition to points. An empty input never
// matches, and points without a parseable timestamp are ignored.
func Evaluate(r rule.AlertRule, points []telemetry.DataPoint) (Match, bool) {
	m, ok := evaluate(r, points)
	m.Total = len(m.Points)
	return m, ok
}

// evaluateResult evaluates a page and accounts for matches beyond it.
// Only pattern rules depend on the count; threshold and range need one point.
func evaluateResult(r rule.AlertRule, res telemetry.Result) (Match, bool) {
	m, ok := Evaluate(r, res.Points)
	if extra := res.Total - len(res.Points); extra > 0 && len(m.Points) > 0 {
		m.Total += extra
		if r.Type == rule.TypePattern {
			ok = m.Total >= r.Parameters.Pattern.MinCount
		}
	}
	return m, ok
}

func evaluate(r rule.AlertRule, points []telemetry.DataPoint) (Match, bool) {
	var m Match
	dated := points[:0:0]
	for _, pt := range points {
		if !pt.Timestamp.IsZero() {
			dated = append(dated, pt)
		}
	}
	points = dated
	if len(points) == 0 {
		return m, false
	}
	p := r.Parameters
	switch r.Type {
	case rule.TypeThreshold:
		for _, pt := range points {
			v, ok := pt.Number(r.Field)
			if ok && p.Threshold.Operator.Compare(v, p.Threshold.Limit) {
				m.add(pt, v, true)
			}
		}
		return m, len(m.Points) > 0
	case rule.TypeRange:
		for _, pt := range points {
			v, ok := pt.Number(r.Field)
			if ok && (v < p.Range.Min || v > p.Range.Max) {
				m.add(pt, v, true)
			}
		}
		return m, len(m.Points) > 0
	case rule.TypePattern:
		for _, pt := range points {
			if !pt.HasTag(p.Pattern.Tag) {
				continue
			}
			v, ok := 0.0, false
			if r.Field != "" {
				v, ok = pt.Number(r.Field)
			}
			m.add(pt, v, ok)
		}
		return m, len(m.Points) >= p.Pattern.MinCount
	}
	return m, false
}

func (m *Match) add(pt telemetry.DataPoint, v float64, hasValue bool) {
	m.Points = append(m.Points, pt)
	if hasValue {
		m.Values = append(m.Values, v)
	}
	if pt.Timestamp.After(m.Newest) {
		m.Newest = pt.Timestamp
	}
}

// Aggregate computes the event aggregate for the match.
func (m Match) Aggregate() Aggregate {
	count := m.Total
	if count < len(m.Points) {
		count = len(m.Points)
	}
	agg := Aggregate{Count: count, Zones: []string{}}
	if len(m.Values) > 0 {
		sum, lo, hi := 0.0, m.Values[0], m.Values[0]
		for _, v := range m.Values {
			sum += v
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
		avg := sum / float64(len(m.Values))
		agg.Average, agg.Min, agg.Max = &avg, &lo, &hi
	}
	seen := map[string]struct{}{}
	for _, pt := range m.Points {
		z := pt.Text("zone")
		if z == "" {
			continue
		}
		if _, ok := seen[z]; !ok {
			seen[z] = struct{}{}
			agg.Zones = append(agg.Zones, z)
		}
	}
	sort.Strings(agg.Zones)
	return agg
}

// Samples returns up to n matched points, newest first.
func (m Match) Samples(n int) []telemetry.Record {
	pts := append([]telemetry.DataPoint(nil), m.Points...)
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].Timestamp.After(pts[j].Timestamp) })
	if len(pts) > n {
		pts = pts[:n]
	}
	out := make([]telemetry.Record, 0, len(pts))
	for _, p := range pts {
		out = append(out, telemetry.RecordFrom(p))
	}
	return out
}
