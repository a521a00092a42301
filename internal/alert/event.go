package alert

import (
	"time"

	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/telemetry"
)

// ChannelResult is the outcome of delivering one event on one channel.
type ChannelResult struct {
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
	Attempts int    `json:"attempts"`
}

// Aggregate summarises the matched data points.
type Aggregate struct {
	Count   int      `json:"count"`
	Average *float64 `json:"average,omitempty"`
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Zones   []string `json:"zones"`
}

// Event is one trigger of a rule. It is immutable once recorded.
type Event struct {
	ID             string                         `json:"id"`
	RuleID         string                         `json:"rule_id"`
	RuleName       string                         `json:"rule_name"`
	RuleType       rule.Type                      `json:"rule_type"`
	Severity       rule.Severity                  `json:"severity"`
	TriggeredAt    time.Time                      `json:"triggered_at"`
	MatchedCount   int                            `json:"matched_count"`
	Aggregate      Aggregate                      `json:"aggregate"`
	ChannelResults map[rule.Channel]ChannelResult `json:"channel_results"`
	Samples        []telemetry.Record             `json:"samples,omitempty"`
}

// Clone returns a copy that shares no maps, slices or pointers with e.
func (e Event) Clone() Event {
	out := e
	out.Aggregate.Average = cloneFloat(e.Aggregate.Average)
	out.Aggregate.Min = cloneFloat(e.Aggregate.Min)
	out.Aggregate.Max = cloneFloat(e.Aggregate.Max)
	if e.Aggregate.Zones != nil {
		out.Aggregate.Zones = append([]string{}, e.Aggregate.Zones...)
	}
	if e.ChannelResults != nil {
		out.ChannelResults = make(map[rule.Channel]ChannelResult, len(e.ChannelResults))
		for c, r := range e.ChannelResults {
			out.ChannelResults[c] = r
		}
	}
	if e.Samples != nil {
		out.Samples = append([]telemetry.Record{}, e.Samples...)
	}
	return out
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// EventKey keys broker messages by rule so one rule's events stay ordered.
func (e Event) EventKey() string { return e.RuleID }

// Delivered counts successful channels.
func (e Event) Delivered() int {
	n := 0
	for _, r := range e.ChannelResults {
		if r.OK {
			n++
		}
	}
	return n
}
