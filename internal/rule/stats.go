package rule

import "sort"

// Summary is the global view over every stored rule.
type Summary struct {
	Total        int              `json:"total"`
	Enabled      int              `json:"enabled"`
	Disabled     int              `json:"disabled"`
	BySeverity   map[Severity]int `json:"by_severity"`
	TopTriggered []TopEntry       `json:"top_triggered"`
}

type TopEntry struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TriggerCount int64  `json:"trigger_count"`
}

const topTriggered = 5

func Summarize(rules []AlertRule) Summary {
	s := Summary{BySeverity: make(map[Severity]int)}
	var fired []AlertRule
	for _, r := range rules {
		s.Total++
		if r.Enabled {
			s.Enabled++
		} else {
			s.Disabled++
		}
		s.BySeverity[r.Severity]++
		if r.TriggerCount > 0 {
			fired = append(fired, r)
		}
	}
	sort.SliceStable(fired, func(i, j int) bool { return fired[i].TriggerCount > fired[j].TriggerCount })
	if len(fired) > topTriggered {
		fired = fired[:topTriggered]
	}
	s.TopTriggered = make([]TopEntry, 0, len(fired))
	for _, r := range fired {
		s.TopTriggered = append(s.TopTriggered, TopEntry{ID: r.ID, Name: r.Name, TriggerCount: r.TriggerCount})
	}
	return s
}
