package rule

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store owns the lifecycle of alert rules.
type Store interface {
	ListActive(ctx context.Context) ([]AlertRule, error)
	List(ctx context.Context) ([]AlertRule, error)
	Get(ctx context.Context, id string) (AlertRule, error)
	// Save creates the rule when ID is empty or unknown, otherwise replaces it.
	// Trigger statistics and CreatedAt are never overwritten by Save.
	Save(ctx context.Context, r *AlertRule) error
	Delete(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	UpdateTriggerStats(ctx context.Context, id string, at time.Time) error
}

// SortForEvaluation orders rules by priority (desc) then name.
func SortForEvaluation(rules []AlertRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
}

// PrepareSave validates r and fills the identity and timestamps a store assigns.
func PrepareSave(r *AlertRule, existing *AlertRule, now time.Time) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if existing != nil {
		r.CreatedAt = existing.CreatedAt
		r.LastTriggeredAt = existing.LastTriggeredAt
		r.TriggerCount = existing.TriggerCount
	} else {
		r.CreatedAt = now
		r.LastTriggeredAt = nil
		r.TriggerCount = 0
	}
	r.UpdatedAt = now
	return nil
}

type MemoryStore struct {
	mu    sync.RWMutex
	rules map[string]AlertRule
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rules: make(map[string]AlertRule), now: time.Now}
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AlertRule, 0, len(s.rules))
	for _, r := range s.rules {
		if r.Enabled {
			out = append(out, clone(r))
		}
	}
	SortForEvaluation(out)
	return out, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AlertRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, clone(r))
	}
	SortForEvaluation(out)
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (AlertRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return AlertRule{}, ErrNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) Save(ctx context.Context, r *AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var existing *AlertRule
	if cur, ok := s.rules[r.ID]; ok && r.ID != "" {
		existing = &cur
	}
	for id, other := range s.rules {
		if other.Name == r.Name && id != r.ID {
			return ErrConflict
		}
	}
	if err := PrepareSave(r, existing, s.now().UTC()); err != nil {
		return err
	}
	s.rules[r.ID] = clone(*r)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.Enabled = enabled
	if err := r.Validate(); err != nil {
		return err
	}
	r.UpdatedAt = s.now().UTC()
	s.rules[id] = r
	return nil
}

func (s *MemoryStore) UpdateTriggerStats(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return ErrNotFound
	}
	t := at
	r.LastTriggeredAt = &t
	r.TriggerCount++
	s.rules[id] = r
	return nil
}

func clone(r AlertRule) AlertRule {
	if r.Filters != nil {
		f := make(map[string]string, len(r.Filters))
		for k, v := range r.Filters {
			f[k] = v
		}
		r.Filters = f
	}
	if r.Targets != nil {
		t := make(map[Channel]string, len(r.Targets))
		for k, v := range r.Targets {
			t[k] = v
		}
		r.Targets = t
	}
	r.Channels = append([]Channel(nil), r.Channels...)
	p := r.Parameters
	if p.Threshold != nil {
		v := *p.Threshold
		p.Threshold = &v
	}
	if p.Range != nil {
		v := *p.Range
		p.Range = &v
	}
	if p.Pattern != nil {
		v := *p.Pattern
		p.Pattern = &v
	}
	r.Parameters = p
	if r.LastTriggeredAt != nil {
		t := *r.LastTriggeredAt
		r.LastTriggeredAt = &t
	}
	return r
}
