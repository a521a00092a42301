package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"
)

type mapCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttl  time.Duration
}

func (m *mapCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	return v, nil
}

func (m *mapCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.ttl = ttl
	return nil
}

type countingSource struct {
	Source
	calls int
}

func (c *countingSource) Snapshot(ctx context.Context) (Snapshot, error) {
	c.calls++
	return Snapshot{TotalLogs: int64(100 + c.calls), ZonesActivity: map[string]int64{"A": 1}}, nil
}

func TestCachedStatsServesFromCache(t *testing.T) {
	src := &countingSource{}
	cache := &mapCache{data: map[string][]byte{}}
	cs := NewCachedStats(src, cache, 5*time.Second)

	first, err := cs.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	second, _ := cs.Snapshot(context.Background())
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1", src.calls)
	}
	if first.TotalLogs != second.TotalLogs || second.ZonesActivity["A"] != 1 {
		t.Errorf("cached snapshot = %+v, want %+v", second, first)
	}
	if cache.ttl != 5*time.Second {
		t.Errorf("ttl = %v", cache.ttl)
	}
	if _, ok := cache.data[statsCacheKey]; !ok {
		t.Errorf("cache key %q not written", statsCacheKey)
	}
}
