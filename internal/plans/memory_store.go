package plans

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory plan catalog for demo/development mode.
type MemoryStore struct {
	mu    sync.RWMutex
	plans map[string]*Plan
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a catalog seeded with Defaults.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{plans: make(map[string]*Plan)}
	now := time.Now()
	for _, p := range Defaults() {
		p.CreatedAt, p.UpdatedAt = now, now
		m.plans[p.ID] = p
	}
	return m
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return p.clone(), nil
}

func (m *MemoryStore) List(_ context.Context) ([]*Plan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PriceMonthlyCents < out[j].PriceMonthlyCents })
	return out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	cp := p.clone()
	if existing, ok := m.plans[p.ID]; ok {
		cp.CreatedAt = existing.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.plans[p.ID] = cp
	return nil
}
