package subscription

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory subscription store for demo/development.
type MemoryStore struct {
	mu       sync.RWMutex
	byTenant map[string]*Subscription
	payments map[string]string // charge id -> tenant id
}

// NewMemoryStore creates a new in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byTenant: make(map[string]*Subscription),
		payments: make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byTenant[s.TenantID]; exists {
		return ErrAlreadyExists
	}
	m.byTenant[s.TenantID] = s.clone()
	return nil
}

func (m *MemoryStore) GetByTenant(_ context.Context, tenantID string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.byTenant[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, s *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTenant[s.TenantID]; !ok {
		return ErrNotFound
	}
	m.byTenant[s.TenantID] = s.clone()
	return nil
}

func (m *MemoryStore) ApplyPayment(_ context.Context, s *Subscription, chargeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTenant[s.TenantID]; !ok {
		return ErrNotFound
	}
	if _, dup := m.payments[chargeID]; dup {
		return ErrPaymentApplied
	}
	m.payments[chargeID] = s.TenantID
	m.byTenant[s.TenantID] = s.clone()
	return nil
}

func (m *MemoryStore) ListExpiring(_ context.Context, before time.Time, limit int) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Subscription
	for _, s := range m.byTenant {
		if (s.Status == StatusActive || s.Status == StatusTrial) && s.EndDate.Before(before) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndDate.Before(out[j].EndDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
