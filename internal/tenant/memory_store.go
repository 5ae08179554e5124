package tenant

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory tenant store for demo/development.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by ID
	taxIDs  map[string]string  // taxID → ID
}

// NewMemoryStore creates a new in-memory tenant store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		taxIDs:  make(map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.taxIDs[t.TaxID]; exists {
		return ErrTaxIDTaken
	}
	m.tenants[t.ID] = t.clone()
	m.taxIDs[t.TaxID] = t.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return t.clone(), nil
}

func (m *MemoryStore) GetByTaxID(_ context.Context, taxID string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.taxIDs[taxID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return m.tenants[id].clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.tenants[t.ID]
	if !ok {
		return ErrTenantNotFound
	}
	cp := t.clone()
	// Tax id is immutable; cache fields belong to the subscription lifecycle.
	cp.TaxID = existing.TaxID
	cp.SubscriptionStatus = existing.SubscriptionStatus
	cp.SubscriptionEndDate = existing.SubscriptionEndDate
	m.tenants[t.ID] = cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	delete(m.taxIDs, t.TaxID)
	delete(m.tenants, id)
	return nil
}

func (m *MemoryStore) UpdateSubscriptionCache(_ context.Context, id, planID, status string, endDate time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return ErrTenantNotFound
	}
	if planID != "" {
		t.PlanID = planID
	}
	t.SubscriptionStatus = status
	end := endDate
	t.SubscriptionEndDate = &end
	t.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) List(_ context.Context, limit, offset int) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })

	if offset >= len(all) {
		return []*Tenant{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	out := make([]*Tenant, len(all))
	for i, t := range all {
		out[i] = t.clone()
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
