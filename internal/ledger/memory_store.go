package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/pharmahub/internal/gateway"
)

// MemoryStore is an in-memory Store for demo/development mode.
type MemoryStore struct {
	mu      sync.RWMutex
	charges map[string]*Charge
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory charge store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{charges: make(map[string]*Charge)}
}

func (m *MemoryStore) Create(_ context.Context, c *Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.charges {
		if existing.Gateway == c.Gateway && existing.GatewayChargeID == c.GatewayChargeID {
			return ErrDuplicateCharge
		}
	}
	now := time.Now()
	cp := c.clone()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.charges[c.ID] = cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.charges[id]
	if !ok {
		return nil, ErrChargeNotFound
	}
	return c.clone(), nil
}

func (m *MemoryStore) GetByGatewayChargeID(_ context.Context, provider gateway.Provider, gatewayChargeID string) (*Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.charges {
		if c.GatewayChargeID == gatewayChargeID && (provider == "" || c.Gateway == provider) {
			return c.clone(), nil
		}
	}
	return nil, ErrChargeNotFound
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status, paidAt *time.Time, raw json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.charges[id]
	if !ok {
		return ErrChargeNotFound
	}
	if c.Status != from {
		return ErrStatusConflict
	}
	c.Status = to
	if paidAt != nil {
		t := *paidAt
		c.PaidAt = &t
	}
	if len(raw) > 0 {
		c.RawResponse = append(json.RawMessage(nil), raw...)
	}
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) MarkSubscriptionApplied(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.charges[id]
	if !ok {
		return ErrChargeNotFound
	}
	c.SubscriptionAppliedAt = &at
	c.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListByTenant(_ context.Context, tenantID string, limit, offset int) ([]*Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Charge
	for _, c := range m.charges {
		if c.TenantID == tenantID {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []*Charge{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPending(_ context.Context, createdBefore time.Time, limit int) ([]*Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Charge
	for _, c := range m.charges {
		if c.Status == gateway.StatusPending && c.CreatedAt.Before(createdBefore) {
			out = append(out, c.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
