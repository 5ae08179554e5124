package gateway

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrSettingsNotFound means no settings are stored for a provider.
var ErrSettingsNotFound = errors.New("gateway: settings not found")

// Settings are provider credentials as stored, encrypted at rest.
type Settings struct {
	Provider        Provider
	APIKeyEnc       string
	WebhookTokenEnc string
	Sandbox         bool
	UpdatedAt       time.Time
}

// SettingsStore persists provider settings and the active provider choice.
type SettingsStore interface {
	Get(ctx context.Context, p Provider) (*Settings, error)
	List(ctx context.Context) ([]*Settings, error)
	Upsert(ctx context.Context, s *Settings) error
	GetActive(ctx context.Context) (Provider, error)
	SetActive(ctx context.Context, p Provider) error
}

// MemorySettingsStore is an in-memory SettingsStore for demo/development mode.
type MemorySettingsStore struct {
	mu       sync.RWMutex
	settings map[Provider]*Settings
	active   Provider
}

var _ SettingsStore = (*MemorySettingsStore)(nil)

func NewMemorySettingsStore() *MemorySettingsStore {
	return &MemorySettingsStore{settings: make(map[Provider]*Settings)}
}

func (m *MemorySettingsStore) Get(_ context.Context, p Provider) (*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.settings[p]
	if !ok {
		return nil, ErrSettingsNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemorySettingsStore) List(_ context.Context) ([]*Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Settings, 0, len(m.settings))
	for _, s := range m.settings {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *MemorySettingsStore) Upsert(_ context.Context, s *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.UpdatedAt = time.Now()
	m.settings[s.Provider] = &cp
	return nil
}

func (m *MemorySettingsStore) GetActive(_ context.Context) (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == "" {
		return "", ErrSettingsNotFound
	}
	return m.active, nil
}

func (m *MemorySettingsStore) SetActive(_ context.Context, p Provider) error {
	m.mu.Lock()
	m.active = p
	m.mu.Unlock()
	return nil
}
