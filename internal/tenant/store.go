package tenant

import (
	"context"
	"time"
)

// Store persists tenant data.
type Store interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id string) (*Tenant, error)
	GetByTaxID(ctx context.Context, taxID string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	// Delete removes a tenant that never finished provisioning.
	Delete(ctx context.Context, id string) error
	UpdateSubscriptionCache(ctx context.Context, id, planID, status string, endDate time.Time) error
	List(ctx context.Context, limit, offset int) ([]*Tenant, error)
}
