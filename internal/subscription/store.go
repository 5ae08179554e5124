package subscription

import (
	"context"
	"time"
)

// Store persists subscriptions. There is at most one per tenant.
type Store interface {
	Create(ctx context.Context, s *Subscription) error
	GetByTenant(ctx context.Context, tenantID string) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error

	// ApplyPayment persists s and records chargeID as applied in one write.
	// It returns ErrPaymentApplied, leaving s unpersisted, when chargeID was
	// recorded before.
	ApplyPayment(ctx context.Context, s *Subscription, chargeID string) error

	// ListExpiring returns trial/active subscriptions whose EndDate is
	// before the given instant.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Subscription, error)
}
