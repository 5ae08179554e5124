package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mbd888/pharmahub/internal/gateway"
)

// Store persists charges.
type Store interface {
	Create(ctx context.Context, c *Charge) error
	Get(ctx context.Context, id string) (*Charge, error)
	// GetByGatewayChargeID finds a charge by the provider's id. An empty
	// provider matches any provider.
	GetByGatewayChargeID(ctx context.Context, provider gateway.Provider, gatewayChargeID string) (*Charge, error)
	// UpdateStatus moves a charge from one status to another and fails with
	// ErrStatusConflict if the stored status is no longer from.
	UpdateStatus(ctx context.Context, id string, from, to Status, paidAt *time.Time, raw json.RawMessage) error
	MarkSubscriptionApplied(ctx context.Context, id string, at time.Time) error
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Charge, error)
	// ListPending returns pending charges created before the cutoff, oldest first.
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Charge, error)
}
