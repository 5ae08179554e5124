// Package tenant is the directory of distributors and pharmacies served by
// the platform. Each tenant owns an isolated database whose credentials are
// stored here, encrypted.
package tenant

import (
	"errors"
	"time"
)

// Errors
var (
	ErrTenantNotFound = errors.New("tenant: not found")
	ErrTaxIDTaken     = errors.New("tenant: tax id already registered")
	ErrInvalidTenant  = errors.New("tenant: invalid tenant")
)

// Status represents a tenant's operational state. Tenants are never deleted;
// they are deactivated.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// DatabaseRef points at the tenant's isolated database.
type DatabaseRef struct {
	Name        string `json:"name"`
	User        string `json:"user"`
	PasswordEnc string `json:"-"`
}

// Tenant represents one distributor or pharmacy.
type Tenant struct {
	ID       string      `json:"id"`
	TaxID    string      `json:"taxId"`
	Name     string      `json:"name"`
	Status   Status      `json:"status"`
	Database DatabaseRef `json:"database"`
	PlanID   string      `json:"planId"`

	// Denormalized from the subscription for fast gating. Written only by
	// the subscription lifecycle.
	SubscriptionStatus  string     `json:"subscriptionStatus,omitempty"`
	SubscriptionEndDate *time.Time `json:"subscriptionEndDate,omitempty"`

	Modules []string `json:"modules"`
	// Gateway overrides the globally active payment gateway when set.
	Gateway string `json:"gateway,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsActive reports whether requests may be routed to this tenant.
func (t *Tenant) IsActive() bool {
	return t.Status == StatusActive
}

// HasModule reports whether an optional module is enabled.
func (t *Tenant) HasModule(name string) bool {
	for _, m := range t.Modules {
		if m == name {
			return true
		}
	}
	return false
}

func (t *Tenant) clone() *Tenant {
	cp := *t
	cp.Modules = append([]string(nil), t.Modules...)
	if t.SubscriptionEndDate != nil {
		end := *t.SubscriptionEndDate
		cp.SubscriptionEndDate = &end
	}
	return &cp
}
