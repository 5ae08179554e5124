// Package subscription implements the per-tenant subscription lifecycle.
//
// A subscription's EndDate is the only authority on time-based expiry: the
// persisted Status may lag behind it until the sweep runs, so every gating
// read goes through EffectiveStatus.
package subscription

import (
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("subscription: not found")
	ErrAlreadyExists = errors.New("subscription: tenant already has a subscription")
	ErrInvalidState  = errors.New("subscription: invalid state for operation")
	ErrInvalidMonths = errors.New("subscription: months must be between 1 and 36")
	ErrInvalidCycle  = errors.New("subscription: billing cycle must be monthly or annual")
	ErrPlanNotFound  = errors.New("subscription: plan not found")

	// ErrPaymentApplied means the charge already extended this subscription.
	ErrPaymentApplied = errors.New("subscription: payment already applied")
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// BillingCycle is the charging period.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// Valid reports whether c is a known billing cycle.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleAnnual
}

// Months is the number of months one cycle covers.
func (c BillingCycle) Months() int {
	if c == CycleAnnual {
		return 12
	}
	return 1
}

// ExpiringSoonWindow is how close to EndDate a subscription is flagged.
const ExpiringSoonWindow = 7 * 24 * time.Hour

// Subscription binds a tenant to a plan for a period.
type Subscription struct {
	ID            string       `json:"id"`
	TenantID      string       `json:"tenantId"`
	PlanID        string       `json:"planId"`
	Status        Status       `json:"status"`
	BillingCycle  BillingCycle `json:"billingCycle"`
	AutoRenew     bool         `json:"autoRenew"`
	StartDate     time.Time    `json:"startDate"`
	EndDate       time.Time    `json:"endDate"`
	CancelledAt   *time.Time   `json:"cancelledAt,omitempty"`
	CancelReason  string       `json:"cancelReason,omitempty"`
	SuspendReason string       `json:"suspendReason,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// EffectiveStatus is the status gating logic must use. A trial or active
// subscription whose EndDate has passed is expired regardless of what is
// persisted.
func (s *Subscription) EffectiveStatus(now time.Time) Status {
	if (s.Status == StatusActive || s.Status == StatusTrial) && s.EndDate.Before(now) {
		return StatusExpired
	}
	return s.Status
}

// Usable reports whether the tenant may perform billable writes.
func (s *Subscription) Usable(now time.Time) bool {
	switch s.EffectiveStatus(now) {
	case StatusActive, StatusTrial:
		return true
	}
	return false
}

// extendFrom returns the end date after adding months to the later of now
// and the current end date.
func (s *Subscription) extendFrom(now time.Time, months int) time.Time {
	base := s.EndDate
	if now.After(base) {
		base = now
	}
	return base.AddDate(0, months, 0)
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	if s.CancelledAt != nil {
		at := *s.CancelledAt
		cp.CancelledAt = &at
	}
	return &cp
}
