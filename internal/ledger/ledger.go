// Package ledger owns the system's view of every charge made through a
// payment gateway.
//
// Flow:
//  1. A tenant requests a charge; the active gateway creates it and the
//     ledger records it as pending.
//  2. The gateway later reports a new status, by webhook or by polling.
//  3. The ledger applies the status if the transition table allows it.
//  4. On confirmation the owning subscription is extended once.
package ledger

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/mbd888/pharmahub/internal/gateway"
)

var (
	ErrChargeNotFound      = errors.New("ledger: charge not found")
	ErrDuplicateCharge     = errors.New("ledger: gateway charge already recorded")
	ErrInvalidTransition   = errors.New("ledger: invalid status transition")
	ErrStatusConflict      = errors.New("ledger: charge status changed concurrently")
	ErrInvalidCharge       = errors.New("ledger: invalid charge")
	ErrWebhookUnauthorized = gateway.ErrWebhookUnauthorized
	ErrWebhookMalformed    = gateway.ErrWebhookMalformed
)

// Status is the canonical charge status. The ledger never sees provider
// vocabulary.
type Status = gateway.Status

// Charge is one payment request made through a gateway. Charges are never
// deleted.
type Charge struct {
	ID              string           `json:"id"`
	TenantID        string           `json:"tenantId"`
	AmountCents     int64            `json:"amountCents"`
	Currency        string           `json:"currency"`
	PaymentMethod   gateway.Method   `json:"paymentMethod"`
	Gateway         gateway.Provider `json:"gateway"`
	GatewayChargeID string           `json:"gatewayChargeId"`
	Status          Status           `json:"status"`
	Description     string           `json:"description,omitempty"`
	BillingCycle    string           `json:"billingCycle,omitempty"`
	DueDate         time.Time        `json:"dueDate"`
	PaidAt          *time.Time       `json:"paidAt,omitempty"`

	// SubscriptionAppliedAt is set once the confirmation has extended the
	// owning subscription.
	SubscriptionAppliedAt *time.Time `json:"subscriptionAppliedAt,omitempty"`

	PaymentLink     string          `json:"paymentLink,omitempty"`
	BoletoURL       string          `json:"boletoUrl,omitempty"`
	PixQRCode       string          `json:"pixQrCode,omitempty"`
	PixQRCodeBase64 string          `json:"pixQrCodeBase64,omitempty"`
	RawResponse     json.RawMessage `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var transitions = map[Status][]Status{
	gateway.StatusPending:   {gateway.StatusConfirmed, gateway.StatusOverdue, gateway.StatusCancelled, gateway.StatusFailed},
	gateway.StatusConfirmed: {gateway.StatusRefunded},
}

// CanTransition reports whether a charge may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (c *Charge) clone() *Charge {
	cp := *c
	if c.PaidAt != nil {
		t := *c.PaidAt
		cp.PaidAt = &t
	}
	if c.SubscriptionAppliedAt != nil {
		t := *c.SubscriptionAppliedAt
		cp.SubscriptionAppliedAt = &t
	}
	cp.RawResponse = append(json.RawMessage(nil), c.RawResponse...)
	return &cp
}

// SyncResult reports what applying a gateway status did to a charge.
type SyncResult struct {
	ChargeID             string `json:"chargeId"`
	GatewayChargeID      string `json:"gatewayChargeId"`
	PreviousStatus       Status `json:"previousStatus"`
	NewStatus            Status `json:"newStatus"`
	Updated              bool   `json:"updated"`
	Rejected             bool   `json:"rejected,omitempty"`
	SubscriptionExtended bool   `json:"subscriptionExtended,omitempty"`
}
