// Package usage measures tenants against their plan quotas.
//
// Limits are soft: two concurrent writes can both pass CheckLimit before
// either commits. Dimensions that need a hard bound go through Admit, which
// serialises check-and-act per tenant and dimension.
package usage

import (
	"errors"

	"github.com/mbd888/pharmahub/internal/plans"
)

var (
	ErrQuotaExceeded        = errors.New("usage: quota exceeded")
	ErrSubscriptionInactive = errors.New("usage: subscription is not active")
	ErrUnknownDimension     = errors.New("usage: unknown dimension")
)

// Status classifies how close a dimension is to its limit.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

const (
	warningPercent  = 80
	criticalPercent = 100
)

// Metric is the state of one quota dimension.
type Metric struct {
	Name       plans.Dimension `json:"name"`
	Current    int64           `json:"current"`
	Limit      int64           `json:"limit"`
	Percentage float64         `json:"percentage"`
	Status     Status          `json:"status"`
	Unit       string          `json:"unit"`
}

// Dashboard is a point-in-time usage snapshot of a tenant.
type Dashboard struct {
	PlanID  string           `json:"planId"`
	Limits  map[string]int64 `json:"limits"`
	Usage   map[string]int64 `json:"usage"`
	Metrics []Metric         `json:"metrics"`
}

// Reason explains a refused admission.
type Reason string

const (
	ReasonQuotaExceeded        Reason = "quota_exceeded"
	ReasonSubscriptionInactive Reason = "subscription_inactive"
)

// Check is the outcome of an admission check.
type Check struct {
	Dimension plans.Dimension `json:"dimension"`
	Allowed   bool            `json:"allowed"`
	Current   int64           `json:"current"`
	Limit     int64           `json:"limit"`
	Reason    Reason          `json:"reason,omitempty"`
}

// Err returns the sentinel matching a refused check, or nil.
func (c *Check) Err() error {
	switch c.Reason {
	case ReasonQuotaExceeded:
		return ErrQuotaExceeded
	case ReasonSubscriptionInactive:
		return ErrSubscriptionInactive
	}
	return nil
}

// Classify returns the percentage of limit used and its status. The status
// comes from the exact ratio; the percentage is truncated to one decimal so
// it never reads as a higher band than the status. Unlimited dimensions are
// always ok; a zero limit is always critical.
func Classify(current, limit int64) (float64, Status) {
	if limit == plans.Unlimited {
		return 0, StatusOK
	}
	if limit <= 0 {
		return criticalPercent, StatusCritical
	}
	pct := float64(current*1000/limit) / 10
	switch {
	case current >= limit:
		return pct, StatusCritical
	case current*100 >= warningPercent*limit:
		return pct, StatusWarning
	}
	return pct, StatusOK
}
