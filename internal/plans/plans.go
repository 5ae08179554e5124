// Package plans is the catalog of subscription tiers and their quotas.
package plans

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPlanNotFound = errors.New("plan not found")
	ErrInvalidPlan  = errors.New("invalid plan")
)

// Unlimited is the quota sentinel meaning "no limit".
const Unlimited int64 = -1

// Dimension names a metered quota.
type Dimension string

const (
	DimensionUsers        Dimension = "users"
	DimensionProducts     Dimension = "products"
	DimensionTransactions Dimension = "transactions"
	DimensionStorage      Dimension = "storage"
)

// Dimensions lists the dimensions measured by the usage dashboard, in display order.
var Dimensions = []Dimension{DimensionUsers, DimensionProducts, DimensionTransactions, DimensionStorage}

// Valid reports whether d is a known dimension.
func (d Dimension) Valid() bool {
	for _, known := range Dimensions {
		if d == known {
			return true
		}
	}
	return false
}

// Unit is the display unit of a dimension.
func (d Dimension) Unit() string {
	switch d {
	case DimensionUsers:
		return "users"
	case DimensionProducts:
		return "records"
	case DimensionTransactions:
		return "transactions/month"
	case DimensionStorage:
		return "MB"
	}
	return ""
}

// Quotas holds the numeric limits of a plan. Unlimited (-1) disables a limit.
type Quotas struct {
	MaxUsers               int64 `json:"maxUsers"`
	MaxProducts            int64 `json:"maxProducts"`
	MaxMonthlyTransactions int64 `json:"maxMonthlyTransactions"`
	MaxStorageMB           int64 `json:"maxStorageMb"`
	MaxAPICallsPerMinute   int64 `json:"maxApiCallsPerMinute"`
}

// Limit returns the quota for a dimension.
func (q Quotas) Limit(d Dimension) int64 {
	switch d {
	case DimensionUsers:
		return q.MaxUsers
	case DimensionProducts:
		return q.MaxProducts
	case DimensionTransactions:
		return q.MaxMonthlyTransactions
	case DimensionStorage:
		return q.MaxStorageMB
	}
	return 0
}

// Plan is a named subscription tier.
type Plan struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Quotas            Quotas    `json:"quotas"`
	Features          []string  `json:"features"`
	PriceMonthlyCents int64     `json:"priceMonthlyCents"`
	PriceAnnualCents  int64     `json:"priceAnnualCents"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// HasFeature reports whether the plan enables the named feature flag.
func (p *Plan) HasFeature(name string) bool {
	for _, f := range p.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Validate rejects plans with missing identity, bad quotas or negative prices.
func (p *Plan) Validate() error {
	if p.ID == "" || p.Name == "" {
		return errors.Join(ErrInvalidPlan, errors.New("id and name are required"))
	}
	for _, v := range []int64{p.Quotas.MaxUsers, p.Quotas.MaxProducts, p.Quotas.MaxMonthlyTransactions,
		p.Quotas.MaxStorageMB, p.Quotas.MaxAPICallsPerMinute} {
		if v < Unlimited {
			return errors.Join(ErrInvalidPlan, errors.New("quotas must be >= -1"))
		}
	}
	if p.PriceMonthlyCents < 0 || p.PriceAnnualCents < 0 {
		return errors.Join(ErrInvalidPlan, errors.New("prices must not be negative"))
	}
	return nil
}

func (p *Plan) clone() *Plan {
	cp := *p
	cp.Features = append([]string(nil), p.Features...)
	return &cp
}

// Store persists the plan catalog.
type Store interface {
	Get(ctx context.Context, id string) (*Plan, error)
	List(ctx context.Context) ([]*Plan, error)
	Upsert(ctx context.Context, p *Plan) error
}

// Defaults is the catalog seeded into an empty store.
func Defaults() []*Plan {
	return []*Plan{
		{
			ID:   "starter",
			Name: "Starter",
			Quotas: Quotas{
				MaxUsers: 3, MaxProducts: 1000, MaxMonthlyTransactions: 500,
				MaxStorageMB: 1024, MaxAPICallsPerMinute: 60,
			},
			Features:          []string{"inventory", "sales"},
			PriceMonthlyCents: 19900,
			PriceAnnualCents:  199000,
		},
		{
			ID:   "professional",
			Name: "Professional",
			Quotas: Quotas{
				MaxUsers: 10, MaxProducts: 10000, MaxMonthlyTransactions: 5000,
				MaxStorageMB: 10240, MaxAPICallsPerMinute: 300,
			},
			Features:          []string{"inventory", "sales", "fiscal", "reports"},
			PriceMonthlyCents: 49900,
			PriceAnnualCents:  499000,
		},
		{
			ID:   "enterprise",
			Name: "Enterprise",
			Quotas: Quotas{
				MaxUsers: Unlimited, MaxProducts: Unlimited, MaxMonthlyTransactions: Unlimited,
				MaxStorageMB: 102400, MaxAPICallsPerMinute: 1200,
			},
			Features:          []string{"inventory", "sales", "fiscal", "reports", "regulatory", "api"},
			PriceMonthlyCents: 149900,
			PriceAnnualCents:  1499000,
		},
	}
}
