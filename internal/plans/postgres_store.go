package plans

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists the plan catalog in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed plan store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Seed inserts the default catalog, leaving existing rows untouched.
func (p *PostgresStore) Seed(ctx context.Context) error {
	for _, plan := range Defaults() {
		_, err := p.db.ExecContext(ctx, `
			INSERT INTO plans (id, name, max_users, max_products, max_monthly_transactions,
				max_storage_mb, max_api_calls_per_minute, features, price_monthly_cents, price_annual_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			plan.ID, plan.Name, plan.Quotas.MaxUsers, plan.Quotas.MaxProducts,
			plan.Quotas.MaxMonthlyTransactions, plan.Quotas.MaxStorageMB, plan.Quotas.MaxAPICallsPerMinute,
			pq.Array(plan.Features), plan.PriceMonthlyCents, plan.PriceAnnualCents,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

const planColumns = `id, name, max_users, max_products, max_monthly_transactions,
	max_storage_mb, max_api_calls_per_minute, features, price_monthly_cents, price_annual_cents,
	created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Plan, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPlanNotFound
	}
	return plan, err
}

func (p *PostgresStore) List(ctx context.Context) ([]*Plan, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY price_monthly_cents`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Upsert(ctx context.Context, plan *Plan) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO plans (id, name, max_users, max_products, max_monthly_transactions,
			max_storage_mb, max_api_calls_per_minute, features, price_monthly_cents, price_annual_cents)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			max_users = EXCLUDED.max_users,
			max_products = EXCLUDED.max_products,
			max_monthly_transactions = EXCLUDED.max_monthly_transactions,
			max_storage_mb = EXCLUDED.max_storage_mb,
			max_api_calls_per_minute = EXCLUDED.max_api_calls_per_minute,
			features = EXCLUDED.features,
			price_monthly_cents = EXCLUDED.price_monthly_cents,
			price_annual_cents = EXCLUDED.price_annual_cents,
			updated_at = NOW()`,
		plan.ID, plan.Name, plan.Quotas.MaxUsers, plan.Quotas.MaxProducts,
		plan.Quotas.MaxMonthlyTransactions, plan.Quotas.MaxStorageMB, plan.Quotas.MaxAPICallsPerMinute,
		pq.Array(plan.Features), plan.PriceMonthlyCents, plan.PriceAnnualCents,
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(s scanner) (*Plan, error) {
	var plan Plan
	var features pq.StringArray
	err := s.Scan(&plan.ID, &plan.Name, &plan.Quotas.MaxUsers, &plan.Quotas.MaxProducts,
		&plan.Quotas.MaxMonthlyTransactions, &plan.Quotas.MaxStorageMB, &plan.Quotas.MaxAPICallsPerMinute,
		&features, &plan.PriceMonthlyCents, &plan.PriceAnnualCents, &plan.CreatedAt, &plan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	plan.Features = []string(features)
	return &plan, nil
}
