package tenant

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists tenants in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed tenant store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const tenantColumns = `id, tax_id, name, status, db_name, db_user, db_password_enc, plan_id,
	subscription_status, subscription_end_date, modules, gateway, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *Tenant) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO tenants (id, tax_id, name, status, db_name, db_user, db_password_enc, plan_id,
			subscription_status, subscription_end_date, modules, gateway, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		t.ID, t.TaxID, t.Name, string(t.Status), t.Database.Name, t.Database.User, t.Database.PasswordEnc,
		t.PlanID, t.SubscriptionStatus, nullTime(t.SubscriptionEndDate), pq.Array(t.Modules), t.Gateway,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrTaxIDTaken
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (p *PostgresStore) GetByTaxID(ctx context.Context, taxID string) (*Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tax_id = $1`, taxID))
}

func (p *PostgresStore) Update(ctx context.Context, t *Tenant) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, status = $2, db_name = $3, db_user = $4, db_password_enc = $5,
			plan_id = $6, modules = $7, gateway = $8, updated_at = $9
		WHERE id = $10`,
		t.Name, string(t.Status), t.Database.Name, t.Database.User, t.Database.PasswordEnc,
		t.PlanID, pq.Array(t.Modules), t.Gateway, t.UpdatedAt, t.ID,
	)
	return expectOneRow(result, err)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return expectOneRow(result, err)
}

func (p *PostgresStore) UpdateSubscriptionCache(ctx context.Context, id, planID, status string, endDate time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE tenants SET plan_id = COALESCE(NULLIF($1, ''), plan_id),
			subscription_status = $2, subscription_end_date = $3, updated_at = NOW()
		WHERE id = $4`, planID, status, endDate, id)
	return expectOneRow(result, err)
}

func (p *PostgresStore) List(ctx context.Context, limit, offset int) ([]*Tenant, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tenantColumns+` FROM tenants
		ORDER BY created_at
		LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTenant(s scanner) (*Tenant, error) {
	t := &Tenant{}
	var (
		status  string
		endDate sql.NullTime
		modules pq.StringArray
	)
	err := s.Scan(&t.ID, &t.TaxID, &t.Name, &status, &t.Database.Name, &t.Database.User,
		&t.Database.PasswordEnc, &t.PlanID, &t.SubscriptionStatus, &endDate, &modules, &t.Gateway,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.Modules = []string(modules)
	if endDate.Valid {
		end := endDate.Time
		t.SubscriptionEndDate = &end
	}
	return t, nil
}

func expectOneRow(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTenantNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
