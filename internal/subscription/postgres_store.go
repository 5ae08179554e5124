package subscription

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists subscriptions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed subscription store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const subscriptionColumns = `id, tenant_id, plan_id, status, billing_cycle, auto_renew, start_date, end_date,
	cancelled_at, cancel_reason, suspend_reason, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, s *Subscription) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, tenant_id, plan_id, status, billing_cycle, auto_renew,
			start_date, end_date, cancelled_at, cancel_reason, suspend_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID, s.TenantID, s.PlanID, string(s.Status), string(s.BillingCycle), s.AutoRenew,
		s.StartDate, s.EndDate, nullTime(s.CancelledAt), s.CancelReason, s.SuspendReason,
		s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) GetByTenant(ctx context.Context, tenantID string) (*Subscription, error) {
	return scanSubscription(p.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`, tenantID))
}

func (p *PostgresStore) Update(ctx context.Context, s *Subscription) error {
	return updateSubscription(ctx, p.db, s)
}

// ApplyPayment claims chargeID in subscription_payments and updates the row
// in the same transaction.
func (p *PostgresStore) ApplyPayment(ctx context.Context, s *Subscription, chargeID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO subscription_payments (charge_id, tenant_id, applied_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (charge_id) DO NOTHING`,
		chargeID, s.TenantID, s.UpdatedAt,
	)
	if err != nil {
		return err
	}
	claimed, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if claimed == 0 {
		return ErrPaymentApplied
	}
	if err := updateSubscription(ctx, tx, s); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateSubscription(ctx context.Context, db execer, s *Subscription) error {
	result, err := db.ExecContext(ctx, `
		UPDATE subscriptions SET plan_id = $1, status = $2, billing_cycle = $3, auto_renew = $4,
			end_date = $5, cancelled_at = $6, cancel_reason = $7, suspend_reason = $8, updated_at = $9
		WHERE tenant_id = $10`,
		s.PlanID, string(s.Status), string(s.BillingCycle), s.AutoRenew, s.EndDate,
		nullTime(s.CancelledAt), s.CancelReason, s.SuspendReason, s.UpdatedAt, s.TenantID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('trial', 'active') AND end_date < $1
		ORDER BY end_date
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscription(sc scanner) (*Subscription, error) {
	s := &Subscription{}
	var (
		status, cycle string
		cancelledAt   sql.NullTime
	)
	err := sc.Scan(&s.ID, &s.TenantID, &s.PlanID, &status, &cycle, &s.AutoRenew, &s.StartDate,
		&s.EndDate, &cancelledAt, &s.CancelReason, &s.SuspendReason, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.BillingCycle = BillingCycle(cycle)
	if cancelledAt.Valid {
		at := cancelledAt.Time
		s.CancelledAt = &at
	}
	return s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
