package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/pharmahub/internal/gateway"
)

// PostgresStore persists charges in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed charge store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const chargeColumns = `id, tenant_id, amount_cents, currency, payment_method, gateway, gateway_charge_id,
	status, description, billing_cycle, due_date, paid_at, subscription_applied_at,
	payment_link, boleto_url, pix_qr_code, pix_qr_code_base64, raw_response, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, c *Charge) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO charges (id, tenant_id, amount_cents, currency, payment_method, gateway, gateway_charge_id,
			status, description, billing_cycle, due_date, payment_link, boleto_url, pix_qr_code,
			pix_qr_code_base64, raw_response, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())`,
		c.ID, c.TenantID, c.AmountCents, c.Currency, string(c.PaymentMethod), string(c.Gateway), c.GatewayChargeID,
		string(c.Status), c.Description, c.BillingCycle, c.DueDate, c.PaymentLink, c.BoletoURL, c.PixQRCode,
		c.PixQRCodeBase64, nullJSON(c.RawResponse),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateCharge
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Charge, error) {
	return expectOne(scanCharge(p.db.QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id = $1`, id)))
}

func (p *PostgresStore) GetByGatewayChargeID(ctx context.Context, provider gateway.Provider, gatewayChargeID string) (*Charge, error) {
	return expectOne(scanCharge(p.db.QueryRowContext(ctx, `
		SELECT `+chargeColumns+` FROM charges
		WHERE gateway_charge_id = $1 AND ($2 = '' OR gateway = $2)
		ORDER BY created_at LIMIT 1`,
		gatewayChargeID, string(provider),
	)))
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, paidAt *time.Time, raw json.RawMessage) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE charges SET status = $1,
			paid_at = COALESCE($2, paid_at),
			raw_response = COALESCE($3::JSONB, raw_response),
			updated_at = NOW()
		WHERE id = $4 AND status = $5`,
		string(to), nullTime(paidAt), nullJSON(raw), id, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 1 {
		return nil
	}

	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM charges WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrChargeNotFound
	}
	return ErrStatusConflict
}

func (p *PostgresStore) MarkSubscriptionApplied(ctx context.Context, id string, at time.Time) error {
	result, err := p.db.ExecContext(ctx,
		`UPDATE charges SET subscription_applied_at = $1, updated_at = NOW() WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return ErrChargeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Charge, error) {
	return p.list(ctx, `
		SELECT `+chargeColumns+` FROM charges WHERE tenant_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset,
	)
}

func (p *PostgresStore) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Charge, error) {
	return p.list(ctx, `
		SELECT `+chargeColumns+` FROM charges WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at LIMIT $2`,
		createdBefore, limit,
	)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Charge, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Charge{}
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCharge(row scanner) (*Charge, error) {
	var (
		c                        Charge
		method, provider, status string
		paidAt, appliedAt        sql.NullTime
		raw                      []byte
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.AmountCents, &c.Currency, &method, &provider, &c.GatewayChargeID,
		&status, &c.Description, &c.BillingCycle, &c.DueDate, &paidAt, &appliedAt,
		&c.PaymentLink, &c.BoletoURL, &c.PixQRCode, &c.PixQRCodeBase64, &raw, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.PaymentMethod = gateway.Method(method)
	c.Gateway = gateway.Provider(provider)
	c.Status = Status(status)
	if paidAt.Valid {
		c.PaidAt = &paidAt.Time
	}
	if appliedAt.Valid {
		c.SubscriptionAppliedAt = &appliedAt.Time
	}
	c.RawResponse = raw
	return &c, nil
}

func expectOne(c *Charge, err error) (*Charge, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChargeNotFound
	}
	return c, err
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 || !json.Valid(raw) {
		return nil
	}
	return string(raw)
}
