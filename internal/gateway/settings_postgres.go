package gateway

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresSettingsStore persists provider settings in PostgreSQL.
type PostgresSettingsStore struct {
	db *sql.DB
}

var _ SettingsStore = (*PostgresSettingsStore)(nil)

func NewPostgresSettingsStore(db *sql.DB) *PostgresSettingsStore {
	return &PostgresSettingsStore{db: db}
}

const settingsColumns = `provider, api_key_enc, webhook_token_enc, sandbox, updated_at`

func (p *PostgresSettingsStore) Get(ctx context.Context, provider Provider) (*Settings, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+settingsColumns+` FROM gateway_settings WHERE provider = $1`, string(provider))
	s, err := scanSettings(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	return s, err
}

func (p *PostgresSettingsStore) List(ctx context.Context) ([]*Settings, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+settingsColumns+` FROM gateway_settings ORDER BY provider`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Settings
	for rows.Next() {
		s, err := scanSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresSettingsStore) Upsert(ctx context.Context, s *Settings) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gateway_settings (provider, api_key_enc, webhook_token_enc, sandbox, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (provider) DO UPDATE SET
			api_key_enc = EXCLUDED.api_key_enc,
			webhook_token_enc = EXCLUDED.webhook_token_enc,
			sandbox = EXCLUDED.sandbox,
			updated_at = NOW()`,
		string(s.Provider), s.APIKeyEnc, s.WebhookTokenEnc, s.Sandbox,
	)
	return err
}

func (p *PostgresSettingsStore) GetActive(ctx context.Context) (Provider, error) {
	var provider string
	err := p.db.QueryRowContext(ctx, `SELECT provider FROM gateway_active WHERE singleton`).Scan(&provider)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSettingsNotFound
	}
	return Provider(provider), err
}

func (p *PostgresSettingsStore) SetActive(ctx context.Context, provider Provider) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gateway_active (singleton, provider, updated_at) VALUES (TRUE, $1, NOW())
		ON CONFLICT (singleton) DO UPDATE SET provider = EXCLUDED.provider, updated_at = NOW()`,
		string(provider),
	)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSettings(row scanner) (*Settings, error) {
	var (
		s        Settings
		provider string
	)
	if err := row.Scan(&provider, &s.APIKeyEnc, &s.WebhookTokenEnc, &s.Sandbox, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Provider = Provider(provider)
	return &s, nil
}
