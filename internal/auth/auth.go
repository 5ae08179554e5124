// Package auth issues and verifies tenant tokens.
//
// A tenant token is an HS256 JWT whose tenant_id claim names the tenant it
// was issued to. When a signing secret is configured, tenant-scoped routes
// require one and reject tokens issued to a different tenant.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoSecret     = errors.New("auth: token secret not configured")
	ErrInvalidToken = errors.New("auth: invalid or expired token")
)

// DefaultTTL is the lifetime of issued tokens.
const DefaultTTL = 30 * 24 * time.Hour

const issuer = "pharmahub"

// Claims is the token payload.
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// Manager signs and verifies tenant tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a token manager.
func NewManager(secret string, ttl time.Duration) (*Manager, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for tenantID and its expiry.
func (m *Manager) Issue(tenantID string) (string, time.Time, error) {
	now := m.now()
	expires := now.Add(m.ttl)
	claims := Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign tenant token: %w", err)
	}
	return signed, expires, nil
}

// Verify validates raw and returns the tenant it was issued to.
func (m *Manager) Verify(raw string) (string, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || claims.TenantID == "" {
		return "", ErrInvalidToken
	}
	return claims.TenantID, nil
}
