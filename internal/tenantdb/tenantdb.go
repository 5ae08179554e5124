// Package tenantdb routes requests to the isolated database of their tenant.
//
// Handles are reference counted per tenant and kept open while idle so that
// consecutive requests reuse the same pool. Idle pools are closed by Evict.
package tenantdb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/pharmahub/internal/tenant"
)

var (
	ErrMissingTenant       = errors.New("tenantdb: no tenant identifier supplied")
	ErrTenantInactive      = errors.New("tenantdb: tenant is inactive")
	ErrTenantTokenMismatch = errors.New("tenantdb: token does not belong to tenant")
	ErrRegistryClosed      = errors.New("tenantdb: registry closed")
)

// Credentials identify a tenant's isolated database.
type Credentials struct {
	Database string
	User     string
	Password string
}

// Opener opens and verifies a pool for the given credentials.
type Opener func(ctx context.Context, creds Credentials) (*sql.DB, error)

// Decrypter reveals credentials stored at rest.
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Handle is a database handle scoped to one request or operation. Tenant is
// nil when the handle points at the shared directory.
type Handle struct {
	DB     *sql.DB
	Tenant *tenant.Tenant

	release func()
}

// Directory reports whether the handle is the shared directory handle.
func (h *Handle) Directory() bool {
	return h.Tenant == nil
}

// Release returns the handle to the registry. Safe to call more than once.
func (h *Handle) Release() {
	if h != nil && h.release != nil {
		h.release()
	}
}
