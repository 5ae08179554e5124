package tenantdb

import (
	"context"
	"database/sql"

	"github.com/mbd888/pharmahub/internal/tenant"
)

// Resolver looks a tenant up by opaque id or tax id.
type Resolver interface {
	Lookup(ctx context.Context, key string) (*tenant.Tenant, error)
}

// Target names the tenant an operation runs against. Tenant is the fast path
// when a prior lookup already resolved it; otherwise Key is resolved through
// the directory. With neither set the operation runs against the directory.
type Target struct {
	Tenant *tenant.Tenant
	Key    string
}

// Router is the single place where a request is bound to a database.
type Router struct {
	registry  *Registry
	resolver  Resolver
	directory *sql.DB
}

// NewRouter creates a router. directory may be nil when the directory is
// kept in memory.
func NewRouter(registry *Registry, resolver Resolver, directory *sql.DB) *Router {
	return &Router{registry: registry, resolver: resolver, directory: directory}
}

// Registry exposes the underlying handle registry.
func (r *Router) Registry() *Registry { return r.registry }

// Resolve returns a handle for target. The caller must Release it.
func (r *Router) Resolve(ctx context.Context, target Target) (*Handle, error) {
	t := target.Tenant
	if t == nil {
		if target.Key == "" {
			// Directory handles are process-wide; releasing them is a no-op.
			return &Handle{DB: r.directory}, nil
		}
		var err error
		t, err = r.resolver.Lookup(ctx, target.Key)
		if err != nil {
			return nil, err
		}
	}
	if !t.IsActive() {
		return nil, ErrTenantInactive
	}

	db, release, err := r.registry.Acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	return &Handle{DB: db, Tenant: t, release: release}, nil
}

// Do resolves target, runs fn and releases the handle on every exit path.
func (r *Router) Do(ctx context.Context, target Target, fn func(h *Handle) error) error {
	h, err := r.Resolve(ctx, target)
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

// DoWith runs fn against supplied when it is non-nil, leaving its lifetime to
// whoever owns it. Otherwise it behaves like Do.
func (r *Router) DoWith(ctx context.Context, supplied *Handle, target Target, fn func(h *Handle) error) error {
	if supplied != nil {
		return fn(supplied)
	}
	return r.Do(ctx, target, fn)
}
