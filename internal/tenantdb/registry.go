package tenantdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mbd888/pharmahub/internal/tenant"
)

// Registry maps tenant ids to lazily opened, reference-counted pools.
type Registry struct {
	open        Opener
	decrypt     Decrypter
	logger      *slog.Logger
	maxIdle     int
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
	group   singleflight.Group
}

type entry struct {
	db          *sql.DB
	fingerprint string
	refs        int
	lastUsed    time.Time
	stale       bool
}

// NewRegistry creates a handle registry. maxIdle bounds the number of pools
// kept open with no users; idleTimeout closes pools unused for that long.
func NewRegistry(open Opener, decrypt Decrypter, maxIdle int, idleTimeout time.Duration, logger *slog.Logger) *Registry {
	if maxIdle <= 0 {
		maxIdle = 64
	}
	if idleTimeout <= 0 {
		idleTimeout = 10 * time.Minute
	}
	return &Registry{
		open:        open,
		decrypt:     decrypt,
		logger:      logger,
		maxIdle:     maxIdle,
		idleTimeout: idleTimeout,
		now:         time.Now,
		entries:     make(map[string]*entry),
	}
}

// Acquire returns the pool for t and a release func that must be called
// exactly once when the caller is done with it.
func (r *Registry) Acquire(ctx context.Context, t *tenant.Tenant) (*sql.DB, func(), error) {
	fp := fingerprint(t)
	for attempt := 0; attempt < 3; attempt++ {
		if db, release, ok, err := r.tryReuse(t.ID, fp); err != nil || ok {
			return db, release, err
		}

		_, err, _ := r.group.Do(t.ID+"|"+fp, func() (any, error) {
			return nil, r.openEntry(ctx, t, fp)
		})
		if err != nil {
			openFailures.Inc()
			return nil, nil, err
		}
	}
	return nil, nil, fmt.Errorf("tenantdb: pool for %s evicted while acquiring", t.ID)
}

func (r *Registry) tryReuse(tenantID, fp string) (*sql.DB, func(), bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, nil, false, ErrRegistryClosed
	}
	e, ok := r.entries[tenantID]
	if !ok {
		return nil, nil, false, nil
	}
	if e.fingerprint != fp {
		// Credentials rotated: retire the old pool once its users are done.
		r.retireLocked(tenantID, e)
		return nil, nil, false, nil
	}
	e.refs++
	e.lastUsed = r.now()
	return e.db, r.releaser(e), true, nil
}

func (r *Registry) openEntry(ctx context.Context, t *tenant.Tenant, fp string) error {
	r.mu.Lock()
	existing, ok := r.entries[t.ID]
	r.mu.Unlock()
	if ok && existing.fingerprint == fp {
		return nil
	}

	password := ""
	if t.Database.PasswordEnc != "" {
		var err error
		password, err = r.decrypt.Decrypt(t.Database.PasswordEnc)
		if err != nil {
			return fmt.Errorf("decrypt credentials for %s: %w", t.ID, err)
		}
	}

	db, err := r.open(ctx, Credentials{Database: t.Database.Name, User: t.Database.User, Password: password})
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		_ = db.Close()
		return ErrRegistryClosed
	}
	if existing, ok := r.entries[t.ID]; ok && existing.fingerprint == fp {
		_ = db.Close()
		return nil
	} else if ok {
		r.retireLocked(t.ID, existing)
	}
	r.entries[t.ID] = &entry{db: db, fingerprint: fp, lastUsed: r.now()}
	openHandles.Set(float64(len(r.entries)))
	r.logger.Debug("tenant pool opened", "tenant_id", t.ID, "database", t.Database.Name)
	return nil
}

func (r *Registry) releaser(e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			e.refs--
			e.lastUsed = r.now()
			var toClose []*sql.DB
			if e.stale && e.refs == 0 {
				toClose = append(toClose, e.db)
			}
			toClose = append(toClose, r.trimIdleLocked()...)
			r.mu.Unlock()
			closeAll(toClose)
		})
	}
}

// retireLocked removes e from the map. Its pool is closed now if unused,
// otherwise by the last release.
func (r *Registry) retireLocked(tenantID string, e *entry) {
	delete(r.entries, tenantID)
	openHandles.Set(float64(len(r.entries)))
	if e.refs == 0 {
		go func() { _ = e.db.Close() }()
		return
	}
	e.stale = true
}

// trimIdleLocked drops least recently used idle pools beyond maxIdle.
func (r *Registry) trimIdleLocked() []*sql.DB {
	type idle struct {
		id string
		e  *entry
	}
	var idles []idle
	for id, e := range r.entries {
		if e.refs == 0 {
			idles = append(idles, idle{id, e})
		}
	}
	if len(idles) <= r.maxIdle {
		return nil
	}
	sort.Slice(idles, func(i, j int) bool { return idles[i].e.lastUsed.Before(idles[j].e.lastUsed) })

	var out []*sql.DB
	for _, it := range idles[:len(idles)-r.maxIdle] {
		delete(r.entries, it.id)
		out = append(out, it.e.db)
	}
	openHandles.Set(float64(len(r.entries)))
	evictionsTotal.Add(float64(len(out)))
	return out
}

// Evict closes pools that have been idle longer than the idle timeout and
// returns how many were closed.
func (r *Registry) Evict() int {
	r.mu.Lock()
	cutoff := r.now().Add(-r.idleTimeout)
	var toClose []*sql.DB
	for id, e := range r.entries {
		if e.refs == 0 && e.lastUsed.Before(cutoff) {
			delete(r.entries, id)
			toClose = append(toClose, e.db)
		}
	}
	openHandles.Set(float64(len(r.entries)))
	r.mu.Unlock()

	evictionsTotal.Add(float64(len(toClose)))
	closeAll(toClose)
	return len(toClose)
}

// Start runs Evict periodically until ctx is done. Call in a goroutine.
func (r *Registry) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Evict(); n > 0 {
				r.logger.Debug("idle tenant pools closed", "count", n)
			}
		}
	}
}

// OpenPools returns the number of pools currently held.
func (r *Registry) OpenPools() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// PingContext reports the registry unhealthy once it has been closed.
func (r *Registry) PingContext(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRegistryClosed
	}
	return nil
}

// Close closes every pool. Subsequent acquisitions fail.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	toClose := make([]*sql.DB, 0, len(r.entries))
	for id, e := range r.entries {
		delete(r.entries, id)
		toClose = append(toClose, e.db)
	}
	openHandles.Set(0)
	r.mu.Unlock()

	closeAll(toClose)
	return nil
}

func fingerprint(t *tenant.Tenant) string {
	return t.Database.Name + "\x00" + t.Database.User + "\x00" + t.Database.PasswordEnc
}

func closeAll(dbs []*sql.DB) {
	for _, db := range dbs {
		_ = db.Close()
	}
}
