package tenantdb

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/pharmahub/internal/tenant"
)

type plainDecrypter struct{}

func (plainDecrypter) Decrypt(s string) (string, error) { return s, nil }

type stubResolver map[string]*tenant.Tenant

func (s stubResolver) Lookup(_ context.Context, key string) (*tenant.Tenant, error) {
	for _, t := range s {
		if t.ID == key || t.TaxID == key {
			return t, nil
		}
	}
	return nil, tenant.ErrTenantNotFound
}

type countingOpener struct {
	inner Opener
	opens atomic.Int32
}

func (o *countingOpener) open(ctx context.Context, creds Credentials) (*sql.DB, error) {
	o.opens.Add(1)
	return o.inner(ctx, creds)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTenant(id string) *tenant.Tenant {
	return &tenant.Tenant{
		ID:       id,
		TaxID:    "tax-" + id,
		Status:   tenant.StatusActive,
		Database: tenant.DatabaseRef{Name: "db_" + id, User: "u", PasswordEnc: "pw"},
	}
}

func newTestRegistry(t *testing.T, maxIdle int) (*Registry, *countingOpener) {
	t.Helper()
	co := &countingOpener{inner: SQLiteOpener(t.TempDir())}
	r := NewRegistry(co.open, plainDecrypter{}, maxIdle, time.Minute, testLogger())
	t.Cleanup(func() { _ = r.Close() })
	return r, co
}

func TestRegistry_ReusesPool(t *testing.T) {
	r, co := newTestRegistry(t, 10)
	ctx := context.Background()
	tn := newTenant("a")

	db1, rel1, err := r.Acquire(ctx, tn)
	require.NoError(t, err)
	db2, rel2, err := r.Acquire(ctx, tn)
	require.NoError(t, err)

	assert.Same(t, db1, db2)
	assert.Equal(t, int32(1), co.opens.Load())
	assert.Equal(t, 1, r.OpenPools())

	rel1()
	rel1() // idempotent
	rel2()
	assert.Equal(t, 0, r.entries["a"].refs)
}

func TestRegistry_ConcurrentAcquireOpensOnce(t *testing.T) {
	r, co := newTestRegistry(t, 10)
	tn := newTenant("a")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			db, release, err := r.Acquire(context.Background(), tn)
			if assert.NoError(t, err) {
				assert.NoError(t, db.Ping())
				release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), co.opens.Load())
	assert.Equal(t, 1, r.OpenPools())
}

func TestRegistry_EvictsIdlePools(t *testing.T) {
	r, _ := newTestRegistry(t, 10)
	now := time.Now()
	r.now = func() time.Time { return now }

	busy := newTenant("busy")
	idle := newTenant("idle")
	_, releaseBusy, err := r.Acquire(context.Background(), busy)
	require.NoError(t, err)
	_, releaseIdle, err := r.Acquire(context.Background(), idle)
	require.NoError(t, err)
	releaseIdle()

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, r.Evict())
	assert.Equal(t, 1, r.OpenPools(), "pools in use are never evicted")

	releaseBusy()
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, r.Evict())
	assert.Equal(t, 0, r.OpenPools())
}

func TestRegistry_TrimsBeyondMaxIdle(t *testing.T) {
	r, _ := newTestRegistry(t, 1)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, release, err := r.Acquire(ctx, newTenant(id))
		require.NoError(t, err)
		release()
	}
	assert.Equal(t, 1, r.OpenPools())
}

func TestRegistry_CredentialRotationRetiresPool(t *testing.T) {
	r, co := newTestRegistry(t, 10)
	ctx := context.Background()
	tn := newTenant("a")

	oldDB, releaseOld, err := r.Acquire(ctx, tn)
	require.NoError(t, err)

	rotated := newTenant("a")
	rotated.Database.PasswordEnc = "new-pw"
	newDB, releaseNew, err := r.Acquire(ctx, rotated)
	require.NoError(t, err)
	defer releaseNew()

	assert.NotSame(t, oldDB, newDB)
	assert.Equal(t, int32(2), co.opens.Load())
	assert.NoError(t, oldDB.Ping(), "retired pool stays usable until released")

	releaseOld()
	assert.Error(t, oldDB.Ping(), "retired pool is closed by its last release")
}

func TestRegistry_ClosedRejectsAcquire(t *testing.T) {
	r, _ := newTestRegistry(t, 10)
	require.NoError(t, r.Close())

	_, _, err := r.Acquire(context.Background(), newTenant("a"))
	assert.ErrorIs(t, err, ErrRegistryClosed)
	assert.ErrorIs(t, r.PingContext(context.Background()), ErrRegistryClosed)
}

func TestSQLiteOpener_RejectsPathTraversal(t *testing.T) {
	open := SQLiteOpener(t.TempDir())
	_, err := open(context.Background(), Credentials{Database: "../escape"})
	assert.Error(t, err)
	_, err = open(context.Background(), Credentials{Database: ""})
	assert.Error(t, err)
}

func newTestRouter(t *testing.T) (*Router, stubResolver) {
	t.Helper()
	reg, _ := newTestRegistry(t, 10)
	inactive := newTenant("off")
	inactive.Status = tenant.StatusInactive
	resolver := stubResolver{"a": newTenant("a"), "off": inactive}
	return NewRouter(reg, resolver, nil), resolver
}

func TestRouter_Resolve(t *testing.T) {
	router, resolver := newTestRouter(t)
	ctx := context.Background()

	h, err := router.Resolve(ctx, Target{Key: "tax-a"})
	require.NoError(t, err)
	assert.Equal(t, "a", h.Tenant.ID)
	assert.False(t, h.Directory())
	h.Release()

	h, err = router.Resolve(ctx, Target{Tenant: resolver["a"]})
	require.NoError(t, err)
	assert.Equal(t, "a", h.Tenant.ID)
	h.Release()

	_, err = router.Resolve(ctx, Target{Key: "missing"})
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)

	_, err = router.Resolve(ctx, Target{Key: "off"})
	assert.ErrorIs(t, err, ErrTenantInactive)

	_, err = router.Resolve(ctx, Target{Tenant: resolver["off"]})
	assert.ErrorIs(t, err, ErrTenantInactive)

	h, err = router.Resolve(ctx, Target{})
	require.NoError(t, err)
	assert.True(t, h.Directory())
	h.Release()
}

func TestRouter_DoReleasesOnEveryPath(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := router.Do(ctx, Target{Key: "a"}, func(h *Handle) error {
		_, err := h.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS t (id INTEGER)`)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, router.registry.entries["a"].refs)

	assert.Panics(t, func() {
		_ = router.Do(ctx, Target{Key: "a"}, func(*Handle) error { panic("handler bug") })
	})
	assert.Equal(t, 0, router.registry.entries["a"].refs)
}

func TestRouter_DoWithLeavesSuppliedHandleOpen(t *testing.T) {
	router, _ := newTestRouter(t)
	ctx := context.Background()

	released := 0
	supplied := &Handle{release: func() { released++ }}
	var got *Handle
	require.NoError(t, router.DoWith(ctx, supplied, Target{Key: "a"}, func(h *Handle) error {
		got = h
		return nil
	}))
	assert.Same(t, supplied, got)
	assert.Equal(t, 0, released)

	require.NoError(t, router.DoWith(ctx, nil, Target{Key: "a"}, func(h *Handle) error {
		assert.Equal(t, "a", h.Tenant.ID)
		return nil
	}))
	assert.Equal(t, 0, router.registry.entries["a"].refs)
}

type stubVerifier map[string]string

func (s stubVerifier) Verify(raw string) (string, error) {
	if id, ok := s[raw]; ok {
		return id, nil
	}
	return "", errors.New("bad token")
}

func setupMiddleware(t *testing.T, verifier TokenVerifier) (*gin.Engine, *Router) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router, _ := newTestRouter(t)
	r := gin.New()
	r.GET("/whoami", Middleware(router, verifier), func(c *gin.Context) {
		h := HandleFrom(c)
		require.NotNil(t, h)
		require.NoError(t, h.DB.PingContext(c.Request.Context()))
		c.JSON(http.StatusOK, gin.H{"tenant": TenantFrom(c).ID})
	})
	return r, router
}

func get(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/whoami", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware_ResolutionErrors(t *testing.T) {
	r, _ := setupMiddleware(t, nil)

	w := get(r, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "MISSING_TENANT")

	w = get(r, map[string]string{HeaderTenantID: "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "TENANT_NOT_FOUND")

	w = get(r, map[string]string{HeaderTenantID: "off"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "TENANT_INACTIVE")
}

func TestMiddleware_AttachesAndReleases(t *testing.T) {
	r, router := setupMiddleware(t, nil)

	w := get(r, map[string]string{HeaderTaxID: "tax-a"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"tenant":"a"`)
	assert.Equal(t, 0, router.registry.entries["a"].refs)
}

func TestMiddleware_TenantToken(t *testing.T) {
	r, _ := setupMiddleware(t, stubVerifier{"tok-a": "a", "tok-b": "b"})

	w := get(r, map[string]string{HeaderTenantID: "a"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, map[string]string{HeaderTenantID: "a", "Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = get(r, map[string]string{HeaderTenantID: "a", "Authorization": "Bearer tok-b"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "TENANT_TOKEN_MISMATCH")

	w = get(r, map[string]string{HeaderTenantID: "a", "Authorization": "Bearer tok-a"})
	assert.Equal(t, http.StatusOK, w.Code)
}
