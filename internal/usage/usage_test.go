package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
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

	"github.com/mbd888/pharmahub/internal/plans"
	"github.com/mbd888/pharmahub/internal/subscription"
	"github.com/mbd888/pharmahub/internal/tenant"
	"github.com/mbd888/pharmahub/internal/tenantdb"
)

var now = time.Date(2026, 5, 15, 12, 0, 0, 0, time.UTC)

type mapResolver map[string]*tenant.Tenant

func (m mapResolver) Lookup(_ context.Context, key string) (*tenant.Tenant, error) {
	if t, ok := m[key]; ok {
		return t, nil
	}
	return nil, tenant.ErrTenantNotFound
}

type fixture struct {
	agg     *Aggregator
	router  *tenantdb.Router
	subs    *subscription.Service
	catalog *plans.MemoryStore
	handle  *tenantdb.Handle
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	tn := &tenant.Tenant{ID: "ten_1", TaxID: "1", Status: tenant.StatusActive, PlanID: "starter",
		Database: tenant.DatabaseRef{Name: "ten_1"}}
	tenants := tenant.NewMemoryStore()
	require.NoError(t, tenants.Create(ctx, tn))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := tenantdb.NewRegistry(tenantdb.SQLiteOpener(t.TempDir()), nil, 4, time.Minute, logger)
	t.Cleanup(func() { _ = reg.Close() })
	router := tenantdb.NewRouter(reg, mapResolver{"ten_1": tn}, nil)

	catalog := plans.NewMemoryStore()
	subs := subscription.NewService(subscription.NewMemoryStore(), catalog, tenants).
		WithClock(func() time.Time { return now })
	require.NoError(t, subs.StartTrial(ctx, "ten_1", "starter"))

	h, err := router.Resolve(ctx, tenantdb.Target{Tenant: tn})
	require.NoError(t, err)
	t.Cleanup(h.Release)
	for _, stmt := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, active INTEGER NOT NULL DEFAULT 1)`,
		`CREATE TABLE products (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE sales (id INTEGER PRIMARY KEY, created_at TIMESTAMP NOT NULL)`,
	} {
		_, err := h.DB.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}

	agg := NewAggregator(router, NewSQLCounter(DialectSQLite), subs, catalog).
		WithClock(func() time.Time { return now })
	return &fixture{agg: agg, router: router, subs: subs, catalog: catalog, handle: h}
}

func (f *fixture) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := f.handle.DB.ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		current, limit int64
		pct            float64
		status         Status
	}{
		{0, 10, 0, StatusOK},
		{7, 10, 70, StatusOK},
		{8, 10, 80, StatusWarning},
		{99, 100, 99, StatusWarning},
		{10, 10, 100, StatusCritical},
		{12, 10, 120, StatusCritical},
		{1, 3, 33.3, StatusOK},
		{2, 3, 66.6, StatusOK},
		{7999, 10000, 79.9, StatusOK},
		{8000, 10000, 80, StatusWarning},
		{9999, 10000, 99.9, StatusWarning},
		{199999, 200000, 99.9, StatusWarning},
		{10000, 10000, 100, StatusCritical},
		{5000, plans.Unlimited, 0, StatusOK},
		{0, 0, 100, StatusCritical},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_of_%d", tt.current, tt.limit), func(t *testing.T) {
			pct, status := Classify(tt.current, tt.limit)
			assert.InDelta(t, tt.pct, pct, 0.001)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestCheck_SeatQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.exec(t, `INSERT INTO users (active) VALUES (1), (1), (0)`)
	c, err := f.agg.CheckLimit(ctx, "ten_1", plans.DimensionUsers)
	require.NoError(t, err)
	assert.True(t, c.Allowed)
	assert.Equal(t, int64(2), c.Current)
	assert.Equal(t, int64(3), c.Limit)

	f.exec(t, `INSERT INTO users (active) VALUES (1)`)
	c, err = f.agg.CheckLimit(ctx, "ten_1", plans.DimensionUsers)
	require.NoError(t, err)
	assert.False(t, c.Allowed)
	assert.Equal(t, ReasonQuotaExceeded, c.Reason)
	assert.ErrorIs(t, c.Err(), ErrQuotaExceeded)
}

func TestCheck_InactiveSubscriptionFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.subs.Suspend(ctx, "ten_1", "billing")
	require.NoError(t, err)

	c, err := f.agg.Check(ctx, f.handle, plans.DimensionProducts)
	require.NoError(t, err)
	assert.False(t, c.Allowed)
	assert.Equal(t, ReasonSubscriptionInactive, c.Reason)

	// The dashboard stays readable.
	dash, err := f.agg.Dashboard(ctx, f.handle)
	require.NoError(t, err)
	assert.Len(t, dash.Metrics, len(plans.Dimensions))
}

func TestCheck_PassivelyExpiredTrialFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.agg.WithClock(func() time.Time { return now.AddDate(0, 1, 0) })

	c, err := f.agg.Check(context.Background(), f.handle, plans.DimensionProducts)
	require.NoError(t, err)
	assert.Equal(t, ReasonSubscriptionInactive, c.Reason)
}

type failingCounter struct{ calls atomic.Int32 }

func (f *failingCounter) Count(context.Context, *sql.DB, plans.Dimension, time.Time) (int64, error) {
	f.calls.Add(1)
	return 0, errors.New("should not be called")
}

func TestCheck_UnlimitedShortCircuits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.subs.ChangePlan(ctx, "ten_1", "enterprise")
	require.NoError(t, err)

	counter := &failingCounter{}
	agg := NewAggregator(f.router, counter, f.subs, f.catalog).WithClock(func() time.Time { return now })

	c, err := agg.Check(ctx, f.handle, plans.DimensionUsers)
	require.NoError(t, err)
	assert.True(t, c.Allowed)
	assert.Equal(t, plans.Unlimited, c.Limit)
	assert.Zero(t, counter.calls.Load())
}

func TestCheck_UnknownDimension(t *testing.T) {
	f := newFixture(t)
	_, err := f.agg.Check(context.Background(), f.handle, plans.Dimension("cows"))
	assert.ErrorIs(t, err, ErrUnknownDimension)
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.exec(t, `INSERT INTO users (active) VALUES (1), (1), (1)`)
	for i := 0; i < 850; i++ {
		f.exec(t, `INSERT INTO products DEFAULT VALUES`)
	}
	f.exec(t, `INSERT INTO sales (created_at) VALUES (?), (?), (?)`,
		now.Add(-time.Hour), now.AddDate(0, 0, -10), now.AddDate(0, -1, 0))

	dash, err := f.agg.Dashboard(ctx, f.handle)
	require.NoError(t, err)

	assert.Equal(t, "starter", dash.PlanID)
	assert.Equal(t, int64(3), dash.Usage["users"])
	assert.Equal(t, int64(850), dash.Usage["products"])
	assert.Equal(t, int64(2), dash.Usage["transactions"], "only the current month counts")
	assert.Equal(t, int64(1000), dash.Limits["products"])

	byName := map[plans.Dimension]Metric{}
	for _, m := range dash.Metrics {
		byName[m.Name] = m
	}
	assert.Equal(t, StatusCritical, byName[plans.DimensionUsers].Status)
	assert.Equal(t, StatusWarning, byName[plans.DimensionProducts].Status)
	assert.Equal(t, StatusOK, byName[plans.DimensionTransactions].Status)
	assert.Equal(t, "MB", byName[plans.DimensionStorage].Unit)
}

func TestComputeUsage_ResolvesByKey(t *testing.T) {
	f := newFixture(t)
	dash, err := f.agg.ComputeUsage(context.Background(), "ten_1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), dash.Usage["users"])

	_, err = f.agg.ComputeUsage(context.Background(), "missing")
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestAdmit_SerialisesLastSeat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var admitted, refused atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.agg.Admit(ctx, f.handle, plans.DimensionUsers, func(ctx context.Context) error {
				_, err := f.handle.DB.ExecContext(ctx, `INSERT INTO users (active) VALUES (1)`)
				return err
			})
			switch {
			case err == nil:
				admitted.Add(1)
			case errors.Is(err, ErrQuotaExceeded):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), admitted.Load())
	assert.Equal(t, int32(7), refused.Load())
}

func TestRequireQuota(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	r := gin.New()
	r.POST("/users", func(c *gin.Context) {
		tenantdb.Attach(c, f.handle)
		c.Next()
	}, RequireQuota(f.agg, plans.DimensionUsers), func(c *gin.Context) {
		c.Status(http.StatusCreated)
	})

	post := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/users", nil))
		return w
	}

	assert.Equal(t, http.StatusCreated, post().Code)

	f.exec(t, `INSERT INTO users (active) VALUES (1), (1), (1)`)
	w := post()
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "QUOTA_EXCEEDED")

	_, err := f.subs.Cancel(context.Background(), "ten_1", "")
	require.NoError(t, err)
	w = post()
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "SUBSCRIPTION_INACTIVE")
}

func TestHandler_Routes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		tenantdb.Attach(c, f.handle)
		c.Next()
	})
	NewHandler(f.agg).RegisterRoutes(g)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/usage", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"metrics"`)
	assert.Contains(t, w.Body.String(), `"unit":"transactions/month"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/usage/check/products", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"allowed":true`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/usage/check/cows", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_AdmitRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)

	r := gin.New()
	g := r.Group("/v1", func(c *gin.Context) {
		tenantdb.Attach(c, f.handle)
		c.Next()
	})
	NewHandler(f.agg).RegisterRoutes(g)

	admit := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/usage/admit/users", nil))
		return w
	}

	w := admit()
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"allowed":true`)

	f.exec(t, `INSERT INTO users (active) VALUES (1), (1), (1)`)
	w = admit()
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Contains(t, w.Body.String(), "QUOTA_EXCEEDED")
}
