package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/pharmahub/internal/plans"
	"github.com/mbd888/pharmahub/internal/subscription"
	"github.com/mbd888/pharmahub/internal/syncutil"
	"github.com/mbd888/pharmahub/internal/tenant"
	"github.com/mbd888/pharmahub/internal/tenantdb"
	"github.com/mbd888/pharmahub/internal/traces"
)

// SubscriptionReader returns a tenant's subscription with passive expiry
// applied.
type SubscriptionReader interface {
	Get(ctx context.Context, tenantID string) (*subscription.Subscription, error)
}

// PlanLookup resolves plan ids against the catalog.
type PlanLookup interface {
	Get(ctx context.Context, id string) (*plans.Plan, error)
}

// Aggregator computes usage dashboards and admission decisions.
type Aggregator struct {
	router  *tenantdb.Router
	counter Counter
	subs    SubscriptionReader
	plans   PlanLookup
	locker  syncutil.Locker
	now     func() time.Time
}

// NewAggregator creates a usage aggregator.
func NewAggregator(router *tenantdb.Router, counter Counter, subs SubscriptionReader, planLookup PlanLookup) *Aggregator {
	return &Aggregator{
		router:  router,
		counter: counter,
		subs:    subs,
		plans:   planLookup,
		locker:  syncutil.NewLocalLocker(),
		now:     time.Now,
	}
}

// WithLocker replaces the locker used by Admit.
func (a *Aggregator) WithLocker(l syncutil.Locker) *Aggregator {
	a.locker = l
	return a
}

// WithClock overrides the time source.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// ComputeUsage resolves the tenant and builds its dashboard.
func (a *Aggregator) ComputeUsage(ctx context.Context, tenantID string) (*Dashboard, error) {
	var d *Dashboard
	err := a.router.Do(ctx, tenantdb.Target{Key: tenantID}, func(h *tenantdb.Handle) error {
		var err error
		d, err = a.Dashboard(ctx, h)
		return err
	})
	return d, err
}

// Dashboard builds the usage dashboard over an already resolved handle.
// It succeeds whatever the subscription state.
func (a *Aggregator) Dashboard(ctx context.Context, h *tenantdb.Handle) (_ *Dashboard, err error) {
	ctx, span := traces.StartSpan(ctx, "usage.Dashboard", traces.TenantID(h.Tenant.ID))
	defer func() { traces.End(span, err) }()

	plan, _, err := a.planFor(ctx, h.Tenant)
	if err != nil {
		return nil, err
	}

	now := a.now()
	counts := make([]int64, len(plans.Dimensions))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range plans.Dimensions {
		g.Go(func() error {
			n, err := a.counter.Count(gctx, h.DB, d, now)
			if err != nil {
				return err
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dash := &Dashboard{
		PlanID:  plan.ID,
		Limits:  make(map[string]int64, len(plans.Dimensions)),
		Usage:   make(map[string]int64, len(plans.Dimensions)),
		Metrics: make([]Metric, 0, len(plans.Dimensions)),
	}
	for i, d := range plans.Dimensions {
		limit := plan.Quotas.Limit(d)
		pct, status := Classify(counts[i], limit)
		dash.Limits[string(d)] = limit
		dash.Usage[string(d)] = counts[i]
		dash.Metrics = append(dash.Metrics, Metric{
			Name:       d,
			Current:    counts[i],
			Limit:      limit,
			Percentage: pct,
			Status:     status,
			Unit:       d.Unit(),
		})
	}
	return dash, nil
}

// CheckLimit resolves the tenant and checks one dimension.
func (a *Aggregator) CheckLimit(ctx context.Context, tenantID string, d plans.Dimension) (*Check, error) {
	var c *Check
	err := a.router.Do(ctx, tenantdb.Target{Key: tenantID}, func(h *tenantdb.Handle) error {
		var err error
		c, err = a.Check(ctx, h, d)
		return err
	})
	return c, err
}

// Check decides whether one more unit of d may be created. A subscription
// that is not usable refuses every write; an unlimited quota admits without
// counting.
func (a *Aggregator) Check(ctx context.Context, h *tenantdb.Handle, d plans.Dimension) (*Check, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDimension, d)
	}
	plan, sub, err := a.planFor(ctx, h.Tenant)
	if err != nil {
		return nil, err
	}

	limit := plan.Quotas.Limit(d)
	c := &Check{Dimension: d, Limit: limit}
	if sub == nil || !sub.Usable(a.now()) {
		c.Reason = ReasonSubscriptionInactive
		admissionsTotal.WithLabelValues(string(d), string(c.Reason)).Inc()
		return c, nil
	}
	if limit == plans.Unlimited {
		c.Allowed = true
		admissionsTotal.WithLabelValues(string(d), "allowed").Inc()
		return c, nil
	}

	current, err := a.counter.Count(ctx, h.DB, d, a.now())
	if err != nil {
		return nil, err
	}
	c.Current = current
	c.Allowed = current < limit
	result := "allowed"
	if !c.Allowed {
		c.Reason = ReasonQuotaExceeded
		result = string(c.Reason)
	}
	admissionsTotal.WithLabelValues(string(d), result).Inc()
	return c, nil
}

// Admit runs create only if d has room, holding a per-tenant, per-dimension
// lock across the check and the create so concurrent admissions cannot both
// take the last unit.
func (a *Aggregator) Admit(ctx context.Context, h *tenantdb.Handle, d plans.Dimension, create func(ctx context.Context) error) error {
	unlock, err := a.locker.Lock(ctx, "usage:"+h.Tenant.ID+":"+string(d))
	if err != nil {
		return err
	}
	defer unlock()

	c, err := a.Check(ctx, h, d)
	if err != nil {
		return err
	}
	if !c.Allowed {
		return fmt.Errorf("%w: %s %d/%d", c.Err(), d, c.Current, c.Limit)
	}
	return create(ctx)
}

// planFor returns the tenant's effective plan and subscription. A tenant
// without a subscription falls back to its own plan reference.
func (a *Aggregator) planFor(ctx context.Context, t *tenant.Tenant) (*plans.Plan, *subscription.Subscription, error) {
	planID := t.PlanID
	sub, err := a.subs.Get(ctx, t.ID)
	switch {
	case err == nil:
		planID = sub.PlanID
	case errors.Is(err, subscription.ErrNotFound):
		sub = nil
	default:
		return nil, nil, err
	}

	plan, err := a.plans.Get(ctx, planID)
	if err != nil {
		return nil, nil, fmt.Errorf("plan %q for tenant %s: %w", planID, t.ID, err)
	}
	return plan, sub, nil
}
