package subscription

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/pharmahub/internal/idgen"
	"github.com/mbd888/pharmahub/internal/logging"
	"github.com/mbd888/pharmahub/internal/plans"
	"github.com/mbd888/pharmahub/internal/syncutil"
	"github.com/mbd888/pharmahub/internal/traces"
)

// PlanLookup resolves plan ids against the catalog.
type PlanLookup interface {
	Get(ctx context.Context, id string) (*plans.Plan, error)
}

// TenantCache receives the denormalized subscription fields kept on the
// tenant record for fast gating.
type TenantCache interface {
	UpdateSubscriptionCache(ctx context.Context, tenantID, planID, status string, endDate time.Time) error
}

// DefaultTrialDays is the trial length when none is configured.
const DefaultTrialDays = 14

// Info is the tenant-facing view of a subscription.
type Info struct {
	Subscription        *Subscription `json:"subscription"`
	Plan                *plans.Plan   `json:"plan"`
	DaysUntilExpiration int           `json:"daysUntilExpiration"`
	IsExpiringSoon      bool          `json:"isExpiringSoon"`
	IsExpired           bool          `json:"isExpired"`
}

// Service implements the subscription state machine. Every mutation runs
// under a per-tenant lock and is mirrored into the tenant cache.
type Service struct {
	store     Store
	plans     PlanLookup
	cache     TenantCache
	locker    syncutil.Locker
	trialDays int
	now       func() time.Time
}

// NewService creates a new subscription service.
func NewService(store Store, planLookup PlanLookup, cache TenantCache) *Service {
	return &Service{
		store:     store,
		plans:     planLookup,
		cache:     cache,
		locker:    syncutil.NewLocalLocker(),
		trialDays: DefaultTrialDays,
		now:       time.Now,
	}
}

// WithLocker replaces the in-process locker, e.g. with a Redis-backed one.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locker = l
	return s
}

// WithTrialDays sets the trial length used by StartTrial.
func (s *Service) WithTrialDays(days int) *Service {
	s.trialDays = days
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StartTrial creates the initial trial subscription of a tenant.
func (s *Service) StartTrial(ctx context.Context, tenantID, planID string) error {
	if _, err := s.lookupPlan(ctx, planID); err != nil {
		return err
	}

	now := s.now()
	sub := &Subscription{
		ID:           idgen.WithPrefix("sub_"),
		TenantID:     tenantID,
		PlanID:       planID,
		Status:       StatusTrial,
		BillingCycle: CycleMonthly,
		AutoRenew:    true,
		StartDate:    now,
		EndDate:      now.AddDate(0, 0, s.trialDays),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, sub); err != nil {
		return err
	}
	s.syncCache(ctx, sub)
	transitionsTotal.WithLabelValues("", string(StatusTrial)).Inc()
	logging.Audit(ctx, "subscription", tenantID, "", string(StatusTrial),
		"plan", planID, "end_date", sub.EndDate)
	return nil
}

// Get returns the tenant's subscription with its status corrected for
// passive expiry. A stale persisted status is rewritten best-effort.
func (s *Service) Get(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, err := s.store.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	effective := sub.EffectiveStatus(now)
	if effective == sub.Status {
		return sub, nil
	}

	corrected, err := s.expire(ctx, tenantID)
	switch {
	case err != nil:
		logging.L(ctx).Warn("failed to persist passive expiry", "tenant_id", tenantID, "error", err)
	case corrected != nil:
		return corrected, nil
	default:
		// Renewed between our read and the lock.
		if fresh, err := s.store.GetByTenant(ctx, tenantID); err == nil {
			fresh.Status = fresh.EffectiveStatus(now)
			return fresh, nil
		}
	}
	sub.Status = effective
	return sub, nil
}

// Info returns the subscription, its plan and expiry indicators.
func (s *Service) Info(ctx context.Context, tenantID string) (*Info, error) {
	sub, err := s.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	plan, err := s.lookupPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	remaining := sub.EndDate.Sub(now)
	days := int(math.Ceil(remaining.Hours() / 24))
	if days < 0 {
		days = 0
	}
	expired := sub.Status == StatusExpired
	return &Info{
		Subscription:        sub,
		Plan:                plan,
		DaysUntilExpiration: days,
		IsExpiringSoon:      !expired && remaining > 0 && remaining <= ExpiringSoonWindow,
		IsExpired:           expired,
	}, nil
}

// Renew extends the subscription by months from the later of now and the
// current end date, and activates it. Cancelled subscriptions cannot renew.
func (s *Service) Renew(ctx context.Context, tenantID string, months int) (*Subscription, error) {
	if months < 1 || months > 36 {
		return nil, ErrInvalidMonths
	}
	return s.mutate(ctx, tenantID, "renew", func(sub *Subscription, now time.Time) error {
		if sub.Status == StatusCancelled {
			return fmt.Errorf("%w: cannot renew a cancelled subscription", ErrInvalidState)
		}
		sub.EndDate = sub.extendFrom(now, months)
		sub.Status = StatusActive
		sub.SuspendReason = ""
		return nil
	})
}

// ExtendForPayment applies one billing cycle for the confirmed charge. An
// empty cycle uses the subscription's own cycle. Each charge extends at most
// once; a repeat returns ErrPaymentApplied and changes nothing.
func (s *Service) ExtendForPayment(ctx context.Context, tenantID, chargeID string, cycle BillingCycle) (*Subscription, error) {
	if cycle != "" && !cycle.Valid() {
		return nil, ErrInvalidCycle
	}
	if chargeID == "" {
		return nil, fmt.Errorf("%w: payment without a charge id", ErrInvalidState)
	}
	persist := func(ctx context.Context, sub *Subscription) error {
		return s.store.ApplyPayment(ctx, sub, chargeID)
	}
	return s.mutateWith(ctx, tenantID, "payment", persist, func(sub *Subscription, now time.Time) error {
		if sub.Status == StatusCancelled {
			return fmt.Errorf("%w: payment confirmed for a cancelled subscription", ErrInvalidState)
		}
		if cycle != "" {
			sub.BillingCycle = cycle
		}
		if !sub.BillingCycle.Valid() {
			sub.BillingCycle = CycleMonthly
		}
		sub.EndDate = sub.extendFrom(now, sub.BillingCycle.Months())
		sub.Status = StatusActive
		sub.SuspendReason = ""
		return nil
	})
}

// ChangePlan switches the plan reference. Dates and status are untouched.
func (s *Service) ChangePlan(ctx context.Context, tenantID, planID string) (*Subscription, error) {
	if _, err := s.lookupPlan(ctx, planID); err != nil {
		return nil, err
	}
	return s.mutate(ctx, tenantID, "change_plan", func(sub *Subscription, _ time.Time) error {
		if sub.Status == StatusCancelled {
			return fmt.Errorf("%w: cannot change plan of a cancelled subscription", ErrInvalidState)
		}
		sub.PlanID = planID
		return nil
	})
}

// Cancel terminates the subscription. There is no way back.
func (s *Service) Cancel(ctx context.Context, tenantID, reason string) (*Subscription, error) {
	return s.mutate(ctx, tenantID, "cancel", func(sub *Subscription, now time.Time) error {
		if sub.Status == StatusCancelled {
			return fmt.Errorf("%w: already cancelled", ErrInvalidState)
		}
		sub.Status = StatusCancelled
		sub.AutoRenew = false
		sub.CancelledAt = &now
		sub.CancelReason = reason
		return nil
	})
}

// Suspend is an administrative override independent of the end date.
func (s *Service) Suspend(ctx context.Context, tenantID, reason string) (*Subscription, error) {
	return s.mutate(ctx, tenantID, "suspend", func(sub *Subscription, _ time.Time) error {
		if sub.Status == StatusCancelled {
			return fmt.Errorf("%w: cannot suspend a cancelled subscription", ErrInvalidState)
		}
		sub.Status = StatusSuspended
		sub.SuspendReason = reason
		return nil
	})
}

// SweepExpired persists the expired status for subscriptions whose end date
// has passed. It returns how many were updated.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := traces.StartSpan(ctx, "subscription.SweepExpired")
	defer span.End()

	due, err := s.store.ListExpiring(ctx, s.now(), 500)
	if err != nil {
		return 0, fmt.Errorf("list expiring subscriptions: %w", err)
	}

	expired := 0
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		updated, err := s.expire(ctx, sub.TenantID)
		if err != nil {
			logging.L(ctx).Warn("failed to expire subscription", "tenant_id", sub.TenantID, "error", err)
			continue
		}
		if updated != nil {
			expired++
		}
	}
	sweepExpiredTotal.Add(float64(expired))
	return expired, nil
}

// expire persists StatusExpired if the subscription is still effectively
// expired once the lock is held. It returns nil without error when a
// concurrent renewal got there first.
func (s *Service) expire(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, err := s.mutate(ctx, tenantID, "expire", func(sub *Subscription, now time.Time) error {
		if sub.EffectiveStatus(now) != StatusExpired || sub.Status == StatusExpired {
			return errNoChange
		}
		sub.Status = StatusExpired
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil, nil
	}
	return sub, err
}

var errNoChange = errors.New("no change")

// mutate loads the subscription under the tenant's lock, applies fn and
// persists the result.
func (s *Service) mutate(ctx context.Context, tenantID, op string, fn func(sub *Subscription, now time.Time) error) (*Subscription, error) {
	return s.mutateWith(ctx, tenantID, op, s.store.Update, fn)
}

func (s *Service) mutateWith(ctx context.Context, tenantID, op string, persist func(context.Context, *Subscription) error, fn func(sub *Subscription, now time.Time) error) (_ *Subscription, err error) {
	ctx, span := traces.StartSpan(ctx, "subscription."+op, traces.TenantID(tenantID))
	defer func() { traces.End(span, err) }()

	unlock, err := s.locker.Lock(ctx, "subscription:"+tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sub, err := s.store.GetByTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	from := sub.Status
	now := s.now()
	if err := fn(sub, now); err != nil {
		return nil, err
	}
	sub.UpdatedAt = now
	if err := persist(ctx, sub); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	s.syncCache(ctx, sub)

	transitionsTotal.WithLabelValues(string(from), string(sub.Status)).Inc()
	logging.Audit(ctx, "subscription", tenantID, string(from), string(sub.Status),
		"op", op, "plan", sub.PlanID, "end_date", sub.EndDate)
	return sub, nil
}

// syncCache mirrors status and end date onto the tenant record. The cache is
// advisory so failures are logged, never returned.
func (s *Service) syncCache(ctx context.Context, sub *Subscription) {
	if s.cache == nil {
		return
	}
	if err := s.cache.UpdateSubscriptionCache(ctx, sub.TenantID, sub.PlanID, string(sub.Status), sub.EndDate); err != nil {
		logging.L(ctx).Warn("failed to update tenant subscription cache", "tenant_id", sub.TenantID, "error", err)
	}
}

func (s *Service) lookupPlan(ctx context.Context, planID string) (*plans.Plan, error) {
	plan, err := s.plans.Get(ctx, planID)
	if errors.Is(err, plans.ErrPlanNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return plan, err
}
