package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mbd888/pharmahub/internal/gateway"
	"github.com/mbd888/pharmahub/internal/idgen"
	"github.com/mbd888/pharmahub/internal/logging"
	"github.com/mbd888/pharmahub/internal/retry"
	"github.com/mbd888/pharmahub/internal/subscription"
	"github.com/mbd888/pharmahub/internal/syncutil"
	"github.com/mbd888/pharmahub/internal/tenant"
	"github.com/mbd888/pharmahub/internal/traces"
	"github.com/mbd888/pharmahub/internal/validation"
)

const (
	DefaultCurrency = "BRL"
	defaultDueDays  = 3
)

// TenantLookup resolves the tenant a charge is made for.
type TenantLookup interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
}

// Gateways hands out the current gateway configuration snapshot.
type Gateways interface {
	Current() *gateway.Snapshot
}

// SubscriptionExtender extends a subscription when a payment is confirmed.
// It must extend at most once per charge id.
type SubscriptionExtender interface {
	ExtendForPayment(ctx context.Context, tenantID, chargeID string, cycle subscription.BillingCycle) (*subscription.Subscription, error)
}

// Service is the payment ledger and reconciler.
type Service struct {
	store    Store
	events   EventStore
	tenants  TenantLookup
	gateways Gateways
	subs     SubscriptionExtender
	locker   syncutil.Locker
	retry    retry.Policy
	now      func() time.Time
}

// NewService creates a ledger service.
func NewService(store Store, tenants TenantLookup, gateways Gateways, subs SubscriptionExtender) *Service {
	return &Service{
		store:    store,
		events:   NewMemoryEventStore(),
		tenants:  tenants,
		gateways: gateways,
		subs:     subs,
		locker:   syncutil.NewLocalLocker(),
		retry:    retry.Default,
		now:      time.Now,
	}
}

// WithEventStore replaces the charge event log.
func (s *Service) WithEventStore(e EventStore) *Service {
	s.events = e
	return s
}

// WithLocker replaces the per-charge locker. Use a distributed locker when
// more than one instance receives webhooks.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locker = l
	return s
}

// WithRetryPolicy replaces the policy used for status polling.
func (s *Service) WithRetryPolicy(p retry.Policy) *Service {
	s.retry = p
	return s
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Store exposes the underlying charge store.
func (s *Service) Store() Store { return s.store }

// CreateChargeRequest asks for a new charge against a tenant.
type CreateChargeRequest struct {
	TenantID      string         `json:"-"`
	AmountCents   int64          `json:"amount"`
	PaymentMethod gateway.Method `json:"paymentMethod"`
	Description   string         `json:"description"`
	BillingCycle  string         `json:"billingCycle"`
	DueDate       *time.Time     `json:"dueDate"`
}

// CreateCharge creates the charge at the tenant's gateway and records it as
// pending. It is never retried: a retry could charge the customer twice.
func (s *Service) CreateCharge(ctx context.Context, req CreateChargeRequest) (_ *Charge, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.CreateCharge",
		traces.TenantID(req.TenantID), traces.AmountCents(req.AmountCents))
	defer func() { traces.End(span, err) }()

	if errs := validation.Validate(
		validation.PositiveCents("amount", req.AmountCents),
		validation.Required("paymentMethod", string(req.PaymentMethod)),
		validation.OneOf("paymentMethod", string(req.PaymentMethod),
			string(gateway.MethodPix), string(gateway.MethodBoleto), string(gateway.MethodCreditCard)),
		validation.MaxLength("description", req.Description, 500),
		validation.OneOf("billingCycle", req.BillingCycle,
			string(subscription.CycleMonthly), string(subscription.CycleAnnual)),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCharge, errs.Error())
	}

	t, err := s.tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	snap := s.gateways.Current()
	provider := snap.Active
	if t.Gateway != "" {
		if provider, err = gateway.ParseProvider(t.Gateway); err != nil {
			return nil, err
		}
	}
	gw, err := snap.Gateway(provider)
	if err != nil {
		return nil, err
	}

	now := s.now()
	due := now.AddDate(0, 0, defaultDueDays)
	if req.DueDate != nil {
		due = *req.DueDate
	}
	id := idgen.WithPrefix("chg_")
	params := gateway.ChargeParams{
		Customer:          gateway.Customer{TaxID: t.TaxID, Name: t.Name},
		AmountCents:       req.AmountCents,
		Currency:          DefaultCurrency,
		Method:            req.PaymentMethod,
		Description:       req.Description,
		DueDate:           due,
		ExternalReference: id,
	}

	callCtx, cancel := context.WithTimeout(ctx, snap.Timeout)
	res, err := gw.CreateCharge(callCtx, params)
	cancel()
	if err != nil {
		chargeOutcomes.WithLabelValues(string(provider), "gateway_error").Inc()
		return nil, err
	}
	span.SetAttributes(traces.Gateway(string(provider)), traces.GatewayChargeID(res.ID))

	if !res.DueDate.IsZero() {
		due = res.DueDate
	}
	c := &Charge{
		ID:              id,
		TenantID:        t.ID,
		AmountCents:     req.AmountCents,
		Currency:        DefaultCurrency,
		PaymentMethod:   req.PaymentMethod,
		Gateway:         provider,
		GatewayChargeID: res.ID,
		Status:          gateway.StatusPending,
		Description:     req.Description,
		BillingCycle:    req.BillingCycle,
		DueDate:         due,
		PaymentLink:     res.PaymentLink,
		BoletoURL:       res.BoletoURL,
		PixQRCode:       res.PixQRCode,
		PixQRCodeBase64: res.PixQRCodeBase64,
		RawResponse:     res.Raw,
		CreatedAt:       now,
	}
	if err := s.store.Create(ctx, c); err != nil {
		// The provider already holds this charge; reconciliation needs the id.
		logging.L(ctx).Error("charge created at gateway but not recorded",
			"gateway", provider, "gateway_charge_id", res.ID, "charge_id", id, "error", err)
		chargeOutcomes.WithLabelValues(string(provider), "store_error").Inc()
		return nil, fmt.Errorf("record charge: %w", err)
	}

	chargeOutcomes.WithLabelValues(string(provider), "created").Inc()
	logging.Audit(ctx, "charge", c.ID, "", string(c.Status),
		"tenant_id", c.TenantID, "gateway", provider, "gateway_charge_id", c.GatewayChargeID,
		"amount_cents", c.AmountCents)
	return c, nil
}

// Get returns a charge owned by tenantID.
func (s *Service) Get(ctx context.Context, tenantID, chargeID string) (*Charge, error) {
	c, err := s.store.Get(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if c.TenantID != tenantID {
		return nil, ErrChargeNotFound
	}
	return c, nil
}

// Refresh polls the gateway for a tenant's charge and returns the result.
func (s *Service) Refresh(ctx context.Context, tenantID, chargeID string) (*Charge, *SyncResult, error) {
	c, err := s.Get(ctx, tenantID, chargeID)
	if err != nil {
		return nil, nil, err
	}
	res, err := s.sync(ctx, c)
	if err != nil {
		return nil, nil, err
	}
	c, err = s.store.Get(ctx, chargeID)
	return c, res, err
}

// List returns a tenant's charges, newest first.
func (s *Service) List(ctx context.Context, tenantID string, limit, offset int) ([]*Charge, error) {
	return s.store.ListByTenant(ctx, tenantID, limit, offset)
}

// Events returns the status history of a charge.
func (s *Service) Events(ctx context.Context, chargeID string) ([]*Event, error) {
	if _, err := s.store.Get(ctx, chargeID); err != nil {
		return nil, err
	}
	return s.events.ListEvents(ctx, chargeID)
}

// SyncChargeStatus polls the gateway for a charge and applies the reported
// status exactly as a webhook would. Transport errors and 5xx responses
// are retried.
func (s *Service) SyncChargeStatus(ctx context.Context, gatewayChargeID string) (*SyncResult, error) {
	c, err := s.store.GetByGatewayChargeID(ctx, "", gatewayChargeID)
	if err != nil {
		return nil, err
	}
	return s.sync(ctx, c)
}

func (s *Service) sync(ctx context.Context, c *Charge) (_ *SyncResult, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.SyncChargeStatus",
		traces.ChargeID(c.ID), traces.GatewayChargeID(c.GatewayChargeID), traces.Gateway(string(c.Gateway)))
	defer func() { traces.End(span, err) }()

	snap := s.gateways.Current()
	gw, err := snap.Gateway(c.Gateway)
	if err != nil {
		return nil, err
	}

	var res *gateway.ChargeResult
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, snap.Timeout)
		defer cancel()
		r, err := gw.GetChargeStatus(callCtx, c.GatewayChargeID)
		if err != nil {
			if !gateway.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		var perm *retry.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return nil, err
	}

	return s.apply(ctx, c, res.Status, "sync", "", res.Raw)
}

// CancelCharge cancels a pending charge at its gateway and locally.
func (s *Service) CancelCharge(ctx context.Context, chargeID string) (_ *Charge, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.CancelCharge", traces.ChargeID(chargeID))
	defer func() { traces.End(span, err) }()

	c, err := s.store.Get(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(c.Status, gateway.StatusCancelled) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, gateway.StatusCancelled)
	}

	snap := s.gateways.Current()
	gw, err := snap.Gateway(c.Gateway)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, snap.Timeout)
	err = gw.CancelCharge(callCtx, c.GatewayChargeID)
	cancel()
	if err != nil {
		return nil, err
	}

	res, err := s.apply(ctx, c, gateway.StatusCancelled, "admin_cancel", "", nil)
	if err != nil {
		return nil, err
	}
	if res.Rejected {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, res.PreviousStatus, gateway.StatusCancelled)
	}
	return s.store.Get(ctx, chargeID)
}

// WebhookResult is returned to the provider.
type WebhookResult struct {
	Processed bool   `json:"processed"`
	Message   string `json:"message"`
	ChargeID  string `json:"chargeId,omitempty"`
	Status    Status `json:"status,omitempty"`
}

// ProcessWebhook authenticates, parses and applies one webhook delivery.
// It returns ErrWebhookUnauthorized or ErrWebhookMalformed for deliveries
// that must not be acknowledged; anything else it can parse is answered
// with a result, even for charges this system never created.
func (s *Service) ProcessWebhook(ctx context.Context, provider gateway.Provider, header http.Header, body []byte) (_ *WebhookResult, err error) {
	ctx, span := traces.StartSpan(ctx, "ledger.ProcessWebhook", traces.Gateway(string(provider)))
	defer func() { traces.End(span, err) }()

	snap := s.gateways.Current()
	parser, err := snap.Webhook(provider)
	if err != nil {
		return nil, err
	}

	ev, err := parser.ParseWebhook(header, body)
	if err != nil {
		webhooksTotal.WithLabelValues(string(provider), webhookOutcome(err)).Inc()
		return nil, err
	}
	if !ev.Verified {
		if snap.Strict {
			webhooksTotal.WithLabelValues(string(provider), "unauthorized").Inc()
			return nil, fmt.Errorf("%w: no webhook secret configured", ErrWebhookUnauthorized)
		}
		logging.L(ctx).Warn("webhook accepted without verification; no webhook secret configured",
			"gateway", provider, "event", ev.Type)
	}
	span.SetAttributes(traces.GatewayChargeID(ev.GatewayChargeID))

	if ev.Status == "" {
		webhooksTotal.WithLabelValues(string(provider), "ignored").Inc()
		return &WebhookResult{Processed: false, Message: "event ignored"}, nil
	}

	c, err := s.store.GetByGatewayChargeID(ctx, provider, ev.GatewayChargeID)
	if errors.Is(err, ErrChargeNotFound) {
		logging.L(ctx).Info("webhook for unknown charge acknowledged",
			"gateway", provider, "gateway_charge_id", ev.GatewayChargeID, "event", ev.Type)
		webhooksTotal.WithLabelValues(string(provider), "unknown_charge").Inc()
		return &WebhookResult{Processed: false, Message: "charge not found"}, nil
	}
	if err != nil {
		webhooksTotal.WithLabelValues(string(provider), "error").Inc()
		return nil, err
	}

	res, err := s.apply(ctx, c, ev.Status, "webhook", ev.Type, ev.Raw)
	if err != nil {
		webhooksTotal.WithLabelValues(string(provider), "error").Inc()
		return nil, err
	}

	out := &WebhookResult{ChargeID: c.ID, Status: res.NewStatus}
	switch {
	case res.Rejected:
		out.Message = fmt.Sprintf("transition %s -> %s ignored", res.PreviousStatus, ev.Status)
	case res.Updated:
		out.Processed = true
		out.Message = "charge updated"
	case res.SubscriptionExtended:
		out.Processed = true
		out.Message = "subscription extension completed"
	default:
		out.Message = "already applied"
	}
	webhooksTotal.WithLabelValues(string(provider), "ok").Inc()
	return out, nil
}

// apply moves a charge to the reported status under the per-charge lock and
// extends the subscription once on confirmation. Replays are no-ops.
func (s *Service) apply(ctx context.Context, c *Charge, to Status, source, eventType string, raw []byte) (_ *SyncResult, err error) {
	unlock, err := s.locker.Lock(ctx, "charge:"+string(c.Gateway)+":"+c.GatewayChargeID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	cur, err := s.store.Get(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	res := &SyncResult{
		ChargeID:        cur.ID,
		GatewayChargeID: cur.GatewayChargeID,
		PreviousStatus:  cur.Status,
		NewStatus:       cur.Status,
	}
	outcome := OutcomeNoop
	defer func() {
		if err == nil {
			s.record(ctx, cur, res, to, source, eventType, outcome)
		}
	}()

	if to != cur.Status {
		if !CanTransition(cur.Status, to) {
			res.Rejected = true
			outcome = OutcomeRejected
			illegalTransitions.WithLabelValues(string(cur.Status), string(to)).Inc()
			logging.L(ctx).Warn("illegal charge transition ignored",
				"charge_id", cur.ID, "gateway_charge_id", cur.GatewayChargeID,
				"from", cur.Status, "to", to, "source", source, "event", eventType)
			return res, nil
		}

		var paidAt *time.Time
		if to == gateway.StatusConfirmed {
			now := s.now()
			paidAt = &now
		}
		if err := s.store.UpdateStatus(ctx, cur.ID, cur.Status, to, paidAt, raw); err != nil {
			return nil, err
		}
		from := cur.Status
		cur.Status = to
		if paidAt != nil {
			cur.PaidAt = paidAt
		}
		res.NewStatus = to
		res.Updated = true
		outcome = OutcomeApplied
		transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
		logging.Audit(ctx, "charge", cur.ID, string(from), string(to),
			"tenant_id", cur.TenantID, "gateway_charge_id", cur.GatewayChargeID, "source", source)
	}

	if cur.Status != gateway.StatusConfirmed || cur.SubscriptionAppliedAt != nil {
		return res, nil
	}

	// A previous delivery may have extended the subscription and then failed
	// to mark the charge. The extender refuses the repeat and only the mark
	// is retried here.
	extended := true
	if _, err := s.subs.ExtendForPayment(ctx, cur.TenantID, cur.ID, subscription.BillingCycle(cur.BillingCycle)); err != nil {
		switch {
		case errors.Is(err, subscription.ErrPaymentApplied):
			extended = false
		case errors.Is(err, subscription.ErrInvalidState), errors.Is(err, subscription.ErrNotFound):
			logging.L(ctx).Warn("confirmed payment could not extend subscription",
				"charge_id", cur.ID, "tenant_id", cur.TenantID, "error", err)
			return res, nil
		default:
			return nil, fmt.Errorf("extend subscription: %w", err)
		}
	}
	if err := s.store.MarkSubscriptionApplied(ctx, cur.ID, s.now()); err != nil {
		return nil, fmt.Errorf("mark subscription applied: %w", err)
	}
	if !extended {
		return res, nil
	}
	res.SubscriptionExtended = true
	if !res.Updated {
		outcome = OutcomeExtended
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, c *Charge, res *SyncResult, to Status, source, eventType string, outcome Outcome) {
	err := s.events.AppendEvent(ctx, &Event{
		ChargeID:   c.ID,
		TenantID:   c.TenantID,
		Source:     source,
		EventType:  eventType,
		FromStatus: res.PreviousStatus,
		ToStatus:   to,
		Outcome:    outcome,
	})
	if err != nil {
		logging.L(ctx).Warn("failed to record charge event", "charge_id", c.ID, "error", err)
	}
}

func webhookOutcome(err error) string {
	switch {
	case errors.Is(err, ErrWebhookUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrWebhookMalformed):
		return "malformed"
	default:
		return "error"
	}
}
