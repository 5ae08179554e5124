package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/pharmahub/internal/gateway"
	"github.com/mbd888/pharmahub/internal/plans"
	"github.com/mbd888/pharmahub/internal/retry"
	"github.com/mbd888/pharmahub/internal/secrets"
	"github.com/mbd888/pharmahub/internal/subscription"
	"github.com/mbd888/pharmahub/internal/tenant"
)

var epoch = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const webhookToken = "whk_secret"

// fakeGateway records calls and answers from a script. Webhook parsing is
// delegated to the real Asaas parser.
type fakeGateway struct {
	provider gateway.Provider
	parser   gateway.WebhookParser

	mu          sync.Mutex
	status      gateway.Status
	createErr   error
	getErrs     []error
	createCalls int
	getCalls    int
	cancelCalls int
}

func (g *fakeGateway) Provider() gateway.Provider { return g.provider }

func (g *fakeGateway) CreateCharge(_ context.Context, p gateway.ChargeParams) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.ChargeResult{
		ID:              "pay_abc",
		Status:          gateway.StatusPending,
		AmountCents:     p.AmountCents,
		DueDate:         p.DueDate,
		PixQRCode:       "00020126pix",
		PixQRCodeBase64: "aW1n",
	}, nil
}

func (g *fakeGateway) GetChargeStatus(_ context.Context, id string) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getCalls++
	if len(g.getErrs) > 0 {
		err := g.getErrs[0]
		g.getErrs = g.getErrs[1:]
		return nil, err
	}
	return &gateway.ChargeResult{ID: id, Status: g.status}, nil
}

func (g *fakeGateway) CancelCharge(context.Context, string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	return nil
}

func (g *fakeGateway) ParseWebhook(h http.Header, body []byte) (*gateway.Event, error) {
	return g.parser.ParseWebhook(h, body)
}

func (g *fakeGateway) setStatus(s gateway.Status) {
	g.mu.Lock()
	g.status = s
	g.mu.Unlock()
}

type fakeTenants map[string]*tenant.Tenant

func (f fakeTenants) Get(_ context.Context, id string) (*tenant.Tenant, error) {
	t, ok := f[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	return t, nil
}

// flakyExtender fails the first n extensions.
type flakyExtender struct {
	next  SubscriptionExtender
	mu    sync.Mutex
	fails int
	calls int
}

func (f *flakyExtender) ExtendForPayment(ctx context.Context, tenantID, chargeID string, cycle subscription.BillingCycle) (*subscription.Subscription, error) {
	f.mu.Lock()
	f.calls++
	fail := f.fails > 0
	if fail {
		f.fails--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("directory unavailable")
	}
	return f.next.ExtendForPayment(ctx, tenantID, chargeID, cycle)
}

// flakyMarkStore fails the first n MarkSubscriptionApplied calls.
type flakyMarkStore struct {
	*MemoryStore
	mu        sync.Mutex
	markFails int
}

func (s *flakyMarkStore) MarkSubscriptionApplied(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	fail := s.markFails > 0
	if fail {
		s.markFails--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("directory write failed")
	}
	return s.MemoryStore.MarkSubscriptionApplied(ctx, id, at)
}

type fixture struct {
	svc      *Service
	store    *MemoryStore
	marks    *flakyMarkStore
	events   *MemoryEventStore
	subs     *subscription.Service
	extender *flakyExtender
	holder   *gateway.Holder
	gw       *fakeGateway
	now      time.Time
}

func newFixture(t *testing.T, env gateway.EnvConfig) *fixture {
	t.Helper()
	f := &fixture{store: NewMemoryStore(), events: NewMemoryEventStore(), now: epoch}
	clock := func() time.Time { return f.now }

	f.gw = &fakeGateway{
		provider: gateway.ProviderAsaas,
		status:   gateway.StatusPending,
		parser:   gateway.NewAsaas(gateway.AsaasConfig{WebhookToken: env.AsaasWebhookToken}),
	}
	cipher, err := secrets.NewCipher("test-key")
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.holder = gateway.NewHolder(nil, cipher, env, logger).
		WithBreaker(nil).
		WithFactory(func(cfg gateway.ProviderConfig, _ time.Duration) gateway.Gateway {
			if cfg.Provider == gateway.ProviderAsaas {
				return f.gw
			}
			return gateway.DefaultFactory(cfg, time.Second)
		})

	f.subs = subscription.NewService(subscription.NewMemoryStore(), plans.NewMemoryStore(), nil).WithClock(clock)
	require.NoError(t, f.subs.StartTrial(context.Background(), "ten_1", "starter"))
	f.extender = &flakyExtender{next: f.subs}

	tenants := fakeTenants{
		"ten_1": {ID: "ten_1", TaxID: "11222333000181", Name: "Farmacia Central", Status: tenant.StatusActive},
	}
	f.marks = &flakyMarkStore{MemoryStore: f.store}
	f.svc = NewService(f.marks, tenants, f.holder, f.extender).
		WithEventStore(f.events).
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}).
		WithClock(clock)
	return f
}

func configuredEnv() gateway.EnvConfig {
	return gateway.EnvConfig{Active: gateway.ProviderAsaas, AsaasAPIKey: "key_123", AsaasWebhookToken: webhookToken}
}

func (f *fixture) createCharge(t *testing.T) *Charge {
	t.Helper()
	c, err := f.svc.CreateCharge(context.Background(), CreateChargeRequest{
		TenantID:      "ten_1",
		AmountCents:   5000,
		PaymentMethod: gateway.MethodPix,
		Description:   "Plano starter",
		BillingCycle:  "monthly",
	})
	require.NoError(t, err)
	return c
}

func asaasHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("asaas-access-token", token)
	}
	return h
}

var confirmedPayload = []byte(`{"event":"PAYMENT_CONFIRMED","payment":{"id":"pay_abc","status":"CONFIRMED"}}`)

func TestCanTransition(t *testing.T) {
	allowed := [][2]Status{
		{gateway.StatusPending, gateway.StatusConfirmed},
		{gateway.StatusPending, gateway.StatusOverdue},
		{gateway.StatusPending, gateway.StatusCancelled},
		{gateway.StatusPending, gateway.StatusFailed},
		{gateway.StatusConfirmed, gateway.StatusRefunded},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	rejected := [][2]Status{
		{gateway.StatusCancelled, gateway.StatusConfirmed},
		{gateway.StatusRefunded, gateway.StatusPending},
		{gateway.StatusConfirmed, gateway.StatusPending},
		{gateway.StatusFailed, gateway.StatusConfirmed},
		{gateway.StatusPending, gateway.StatusRefunded},
		{gateway.StatusPending, gateway.StatusPending},
	}
	for _, tr := range rejected {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestCreateCharge_PersistsPending(t *testing.T) {
	f := newFixture(t, configuredEnv())

	c := f.createCharge(t)
	assert.Equal(t, gateway.StatusPending, c.Status)
	assert.Equal(t, "pay_abc", c.GatewayChargeID)
	assert.Equal(t, gateway.ProviderAsaas, c.Gateway)
	assert.Equal(t, "00020126pix", c.PixQRCode)
	assert.Equal(t, "BRL", c.Currency)
	assert.Equal(t, epoch.AddDate(0, 0, 3), c.DueDate)

	stored, err := f.store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusPending, stored.Status)
}

func TestCreateCharge_NotConfiguredPersistsNothing(t *testing.T) {
	f := newFixture(t, gateway.EnvConfig{Active: gateway.ProviderAsaas})

	_, err := f.svc.CreateCharge(context.Background(), CreateChargeRequest{
		TenantID: "ten_1", AmountCents: 5000, PaymentMethod: gateway.MethodPix,
	})
	require.ErrorIs(t, err, gateway.ErrNotConfigured)

	list, err := f.store.ListByTenant(context.Background(), "ten_1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Zero(t, f.gw.createCalls)
}

func TestCreateCharge_GatewayErrorNotRetried(t *testing.T) {
	f := newFixture(t, configuredEnv())
	f.gw.createErr = &gateway.Error{Provider: gateway.ProviderAsaas, StatusCode: http.StatusBadGateway, Message: "upstream"}

	_, err := f.svc.CreateCharge(context.Background(), CreateChargeRequest{
		TenantID: "ten_1", AmountCents: 5000, PaymentMethod: gateway.MethodBoleto,
	})
	var gwErr *gateway.Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 1, f.gw.createCalls)
}

func TestCreateCharge_Validation(t *testing.T) {
	f := newFixture(t, configuredEnv())

	tests := []CreateChargeRequest{
		{TenantID: "ten_1", AmountCents: 0, PaymentMethod: gateway.MethodPix},
		{TenantID: "ten_1", AmountCents: 100, PaymentMethod: "CASH"},
		{TenantID: "ten_1", AmountCents: 100},
		{TenantID: "ten_1", AmountCents: 100, PaymentMethod: gateway.MethodPix, BillingCycle: "weekly"},
	}
	for _, req := range tests {
		_, err := f.svc.CreateCharge(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidCharge)
	}

	_, err := f.svc.CreateCharge(context.Background(), CreateChargeRequest{
		TenantID: "ten_missing", AmountCents: 100, PaymentMethod: gateway.MethodPix,
	})
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestProcessWebhook_ConfirmExtendsSubscriptionOnce(t *testing.T) {
	f := newFixture(t, configuredEnv())
	ctx := context.Background()
	c := f.createCharge(t)

	before, err := f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)
	oldEnd := before.EndDate

	res, err := f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, gateway.StatusConfirmed, res.Status)

	stored, err := f.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusConfirmed, stored.Status)
	require.NotNil(t, stored.PaidAt)
	assert.Equal(t, epoch, *stored.PaidAt)
	require.NotNil(t, stored.SubscriptionAppliedAt)

	sub, err := f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, sub.Status)
	assert.Equal(t, oldEnd.AddDate(0, 1, 0), sub.EndDate, "extends from the later of now and the old end date")

	// Replay: no second extension, paidAt untouched.
	f.now = epoch.Add(time.Hour)
	res, err = f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, "already applied", res.Message)

	again, err := f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, sub.EndDate, again.EndDate)
	stored, err = f.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, epoch, *stored.PaidAt)
	assert.Equal(t, 1, f.extender.calls)

	events, err := f.svc.Events(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, OutcomeApplied, events[0].Outcome)
	assert.Equal(t, OutcomeNoop, events[1].Outcome)
}

func TestProcessWebhook_ExtendsFromNowWhenExpired(t *testing.T) {
	f := newFixture(t, configuredEnv())
	ctx := context.Background()
	f.createCharge(t)

	f.now = epoch.AddDate(0, 2, 0)
	_, err := f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.NoError(t, err)

	sub, err := f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, f.now.AddDate(0, 1, 0), sub.EndDate)
	assert.Equal(t, subscription.StatusActive, sub.Status)
}

func TestProcessWebhook_InvalidTokenMutatesNothing(t *testing.T) {
	f := newFixture(t, configuredEnv())
	ctx := context.Background()
	c := f.createCharge(t)
	before, err := f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)

	_, err = f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader("wrong"), confirmedPayload)
	require.ErrorIs(t, err, ErrWebhookUnauthorized)

	stored, err := f.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusPending, stored.Status)
	after, err := f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, before.EndDate, after.EndDate)
}

func TestProcessWebhook_IllegalTransitionIgnored(t *testing.T) {
	f := newFixture(t, configuredEnv())
	ctx := context.Background()
	c := f.createCharge(t)

	deleted := []byte(`{"event":"PAYMENT_DELETED","payment":{"id":"pay_abc","status":"DELETED"}}`)
	_, err := f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), deleted)
	require.NoError(t, err)

	res, err := f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Contains(t, res.Message, "ignored")

	stored, err := f.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusCancelled, stored.Status)
	assert.Nil(t, stored.PaidAt)
	assert.Zero(t, f.extender.calls)
}

func TestProcessWebhook_UnknownChargeAcknowledged(t *testing.T) {
	f := newFixture(t, configuredEnv())

	body := []byte(`{"event":"PAYMENT_CONFIRMED","payment":{"id":"pay_never_seen"}}`)
	res, err := f.svc.ProcessWebhook(context.Background(), gateway.ProviderAsaas, asaasHeader(webhookToken), body)
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, "charge not found", res.Message)
}

func TestProcessWebhook_Malformed(t *testing.T) {
	f := newFixture(t, configuredEnv())

	_, err := f.svc.ProcessWebhook(context.Background(), gateway.ProviderAsaas, asaasHeader(webhookToken), []byte(`{"event":`))
	assert.ErrorIs(t, err, ErrWebhookMalformed)
}

func TestProcessWebhook_NoTokenConfigured(t *testing.T) {
	env := configuredEnv()
	env.AsaasWebhookToken = ""

	t.Run("permissive", func(t *testing.T) {
		f := newFixture(t, env)
		f.createCharge(t)
		res, err := f.svc.ProcessWebhook(context.Background(), gateway.ProviderAsaas, http.Header{}, confirmedPayload)
		require.NoError(t, err)
		assert.True(t, res.Processed)
	})

	t.Run("strict", func(t *testing.T) {
		strict := env
		strict.Strict = true
		f := newFixture(t, strict)
		c := f.createCharge(t)
		_, err := f.svc.ProcessWebhook(context.Background(), gateway.ProviderAsaas, http.Header{}, confirmedPayload)
		require.ErrorIs(t, err, ErrWebhookUnauthorized)

		stored, err := f.store.Get(context.Background(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, gateway.StatusPending, stored.Status)
	})
}

func TestProcessWebhook_RedeliveryCompletesFailedExtension(t *testing.T) {
	f := newFixture(t, configuredEnv())
	ctx := context.Background()
	c := f.createCharge(t)
	f.extender.fails = 1

	_, err := f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.Error(t, err, "provider must retry")

	stored, err := f.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusConfirmed, stored.Status)
	assert.Nil(t, stored.SubscriptionAppliedAt)

	res, err := f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.NoError(t, err)
	assert.True(t, res.Processed)
	assert.Equal(t, "subscription extension completed", res.Message)

	res, err = f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, 2, f.extender.calls)
}

func TestProcessWebhook_RedeliveryAfterFailedMarkExtendsOnce(t *testing.T) {
	f := newFixture(t, configuredEnv())
	ctx := context.Background()
	c := f.createCharge(t)
	before, err := f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)
	f.marks.markFails = 1

	_, err = f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.Error(t, err, "provider must retry")
	stored, err := f.store.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.SubscriptionAppliedAt)

	f.now = epoch.Add(time.Hour)
	res, err := f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.NoError(t, err)
	assert.False(t, res.Processed)
	assert.Equal(t, "already applied", res.Message)

	sub, err := f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, before.EndDate.AddDate(0, 1, 0), sub.EndDate, "one payment extends one cycle")

	stored, err = f.store.Get(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SubscriptionAppliedAt)

	_, err = f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.NoError(t, err)
	sub, err = f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, before.EndDate.AddDate(0, 1, 0), sub.EndDate)
	assert.Equal(t, 2, f.extender.calls)
}

func TestProcessWebhook_ConcurrentDeliveriesExtendOnce(t *testing.T) {
	f := newFixture(t, configuredEnv())
	ctx := context.Background()
	f.createCharge(t)
	before, err := f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	sub, err := f.subs.Get(ctx, "ten_1")
	require.NoError(t, err)
	assert.Equal(t, before.EndDate.AddDate(0, 1, 0), sub.EndDate)
	assert.Equal(t, 1, f.extender.calls)
}

func TestSyncChargeStatus(t *testing.T) {
	f := newFixture(t, configuredEnv())
	ctx := context.Background()
	c := f.createCharge(t)

	res, err := f.svc.SyncChargeStatus(ctx, "pay_abc")
	require.NoError(t, err)
	assert.False(t, res.Updated)
	assert.Equal(t, gateway.StatusPending, res.NewStatus)

	f.gw.setStatus(gateway.StatusConfirmed)
	f.gw.getErrs = []error{&gateway.Error{Provider: gateway.ProviderAsaas, StatusCode: http.StatusServiceUnavailable}}
	res, err = f.svc.SyncChargeStatus(ctx, "pay_abc")
	require.NoError(t, err)
	assert.True(t, res.Updated)
	assert.True(t, res.SubscriptionExtended)
	assert.Equal(t, gateway.StatusPending, res.PreviousStatus)
	assert.Equal(t, gateway.StatusConfirmed, res.NewStatus)
	assert.Equal(t, c.ID, res.ChargeID)
	assert.Equal(t, 3, f.gw.getCalls, "one poll, then a retried 503 and its success")

	_, err = f.svc.SyncChargeStatus(ctx, "pay_missing")
	assert.ErrorIs(t, err, ErrChargeNotFound)
}

func TestSyncChargeStatus_ClientErrorNotRetried(t *testing.T) {
	f := newFixture(t, configuredEnv())
	f.createCharge(t)
	f.gw.getErrs = []error{&gateway.Error{Provider: gateway.ProviderAsaas, StatusCode: http.StatusNotFound, Message: "not found"}}

	_, err := f.svc.SyncChargeStatus(context.Background(), "pay_abc")
	var gwErr *gateway.Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusNotFound, gwErr.StatusCode)
	assert.Equal(t, 1, f.gw.getCalls)
}

func TestCancelCharge(t *testing.T) {
	f := newFixture(t, configuredEnv())
	ctx := context.Background()
	c := f.createCharge(t)

	cancelled, err := f.svc.CancelCharge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusCancelled, cancelled.Status)
	assert.Equal(t, 1, f.gw.cancelCalls)

	_, err = f.svc.CancelCharge(ctx, c.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, f.gw.cancelCalls)
}

func TestGet_ScopedToTenant(t *testing.T) {
	f := newFixture(t, configuredEnv())
	c := f.createCharge(t)

	_, err := f.svc.Get(context.Background(), "ten_other", c.ID)
	assert.ErrorIs(t, err, ErrChargeNotFound)

	got, err := f.svc.Get(context.Background(), "ten_1", c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestMemoryStore_UpdateStatusIsCompareAndSet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Charge{ID: "chg_1", TenantID: "ten_1", Gateway: gateway.ProviderAsaas, GatewayChargeID: "pay_1", Status: gateway.StatusPending}))

	require.NoError(t, s.UpdateStatus(ctx, "chg_1", gateway.StatusPending, gateway.StatusConfirmed, nil, nil))
	assert.ErrorIs(t, s.UpdateStatus(ctx, "chg_1", gateway.StatusPending, gateway.StatusCancelled, nil, nil), ErrStatusConflict)
	assert.ErrorIs(t, s.UpdateStatus(ctx, "chg_x", gateway.StatusPending, gateway.StatusCancelled, nil, nil), ErrChargeNotFound)

	err := s.Create(ctx, &Charge{ID: "chg_2", Gateway: gateway.ProviderAsaas, GatewayChargeID: "pay_1"})
	assert.ErrorIs(t, err, ErrDuplicateCharge)
	require.NoError(t, s.Create(ctx, &Charge{ID: "chg_3", Gateway: gateway.ProviderStripe, GatewayChargeID: "pay_1"}))

	got, err := s.GetByGatewayChargeID(ctx, gateway.ProviderStripe, "pay_1")
	require.NoError(t, err)
	assert.Equal(t, "chg_3", got.ID)
}

func TestMemoryStore_ListPending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	old := epoch.Add(-time.Hour)
	require.NoError(t, s.Create(ctx, &Charge{ID: "chg_old", GatewayChargeID: "a", Status: gateway.StatusPending, CreatedAt: old}))
	require.NoError(t, s.Create(ctx, &Charge{ID: "chg_new", GatewayChargeID: "b", Status: gateway.StatusPending, CreatedAt: epoch}))
	require.NoError(t, s.Create(ctx, &Charge{ID: "chg_paid", GatewayChargeID: "c", Status: gateway.StatusConfirmed, CreatedAt: old}))

	list, err := s.ListPending(ctx, epoch.Add(-10*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "chg_old", list[0].ID)
}
