package ledger

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/pharmahub/internal/gateway"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func TestMetrics_WebhookOutcomes(t *testing.T) {
	f := newFixture(t, configuredEnv())
	ctx := context.Background()
	f.createCharge(t)

	okBefore := counterValue(t, webhooksTotal, "asaas", "ok")
	transBefore := counterValue(t, transitionsTotal, "pending", "confirmed")

	_, err := f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.NoError(t, err)
	_, err = f.svc.ProcessWebhook(ctx, gateway.ProviderAsaas, asaasHeader(webhookToken), confirmedPayload)
	require.NoError(t, err)

	if got := counterValue(t, webhooksTotal, "asaas", "ok") - okBefore; got != 2 {
		t.Errorf("expected 2 ok deliveries, got %v", got)
	}
	if got := counterValue(t, transitionsTotal, "pending", "confirmed") - transBefore; got != 1 {
		t.Errorf("expected one applied transition, got %v", got)
	}
}

func TestMetrics_CreatedCounter(t *testing.T) {
	f := newFixture(t, configuredEnv())
	before := counterValue(t, chargeOutcomes, "asaas", "created")

	f.createCharge(t)

	if got := counterValue(t, chargeOutcomes, "asaas", "created") - before; got != 1 {
		t.Errorf("expected 1 created charge, got %v", got)
	}
}

func TestMetrics_Registered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	want := map[string]bool{
		"pharmahub_ledger_charges_created_total":    false,
		"pharmahub_ledger_webhooks_total":           false,
		"pharmahub_ledger_charge_transitions_total": false,
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("metric %s not registered", name)
		}
	}
}
