package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const stripeSignatureHeader = "Stripe-Signature"

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	// Backends overrides the API endpoints. Tests point it at a fake server.
	Backends *stripe.Backends
}

// Stripe charges through PaymentIntents in BRL.
type Stripe struct {
	cfg StripeConfig
	api *client.API
	now func() time.Time
}

var (
	_ Gateway       = (*Stripe)(nil)
	_ WebhookParser = (*Stripe)(nil)
)

// NewStripe creates a Stripe adapter. The SDK's own network retries are
// disabled; retry policy belongs to the caller.
func NewStripe(cfg StripeConfig) *Stripe {
	backends := cfg.Backends
	if backends == nil {
		backends = stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient: &http.Client{
				Timeout:   cfg.Timeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
			MaxNetworkRetries: stripe.Int64(0),
		})
	}
	return &Stripe{cfg: cfg, api: client.New(cfg.SecretKey, backends), now: time.Now}
}

func (s *Stripe) Provider() Provider { return ProviderStripe }

// CreateCharge creates and, for PIX and boleto, confirms a PaymentIntent so
// the payment instructions come back in the same call.
func (s *Stripe) CreateCharge(ctx context.Context, params ChargeParams) (res *ChargeResult, err error) {
	if s.cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	start := time.Now()
	defer func() { observe(ProviderStripe, "create_charge", start, err) }()

	customerID, err := s.ensureCustomer(ctx, params.Customer)
	if err != nil {
		return nil, err
	}

	currency := params.Currency
	if currency == "" {
		currency = string(stripe.CurrencyBRL)
	}
	piParams := &stripe.PaymentIntentParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(params.AmountCents),
		Currency:    stripe.String(currency),
		Customer:    stripe.String(customerID),
		Description: stripe.String(params.Description),
		Metadata:    map[string]string{"external_reference": params.ExternalReference},
	}
	switch params.Method {
	case MethodPix:
		piParams.PaymentMethodTypes = stripe.StringSlice([]string{"pix"})
		piParams.PaymentMethodData = &stripe.PaymentIntentPaymentMethodDataParams{Type: stripe.String("pix")}
		piParams.Confirm = stripe.Bool(true)
	case MethodBoleto:
		piParams.PaymentMethodTypes = stripe.StringSlice([]string{"boleto"})
		piParams.PaymentMethodData = &stripe.PaymentIntentPaymentMethodDataParams{
			Type:   stripe.String("boleto"),
			Boleto: &stripe.PaymentMethodBoletoParams{TaxID: stripe.String(params.Customer.TaxID)},
		}
		piParams.Confirm = stripe.Bool(true)
	default:
		piParams.PaymentMethodTypes = stripe.StringSlice([]string{"card"})
	}

	pi, err := s.api.PaymentIntents.New(piParams)
	if err != nil {
		return nil, stripeError(err)
	}
	res = stripeResult(pi)
	if res.DueDate.IsZero() {
		res.DueDate = params.DueDate
	}
	return res, nil
}

func (s *Stripe) ensureCustomer(ctx context.Context, c Customer) (string, error) {
	iter := s.api.Customers.Search(&stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Context: ctx,
			Query:   fmt.Sprintf("metadata['tax_id']:'%s'", c.TaxID),
		},
	})
	if iter.Next() {
		return iter.Customer().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", stripeError(err)
	}

	params := &stripe.CustomerParams{
		Params:   stripe.Params{Context: ctx},
		Name:     stripe.String(c.Name),
		Metadata: map[string]string{"tax_id": c.TaxID},
	}
	if c.Email != "" {
		params.Email = stripe.String(c.Email)
	}
	cust, err := s.api.Customers.New(params)
	if err != nil {
		return "", stripeError(err)
	}
	return cust.ID, nil
}

// GetChargeStatus retrieves the PaymentIntent with its latest charge so
// refunds are visible.
func (s *Stripe) GetChargeStatus(ctx context.Context, id string) (res *ChargeResult, err error) {
	if s.cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	start := time.Now()
	defer func() { observe(ProviderStripe, "get_charge", start, err) }()

	params := &stripe.PaymentIntentParams{Params: stripe.Params{Context: ctx}}
	params.AddExpand("latest_charge")
	pi, err := s.api.PaymentIntents.Get(id, params)
	if err != nil {
		return nil, stripeError(err)
	}
	return stripeResult(pi), nil
}

// CancelCharge cancels the PaymentIntent.
func (s *Stripe) CancelCharge(ctx context.Context, id string) (err error) {
	if s.cfg.SecretKey == "" {
		return ErrNotConfigured
	}
	start := time.Now()
	defer func() { observe(ProviderStripe, "cancel_charge", start, err) }()

	_, err = s.api.PaymentIntents.Cancel(id, &stripe.PaymentIntentCancelParams{Params: stripe.Params{Context: ctx}})
	if err != nil {
		return stripeError(err)
	}
	return nil
}

// ParseWebhook verifies the Stripe-Signature header when a webhook secret
// is configured. Events that do not concern a PaymentIntent come back with
// an empty Status.
func (s *Stripe) ParseWebhook(header http.Header, body []byte) (*Event, error) {
	var ev stripe.Event
	verified := false
	if s.cfg.WebhookSecret != "" {
		var err error
		ev, err = webhook.ConstructEventWithOptions(body, header.Get(stripeSignatureHeader), s.cfg.WebhookSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			if isStripeSignatureError(err) {
				return nil, fmt.Errorf("%w: %v", ErrWebhookUnauthorized, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrWebhookMalformed, err)
		}
		verified = true
	} else if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookMalformed, err)
	}

	if ev.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrWebhookMalformed)
	}
	var obj struct {
		ID            string `json:"id"`
		PaymentIntent string `json:"payment_intent"`
	}
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookMalformed, err)
	}

	out := &Event{
		Provider: ProviderStripe,
		Type:     string(ev.Type),
		Verified: verified,
		Raw:      json.RawMessage(body),
	}
	switch string(ev.Type) {
	case "payment_intent.succeeded":
		out.GatewayChargeID, out.Status = obj.ID, StatusConfirmed
	case "payment_intent.canceled":
		out.GatewayChargeID, out.Status = obj.ID, StatusCancelled
	case "payment_intent.payment_failed":
		out.GatewayChargeID, out.Status = obj.ID, StatusFailed
	case "payment_intent.created", "payment_intent.processing", "payment_intent.requires_action":
		out.GatewayChargeID, out.Status = obj.ID, StatusPending
	case "charge.refunded":
		out.GatewayChargeID, out.Status = obj.PaymentIntent, StatusRefunded
	default:
		out.GatewayChargeID = obj.ID
	}
	if out.GatewayChargeID == "" {
		return nil, fmt.Errorf("%w: missing payment intent id", ErrWebhookMalformed)
	}
	return out, nil
}

func isStripeSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func stripeResult(pi *stripe.PaymentIntent) *ChargeResult {
	res := &ChargeResult{
		ID:          pi.ID,
		Status:      mapStripeStatus(pi),
		AmountCents: pi.Amount,
	}
	if pi.LastResponse != nil {
		res.Raw = json.RawMessage(pi.LastResponse.RawJSON)
	}
	if na := pi.NextAction; na != nil {
		if pix := na.PixDisplayQRCode; pix != nil {
			res.PixQRCode = pix.Data
			res.PaymentLink = pix.HostedInstructionsURL
			if pix.ExpiresAt > 0 {
				res.DueDate = time.Unix(pix.ExpiresAt, 0).UTC()
			}
		}
		if boleto := na.BoletoDisplayDetails; boleto != nil {
			res.BoletoURL = boleto.PDF
			res.PaymentLink = boleto.HostedVoucherURL
			if boleto.ExpiresAt > 0 {
				res.DueDate = time.Unix(boleto.ExpiresAt, 0).UTC()
			}
		}
	}
	return res
}

// mapStripeStatus is the only place PaymentIntent states are translated.
func mapStripeStatus(pi *stripe.PaymentIntent) Status {
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		if pi.LatestCharge != nil && pi.LatestCharge.Refunded {
			return StatusRefunded
		}
		return StatusConfirmed
	case stripe.PaymentIntentStatusCanceled:
		return StatusCancelled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		if pi.LastPaymentError != nil {
			return StatusFailed
		}
		return StatusPending
	default:
		return StatusPending
	}
}

func stripeError(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return &Error{Provider: ProviderStripe, StatusCode: se.HTTPStatusCode, Message: se.Msg, Err: err}
	}
	return &Error{Provider: ProviderStripe, Message: err.Error(), Err: err}
}
