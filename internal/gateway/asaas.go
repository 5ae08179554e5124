package gateway

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	AsaasSandboxURL    = "https://sandbox.asaas.com/api/v3"
	AsaasProductionURL = "https://api.asaas.com/v3"

	asaasWebhookHeader = "asaas-access-token"
	asaasDateLayout    = "2006-01-02"
	maxResponseBytes   = 1 << 20
)

// AsaasConfig configures the Asaas adapter.
type AsaasConfig struct {
	APIKey       string
	WebhookToken string
	BaseURL      string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Asaas talks to the Asaas v3 REST API.
type Asaas struct {
	cfg    AsaasConfig
	client *http.Client
	now    func() time.Time
}

var (
	_ Gateway       = (*Asaas)(nil)
	_ WebhookParser = (*Asaas)(nil)
)

// NewAsaas creates an Asaas adapter. An empty API key still yields a
// usable webhook parser; charge operations return ErrNotConfigured.
func NewAsaas(cfg AsaasConfig) *Asaas {
	if cfg.BaseURL == "" {
		cfg.BaseURL = AsaasSandboxURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &Asaas{cfg: cfg, client: client, now: time.Now}
}

func (a *Asaas) Provider() Provider { return ProviderAsaas }

type asaasPayment struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	Value       float64 `json:"value"`
	DueDate     string  `json:"dueDate"`
	InvoiceURL  string  `json:"invoiceUrl"`
	BankSlipURL string  `json:"bankSlipUrl"`
}

type asaasPixQRCode struct {
	EncodedImage string `json:"encodedImage"`
	Payload      string `json:"payload"`
}

type asaasCustomer struct {
	ID string `json:"id"`
}

type asaasErrorBody struct {
	Errors []struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"errors"`
}

// CreateCharge finds or creates the customer by tax id, then creates the
// payment. For PIX the QR code is fetched as well.
func (a *Asaas) CreateCharge(ctx context.Context, params ChargeParams) (res *ChargeResult, err error) {
	if a.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	start := time.Now()
	defer func() { observe(ProviderAsaas, "create_charge", start, err) }()

	customerID, err := a.ensureCustomer(ctx, params.Customer)
	if err != nil {
		return nil, err
	}

	due := params.DueDate
	if due.IsZero() {
		due = a.now().AddDate(0, 0, 1)
	}
	body := map[string]any{
		"customer":          customerID,
		"billingType":       string(params.Method),
		"value":             centsToValue(params.AmountCents),
		"dueDate":           due.Format(asaasDateLayout),
		"description":       params.Description,
		"externalReference": params.ExternalReference,
	}

	var p asaasPayment
	raw, err := a.do(ctx, http.MethodPost, "/payments", body, &p)
	if err != nil {
		return nil, err
	}
	res = p.result(raw)

	if params.Method == MethodPix {
		var qr asaasPixQRCode
		// The charge exists at this point; a missing QR code is filled in
		// on the next status refresh.
		if _, qrErr := a.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(p.ID)+"/pixQrCode", nil, &qr); qrErr == nil {
			res.PixQRCode = qr.Payload
			res.PixQRCodeBase64 = qr.EncodedImage
		}
	}
	return res, nil
}

func (a *Asaas) ensureCustomer(ctx context.Context, c Customer) (string, error) {
	var found struct {
		Data []asaasCustomer `json:"data"`
	}
	if _, err := a.do(ctx, http.MethodGet, "/customers?cpfCnpj="+url.QueryEscape(c.TaxID), nil, &found); err != nil {
		return "", err
	}
	if len(found.Data) > 0 && found.Data[0].ID != "" {
		return found.Data[0].ID, nil
	}

	body := map[string]any{"name": c.Name, "cpfCnpj": c.TaxID}
	if c.Email != "" {
		body["email"] = c.Email
	}
	var created asaasCustomer
	if _, err := a.do(ctx, http.MethodPost, "/customers", body, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

// GetChargeStatus fetches the current state of a payment.
func (a *Asaas) GetChargeStatus(ctx context.Context, id string) (res *ChargeResult, err error) {
	if a.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	start := time.Now()
	defer func() { observe(ProviderAsaas, "get_charge", start, err) }()

	var p asaasPayment
	raw, err := a.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(id), nil, &p)
	if err != nil {
		return nil, err
	}
	return p.result(raw), nil
}

// CancelCharge deletes a payment at Asaas.
func (a *Asaas) CancelCharge(ctx context.Context, id string) (err error) {
	if a.cfg.APIKey == "" {
		return ErrNotConfigured
	}
	start := time.Now()
	defer func() { observe(ProviderAsaas, "cancel_charge", start, err) }()

	_, err = a.do(ctx, http.MethodDelete, "/payments/"+url.PathEscape(id), nil, nil)
	return err
}

// ParseWebhook authenticates a delivery with the asaas-access-token header
// when a webhook token is configured.
func (a *Asaas) ParseWebhook(header http.Header, body []byte) (*Event, error) {
	verified := false
	if a.cfg.WebhookToken != "" {
		got := header.Get(asaasWebhookHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.WebhookToken)) != 1 {
			return nil, ErrWebhookUnauthorized
		}
		verified = true
	}

	var payload struct {
		Event   string        `json:"event"`
		Payment *asaasPayment `json:"payment"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookMalformed, err)
	}
	if payload.Payment == nil || payload.Payment.ID == "" {
		return nil, fmt.Errorf("%w: missing payment id", ErrWebhookMalformed)
	}

	return &Event{
		Provider:        ProviderAsaas,
		Type:            payload.Event,
		GatewayChargeID: payload.Payment.ID,
		Status:          mapAsaasStatus(payload.Event, payload.Payment.Status),
		Verified:        verified,
		Raw:             json.RawMessage(body),
	}, nil
}

func (p asaasPayment) result(raw []byte) *ChargeResult {
	res := &ChargeResult{
		ID:          p.ID,
		Status:      mapAsaasStatus("", p.Status),
		AmountCents: valueToCents(p.Value),
		PaymentLink: p.InvoiceURL,
		BoletoURL:   p.BankSlipURL,
		Raw:         json.RawMessage(raw),
	}
	if d, err := time.Parse(asaasDateLayout, p.DueDate); err == nil {
		res.DueDate = d
	}
	return res
}

func (a *Asaas) do(ctx context.Context, method, path string, body, out any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("access_token", a.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "pharmahub")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, &Error{Provider: ProviderAsaas, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Provider: ProviderAsaas, Message: "read response: " + err.Error(), Err: err}
	}

	if resp.StatusCode >= 300 {
		return nil, &Error{Provider: ProviderAsaas, StatusCode: resp.StatusCode, Message: asaasErrorMessage(raw, resp.Status)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, &Error{Provider: ProviderAsaas, StatusCode: resp.StatusCode, Message: "decode response: " + err.Error(), Err: err}
		}
	}
	return raw, nil
}

func asaasErrorMessage(raw []byte, fallback string) string {
	var body asaasErrorBody
	if json.Unmarshal(raw, &body) != nil || len(body.Errors) == 0 {
		return fallback
	}
	msgs := make([]string, 0, len(body.Errors))
	for _, e := range body.Errors {
		msgs = append(msgs, e.Description)
	}
	return strings.Join(msgs, "; ")
}

// mapAsaasStatus is the only place Asaas states are translated. A webhook
// event name wins when it is decisive; otherwise the payment status carried
// in the payload or the poll response decides. Polling passes no event.
func mapAsaasStatus(event, paymentStatus string) Status {
	switch strings.ToUpper(event) {
	case "PAYMENT_CONFIRMED", "PAYMENT_RECEIVED":
		return StatusConfirmed
	case "PAYMENT_OVERDUE":
		return StatusOverdue
	case "PAYMENT_DELETED":
		return StatusCancelled
	case "PAYMENT_REFUNDED":
		return StatusRefunded
	case "PAYMENT_REPROVED_BY_RISK_ANALYSIS", "PAYMENT_CREDIT_CARD_CAPTURE_REFUSED":
		return StatusFailed
	}

	switch strings.ToUpper(paymentStatus) {
	case "RECEIVED", "CONFIRMED", "RECEIVED_IN_CASH", "REFUND_REQUESTED", "REFUND_IN_PROGRESS":
		return StatusConfirmed
	case "OVERDUE":
		return StatusOverdue
	case "CANCELLED", "DELETED":
		return StatusCancelled
	case "REFUNDED":
		return StatusRefunded
	default:
		return StatusPending
	}
}

func centsToValue(cents int64) float64 {
	return float64(cents) / 100
}

func valueToCents(v float64) int64 {
	return int64(math.Round(v * 100))
}
