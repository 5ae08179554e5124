// Package gateway abstracts external payment providers.
//
// Every provider speaks its own status vocabulary; adapters translate it into
// the canonical Status in exactly one function each, and nothing outside this
// package ever sees a provider status code.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNotConfigured means the selected provider has no credentials.
	ErrNotConfigured = errors.New("gateway: provider not configured")
	// ErrUnknownProvider means the provider name is not supported.
	ErrUnknownProvider = errors.New("gateway: unknown provider")
	// ErrCircuitOpen means recent calls to the provider kept failing.
	ErrCircuitOpen = errors.New("gateway: circuit open")
	// ErrWebhookUnauthorized means a webhook failed authentication.
	ErrWebhookUnauthorized = errors.New("gateway: webhook authentication failed")
	// ErrWebhookMalformed means a webhook payload could not be parsed.
	ErrWebhookMalformed = errors.New("gateway: malformed webhook payload")
)

// Provider names a payment provider.
type Provider string

const (
	ProviderAsaas  Provider = "asaas"
	ProviderStripe Provider = "stripe"
)

// Providers lists the supported providers.
var Providers = []Provider{ProviderAsaas, ProviderStripe}

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	for _, p := range Providers {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// Status is the canonical charge status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusOverdue   Status = "overdue"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
	StatusFailed    Status = "failed"
)

// Method is how the payer pays.
type Method string

const (
	MethodPix        Method = "PIX"
	MethodBoleto     Method = "BOLETO"
	MethodCreditCard Method = "CREDIT_CARD"
)

// Valid reports whether m is a supported payment method.
func (m Method) Valid() bool {
	return m == MethodPix || m == MethodBoleto || m == MethodCreditCard
}

// Customer identifies the payer at the provider.
type Customer struct {
	TaxID string
	Name  string
	Email string
}

// ChargeParams describes a charge to create.
type ChargeParams struct {
	Customer          Customer
	AmountCents       int64
	Currency          string
	Method            Method
	Description       string
	DueDate           time.Time
	ExternalReference string
}

// ChargeResult is the provider's view of a charge in canonical terms.
type ChargeResult struct {
	ID              string          `json:"id"`
	Status          Status          `json:"status"`
	AmountCents     int64           `json:"amountCents"`
	DueDate         time.Time       `json:"dueDate"`
	PaymentLink     string          `json:"paymentLink,omitempty"`
	BoletoURL       string          `json:"boletoUrl,omitempty"`
	PixQRCode       string          `json:"pixQrCode,omitempty"`
	PixQRCodeBase64 string          `json:"pixQrCodeBase64,omitempty"`
	Raw             json.RawMessage `json:"-"`
}

// Gateway is implemented once per provider. Adapters never retry; callers
// own retry policy.
type Gateway interface {
	Provider() Provider
	CreateCharge(ctx context.Context, params ChargeParams) (*ChargeResult, error)
	GetChargeStatus(ctx context.Context, gatewayChargeID string) (*ChargeResult, error)
	CancelCharge(ctx context.Context, gatewayChargeID string) error
}

// Event is a webhook delivery translated into canonical terms. Verified is
// false when the provider has no webhook secret configured, so the
// delivery could not be authenticated.
type Event struct {
	Provider        Provider
	Type            string
	GatewayChargeID string
	Status          Status
	Verified        bool
	Raw             json.RawMessage
}

// WebhookParser authenticates and parses webhook deliveries.
type WebhookParser interface {
	ParseWebhook(header http.Header, body []byte) (*Event, error)
}

// Error is a failure reported by a provider or the transport to it.
// StatusCode is zero for transport failures.
type Error struct {
	Provider   Provider
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway %s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("gateway %s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying for idempotent
// reads: transport errors, rate limiting and 5xx.
func (e *Error) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Retryable()
	}
	return errors.Is(err, ErrCircuitOpen)
}
