package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state.
type BreakerState int

const (
	StateClosed   BreakerState = iota // Normal: calls flow through
	StateOpen                         // Tripped: calls are rejected
	StateHalfOpen                     // Probing: one call allowed to test recovery
)

// String returns the state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type breakerEntry struct {
	state       BreakerState
	failures    int
	lastFailure time.Time
}

// Breaker is a per-provider circuit breaker. It trips open after threshold
// consecutive provider failures and, after openDuration, lets one probe
// call through.
type Breaker struct {
	mu           sync.Mutex
	entries      map[Provider]*breakerEntry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

// NewBreaker creates a breaker. Non-positive arguments fall back to 5
// failures and 30 seconds.
func NewBreaker(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if openDuration <= 0 {
		openDuration = 30 * time.Second
	}
	return &Breaker{
		entries:      make(map[Provider]*breakerEntry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// Allow reports whether a call to p should proceed.
func (b *Breaker) Allow(p Provider) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[p]
	if !ok {
		return true
	}

	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.openDuration {
			b.transition(e, p, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(p Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[p]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, p, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure and trips the circuit at the threshold.
func (b *Breaker) RecordFailure(p Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[p]
	if !ok {
		e = &breakerEntry{state: StateClosed}
		b.entries[p] = e
	}

	e.failures++
	e.lastFailure = b.now()

	if e.state == StateHalfOpen {
		b.transition(e, p, StateOpen)
		return
	}
	if e.state == StateClosed && e.failures >= b.threshold {
		b.transition(e, p, StateOpen)
	}
}

// RecordCanceled releases a half-open probe that was abandoned by its
// caller. The circuit goes back to open without counting a failure, so the
// next Allow after openDuration probes again.
func (b *Breaker) RecordCanceled(p Provider) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[p]; ok && e.state == StateHalfOpen {
		b.transition(e, p, StateOpen)
	}
}

// State returns the current state for p.
func (b *Breaker) State(p Provider) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[p]; ok {
		return e.state
	}
	return StateClosed
}

// Caller must hold b.mu.
func (b *Breaker) transition(e *breakerEntry, p Provider, to BreakerState) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	breakerTransitions.WithLabelValues(string(p), from.String(), to.String()).Inc()
}

// WithBreaker wraps g so calls fail fast with ErrCircuitOpen while the
// provider's circuit is open. Only transport failures and 5xx responses
// count against the circuit; a 4xx is the caller's fault.
func WithBreaker(g Gateway, b *Breaker) Gateway {
	if b == nil {
		return g
	}
	return &breakerGateway{next: g, breaker: b}
}

type breakerGateway struct {
	next    Gateway
	breaker *Breaker
}

func (g *breakerGateway) Provider() Provider { return g.next.Provider() }

func (g *breakerGateway) CreateCharge(ctx context.Context, params ChargeParams) (*ChargeResult, error) {
	if !g.breaker.Allow(g.Provider()) {
		return nil, ErrCircuitOpen
	}
	res, err := g.next.CreateCharge(ctx, params)
	g.record(err)
	return res, err
}

func (g *breakerGateway) GetChargeStatus(ctx context.Context, id string) (*ChargeResult, error) {
	if !g.breaker.Allow(g.Provider()) {
		return nil, ErrCircuitOpen
	}
	res, err := g.next.GetChargeStatus(ctx, id)
	g.record(err)
	return res, err
}

func (g *breakerGateway) CancelCharge(ctx context.Context, id string) error {
	if !g.breaker.Allow(g.Provider()) {
		return ErrCircuitOpen
	}
	err := g.next.CancelCharge(ctx, id)
	g.record(err)
	return err
}

// ParseWebhook delegates to the wrapped adapter. Webhooks are inbound and
// never touch the circuit.
func (g *breakerGateway) ParseWebhook(header http.Header, body []byte) (*Event, error) {
	p, ok := g.next.(WebhookParser)
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p.ParseWebhook(header, body)
}

func (g *breakerGateway) record(err error) {
	var gwErr *Error
	switch {
	case err == nil:
		g.breaker.RecordSuccess(g.Provider())
	case errors.As(err, &gwErr) && !gwErr.Retryable():
		g.breaker.RecordSuccess(g.Provider())
	case errors.Is(err, context.Canceled):
		g.breaker.RecordCanceled(g.Provider())
	default:
		g.breaker.RecordFailure(g.Provider())
	}
}
