// Package reconciliation re-polls payment gateways for charges that stayed
// pending longer than a webhook should take to arrive. It covers lost or
// rejected deliveries; the per-charge transition logic lives in the ledger.
package reconciliation

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/pharmahub/internal/gateway"
	"github.com/mbd888/pharmahub/internal/ledger"
	"github.com/mbd888/pharmahub/internal/logging"
)

const (
	DefaultMinAge      = 10 * time.Minute
	DefaultBatchSize   = 100
	DefaultConcurrency = 4
)

// PendingLister lists charges still waiting on the gateway.
type PendingLister interface {
	ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*ledger.Charge, error)
}

// Syncer applies the gateway's view of one charge.
type Syncer interface {
	SyncChargeStatus(ctx context.Context, gatewayChargeID string) (*ledger.SyncResult, error)
}

// Report summarises one reconciliation run.
type Report struct {
	Checked   int           `json:"checked"`
	Updated   int           `json:"updated"`
	Extended  int           `json:"extended"`
	Rejected  int           `json:"rejected"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
}

// Runner performs reconciliation passes.
type Runner struct {
	charges     PendingLister
	syncer      Syncer
	minAge      time.Duration
	batchSize   int
	concurrency int
	now         func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a reconciliation runner.
func NewRunner(charges PendingLister, syncer Syncer) *Runner {
	return &Runner{
		charges:     charges,
		syncer:      syncer,
		minAge:      DefaultMinAge,
		batchSize:   DefaultBatchSize,
		concurrency: DefaultConcurrency,
		now:         time.Now,
	}
}

// WithMinAge sets how old a pending charge must be before it is polled.
func (r *Runner) WithMinAge(d time.Duration) *Runner {
	r.minAge = d
	return r
}

// WithBatchSize caps the number of charges polled per run.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// WithConcurrency sets how many gateway polls run at once.
func (r *Runner) WithConcurrency(n int) *Runner {
	if n > 0 {
		r.concurrency = n
	}
	return r
}

// WithClock overrides the time source.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// LastReport returns the most recent run's report, or nil.
func (r *Runner) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return nil
	}
	cp := *r.last
	return &cp
}

// RunAll polls every stale pending charge once. Individual charge failures
// are counted, not returned; only a failure to list charges is an error.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{StartedAt: start}
	defer func() {
		report.Duration = time.Since(start)
		reconcileDuration.Observe(report.Duration.Seconds())
	}()

	pending, err := r.charges.ListPending(ctx, start.Add(-r.minAge), r.batchSize)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	pendingGauge.Set(float64(len(pending)))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, c := range pending {
		g.Go(func() error {
			res, err := r.syncer.SyncChargeStatus(gctx, c.GatewayChargeID)

			mu.Lock()
			defer mu.Unlock()
			report.Checked++
			switch {
			case errors.Is(err, gateway.ErrNotConfigured), errors.Is(err, gateway.ErrCircuitOpen):
				report.Skipped++
			case err != nil:
				report.Failed++
				logging.L(ctx).Warn("reconciliation sync failed",
					"charge_id", c.ID, "gateway", c.Gateway, "gateway_charge_id", c.GatewayChargeID, "error", err)
			default:
				if res.Updated {
					report.Updated++
				}
				if res.SubscriptionExtended {
					report.Extended++
				}
				if res.Rejected {
					report.Rejected++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	chargesChecked.Add(float64(report.Checked))
	chargesUpdated.Add(float64(report.Updated))
	if report.Failed > 0 {
		reconcileErrors.Add(float64(report.Failed))
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}
