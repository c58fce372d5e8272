// Package reconcile publishes pending price decisions and reconciles store state
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"repricer/internal/core"
	"repricer/internal/pricing"
	"repricer/internal/store"
	"repricer/pkg/concurrency"
	apperrors "repricer/pkg/errors"
	"repricer/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Config holds reconciler settings
type Config struct {
	Interval         time.Duration // zero disables the internal ticker
	PendingOlderThan time.Duration // confirmation deadline for a pending decision
	BatchLimit       int
	PublishTimeout   time.Duration
	PassTimeout      time.Duration
	MaxStoreAttempts int
	Currency         string
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		Interval:         time.Hour,
		PendingOlderThan: 0,
		BatchLimit:       500,
		PublishTimeout:   10 * time.Second,
		PassTimeout:      10 * time.Minute,
		MaxStoreAttempts: 3,
		Currency:         "USD",
	}
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeSucceeded
	outcomeSkipped
)

// Reconciler implements core.IReconciler
type Reconciler struct {
	store     core.IPriceStore
	publisher core.IPublisher
	pool      *concurrency.WorkerPool
	guard     *concurrency.KeyedGuard
	logger    core.ILogger
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	runMu  sync.Mutex

	// Status tracking
	status   core.ReconcileStatus
	statusMu sync.RWMutex
}

// NewReconciler creates a new reconciler. The pool bounds concurrent publish calls.
func NewReconciler(
	s core.IPriceStore,
	publisher core.IPublisher,
	pool *concurrency.WorkerPool,
	logger core.ILogger,
	cfg Config,
) *Reconciler {
	defaults := DefaultConfig()
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaults.PublishTimeout
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = defaults.PassTimeout
	}
	if cfg.MaxStoreAttempts <= 0 {
		cfg.MaxStoreAttempts = defaults.MaxStoreAttempts
	}
	if cfg.Currency == "" {
		cfg.Currency = defaults.Currency
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Reconciler{
		store:     s,
		publisher: publisher,
		pool:      pool,
		guard:     concurrency.NewKeyedGuard(),
		logger:    logger.WithField("component", "reconciler"),
		cfg:       cfg,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		status:    core.ReconcileStatus{Status: "never_run"},
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start(ctx context.Context) error {
	if r.cfg.Interval <= 0 {
		r.logger.Info("Reconciler loop disabled, waiting for external triggers")
		return nil
	}
	r.logger.Info("Starting reconciler", "interval", r.cfg.Interval)

	r.wg.Add(1)
	go r.runLoop()

	return nil
}

// Stop stops the reconciler and waits for the loop to exit
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, r.cfg.PassTimeout)
			if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, apperrors.ErrReconcileInFlight) {
				r.logger.Error("Reconciliation failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// TriggerManual runs a pass immediately
func (r *Reconciler) TriggerManual(ctx context.Context) (*core.ReconcileReport, error) {
	r.logger.Info("Manual reconciliation triggered")
	return r.RunOnce(ctx)
}

// RunOnce scans for pending records past the confirmation deadline and reconciles them.
// A second concurrent pass is rejected with ErrReconcileInFlight. A failed scan is
// fatal to the pass and returned to the caller.
func (r *Reconciler) RunOnce(ctx context.Context) (*core.ReconcileReport, error) {
	if !r.runMu.TryLock() {
		return nil, apperrors.ErrReconcileInFlight
	}
	defer r.runMu.Unlock()

	ctx, span := telemetry.GetTracer("reconcile").Start(ctx, "reconcile.pass")
	defer span.End()

	r.statusMu.Lock()
	r.status.Status = "running"
	r.statusMu.Unlock()

	deadline := r.now().Add(-r.cfg.PendingOlderThan)
	pending, err := r.store.ListPending(ctx, deadline, r.cfg.BatchLimit)
	if err != nil {
		err = fmt.Errorf("failed to list pending records: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "pending scan failed")
		r.updateStatusFailed(err)
		telemetry.GetGlobalMetrics().RecordReconcileRun(ctx, "failed")
		return nil, err
	}
	r.recordPendingGauge(pending)

	report := r.Reconcile(ctx, pending)

	status := "completed"
	if report.Failed > 0 {
		status = "completed_with_failures"
	}
	r.statusMu.Lock()
	r.status.Status = status
	r.status.LastReport = report
	r.status.LastError = ""
	r.statusMu.Unlock()
	telemetry.GetGlobalMetrics().RecordReconcileRun(ctx, status)
	span.SetAttributes(
		attribute.String("run_id", report.RunID),
		attribute.Int("attempted", report.Attempted),
		attribute.Int("failed", report.Failed),
		attribute.Int("skipped", report.Skipped),
	)

	return report, nil
}

// Reconcile publishes each pending record and clears its pending prices on success.
// Items are independent: a failed or timed out publish leaves that record pending for
// the next pass and does not affect the others. Report order follows the input.
func (r *Reconciler) Reconcile(ctx context.Context, pending []*core.PriceRecord) *core.ReconcileReport {
	report := &core.ReconcileReport{
		RunID:     uuid.NewString(),
		StartedAt: r.now().UTC(),
		FailedIDs: []core.RecordKey{},
	}
	log := r.logger.WithField("run_id", report.RunID)
	log.Info("Starting reconciliation pass", "pending", len(pending))

	outcomes := make([]outcome, len(pending))
	tasks := make([]func(), len(pending))
	for i, rec := range pending {
		i, rec := i, rec
		tasks[i] = func() {
			outcomes[i] = r.reconcileOne(ctx, log, rec)
		}
	}

	if err := r.pool.RunAll(tasks); err != nil {
		// Tasks that never ran keep the zero outcome and count as failed
		log.Error("Failed to submit publish tasks", "error", err.Error())
	}

	for i, o := range outcomes {
		switch o {
		case outcomeSucceeded:
			report.Attempted++
			report.Succeeded++
		case outcomeSkipped:
			report.Skipped++
		default:
			report.Attempted++
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, pending[i].Key())
		}
	}
	report.CompletedAt = r.now().UTC()

	log.Info("Reconciliation pass completed",
		"attempted", report.Attempted,
		"succeeded", report.Succeeded,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"duration", report.CompletedAt.Sub(report.StartedAt))
	return report
}

func (r *Reconciler) reconcileOne(ctx context.Context, log core.ILogger, rec *core.PriceRecord) outcome {
	key := rec.Key()
	if !rec.HasPending() {
		return outcomeSkipped
	}

	release, ok := r.guard.TryAcquire(key.String())
	if !ok {
		log.Debug("Reconciliation already in flight for record", "key", key.String())
		return outcomeSkipped
	}

	req := r.publishRequest(rec)
	start := time.Now()
	done, err := r.publishWithTimeout(ctx, req)
	if done == nil {
		defer release()
	} else {
		// The publish call outlived its timeout; the key stays guarded until it returns
		go func() {
			<-done
			release()
		}()
	}

	metrics := telemetry.GetGlobalMetrics()
	if err != nil {
		metrics.RecordPublish(ctx, "failure", time.Since(start))
		log.Warn("Publish failed, record stays pending",
			"asin", key.ASIN,
			"marketplace_id", key.MarketplaceID,
			"price", req.Price.String(),
			"error", err.Error())
		return outcomeFailed
	}
	metrics.RecordPublish(ctx, "success", time.Since(start))

	if err := r.confirm(ctx, req); err != nil {
		log.Error("Publish succeeded but clearing pending failed",
			"asin", key.ASIN,
			"marketplace_id", key.MarketplaceID,
			"error", err.Error())
		return outcomeFailed
	}
	return outcomeSucceeded
}

// publishWithTimeout bounds one publish call. When the call does not return in time
// the returned channel is non-nil and receives once the call finally returns.
func (r *Reconciler) publishWithTimeout(ctx context.Context, req core.PublishRequest) (<-chan struct{}, error) {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PublishTimeout)
	defer cancel()

	result := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		result <- r.publisher.Publish(pctx, req)
	}()

	select {
	case err := <-result:
		return nil, err
	case <-pctx.Done():
		return finished, fmt.Errorf("%w: publish timed out after %s: %v", apperrors.ErrPublishFailed, r.cfg.PublishTimeout, pctx.Err())
	}
}

// confirm clears the pending prices if they still match what was published
func (r *Reconciler) confirm(ctx context.Context, req core.PublishRequest) error {
	confirmedAt := r.now().UTC()
	_, err := store.Update(ctx, r.store, req.Key, r.cfg.MaxStoreAttempts, func(rec *core.PriceRecord) (bool, error) {
		if !rec.HasPending() || !rec.PendingPrice.Decimal.Equal(req.Price) ||
			!publishedBusiness(rec).Equal(req.BusinessPrice) {
			// A newer decision arrived while publishing; it will be published next pass
			return false, nil
		}
		rec.LastPrice = rec.PendingPrice
		rec.LastBusinessPrice = rec.PendingBusinessPrice
		rec.PendingPrice.Valid = false
		rec.PendingBusinessPrice.Valid = false
		rec.ConfirmedAt = confirmedAt
		return true, nil
	})
	return err
}

func (r *Reconciler) publishRequest(rec *core.PriceRecord) core.PublishRequest {
	business := publishedBusiness(rec)
	return core.PublishRequest{
		Key:           rec.Key(),
		SKU:           rec.SKU,
		Price:         rec.PendingPrice.Decimal,
		BusinessPrice: business,
		Currency:      r.cfg.Currency,
		Tiers:         pricing.QuantityTiers(business),
	}
}

func (r *Reconciler) recordPendingGauge(pending []*core.PriceRecord) {
	counts := make(map[string]int)
	for _, rec := range pending {
		counts[rec.MarketplaceID]++
	}
	telemetry.GetGlobalMetrics().ReplacePendingRecords(counts)
}

func (r *Reconciler) updateStatusFailed(err error) {
	r.statusMu.Lock()
	r.status.Status = "failed"
	r.status.LastError = err.Error()
	r.statusMu.Unlock()
}

// GetStatus returns a copy of the reconciler status
func (r *Reconciler) GetStatus() core.ReconcileStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	st := r.status
	st.InFlight = r.guard.Len()
	return st
}

// publishedBusiness is the business price sent for the pending decision,
// falling back to the main price when none was derived
func publishedBusiness(rec *core.PriceRecord) decimal.Decimal {
	if rec.PendingBusinessPrice.Valid && rec.PendingBusinessPrice.Decimal.IsPositive() {
		return rec.PendingBusinessPrice.Decimal
	}
	return rec.PendingPrice.Decimal
}
