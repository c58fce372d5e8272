package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric names
const (
	MetricDecisionsTotal      = "repricer_decisions_total"
	MetricStoreConflictsTotal = "repricer_store_conflicts_total"
	MetricPublishTotal        = "repricer_publish_total"
	MetricPublishLatency      = "repricer_publish_latency_ms"
	MetricReconcileRunsTotal  = "repricer_reconcile_runs_total"
	MetricPendingRecords      = "repricer_pending_records"
	MetricIngestedTotal       = "repricer_ingested_records_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	DecisionsTotal      metric.Int64Counter
	StoreConflictsTotal metric.Int64Counter
	PublishTotal        metric.Int64Counter
	PublishLatency      metric.Float64Histogram
	ReconcileRunsTotal  metric.Int64Counter
	IngestedTotal       metric.Int64Counter
	PendingRecords      metric.Int64ObservableGauge

	mu      sync.RWMutex
	pending map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
// Instruments start as no-ops until Setup installs a real meter.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			pending: make(map[string]int64),
		}
		_ = globalMetrics.InitMetrics(noop.NewMeterProvider().Meter("repricer"))
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.DecisionsTotal, err = meter.Int64Counter(MetricDecisionsTotal, metric.WithDescription("Repricing decisions by reason"))
	if err != nil {
		return err
	}

	m.StoreConflictsTotal, err = meter.Int64Counter(MetricStoreConflictsTotal, metric.WithDescription("Optimistic write conflicts on price records"))
	if err != nil {
		return err
	}

	m.PublishTotal, err = meter.Int64Counter(MetricPublishTotal, metric.WithDescription("Listing publish attempts by outcome"))
	if err != nil {
		return err
	}

	m.PublishLatency, err = meter.Float64Histogram(MetricPublishLatency, metric.WithDescription("Latency of listing publish calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.ReconcileRunsTotal, err = meter.Int64Counter(MetricReconcileRunsTotal, metric.WithDescription("Reconciliation passes by status"))
	if err != nil {
		return err
	}

	m.IngestedTotal, err = meter.Int64Counter(MetricIngestedTotal, metric.WithDescription("Catalog rows ingested into the price store"))
	if err != nil {
		return err
	}

	m.PendingRecords, err = meter.Int64ObservableGauge(MetricPendingRecords, metric.WithDescription("Records with an unpublished decision at the last scan"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for marketplace, n := range m.pending {
				obs.Observe(n, metric.WithAttributes(attribute.String("marketplace", marketplace)))
			}
			return nil
		}))
	return err
}

// RecordDecision counts one engine decision
func (m *MetricsHolder) RecordDecision(ctx context.Context, reason string) {
	m.DecisionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordStoreConflict counts one lost optimistic write
func (m *MetricsHolder) RecordStoreConflict(ctx context.Context) {
	m.StoreConflictsTotal.Add(ctx, 1)
}

// RecordPublish counts one publish call and its latency
func (m *MetricsHolder) RecordPublish(ctx context.Context, outcome string, latency time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.PublishTotal.Add(ctx, 1, attrs)
	m.PublishLatency.Record(ctx, float64(latency.Milliseconds()), attrs)
}

// RecordReconcileRun counts one reconciliation pass
func (m *MetricsHolder) RecordReconcileRun(ctx context.Context, status string) {
	m.ReconcileRunsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordIngested counts ingested catalog rows
func (m *MetricsHolder) RecordIngested(ctx context.Context, n int) {
	m.IngestedTotal.Add(ctx, int64(n))
}

// SetPendingRecords stores the pending count observed for a marketplace
func (m *MetricsHolder) SetPendingRecords(marketplace string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[marketplace] = int64(n)
}

// ReplacePendingRecords swaps in the counts of a full scan; absent marketplaces read zero
func (m *MetricsHolder) ReplacePendingRecords(counts map[string]int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for marketplace := range m.pending {
		m.pending[marketplace] = 0
	}
	for marketplace, n := range counts {
		m.pending[marketplace] = int64(n)
	}
}

// GetPendingRecords returns the total pending count across marketplaces
func (m *MetricsHolder) GetPendingRecords() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total int64
	for _, n := range m.pending {
		total += n
	}
	return total
}
