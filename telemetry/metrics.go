package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds tollgate's operational instruments
type Metrics struct {
	decisions    metric.Int64Counter
	transactions metric.Int64Counter
	lockWait     metric.Float64Histogram
	driftChecks  metric.Int64Counter
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns instruments bound to the global meter provider.
// Instruments created before InitOTEL follow the provider once it is set.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			// The global provider only fails on invalid instrument names.
			panic(err)
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// NewMetrics creates the instruments on the given provider
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(instrumentationName)

	decisions, err := meter.Int64Counter(
		"tollgate.decisions",
		metric.WithDescription("Number of classified decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	transactions, err := meter.Int64Counter(
		"tollgate.transactions",
		metric.WithDescription("Number of patch transactions by result"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, err
	}

	lockWait, err := meter.Float64Histogram(
		"tollgate.lock.wait",
		metric.WithDescription("Time spent acquiring file locks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	driftChecks, err := meter.Int64Counter(
		"tollgate.drift.checks",
		metric.WithDescription("Number of baseline drift checks by status"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		decisions:    decisions,
		transactions: transactions,
		lockWait:     lockWait,
		driftChecks:  driftChecks,
	}, nil
}

// RecordDecision counts one classified outcome
func (m *Metrics) RecordDecision(ctx context.Context, kind string) {
	m.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind)))
}

// RecordTransaction counts a finished transaction; reason is empty on success
func (m *Metrics) RecordTransaction(ctx context.Context, result, reason string) {
	attrs := []attribute.KeyValue{attribute.String("result", result)}
	if reason != "" {
		attrs = append(attrs, attribute.String("reason", reason))
	}
	m.transactions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLockWait records how long a lock acquisition took
func (m *Metrics) RecordLockWait(ctx context.Context, seconds float64, acquired bool) {
	m.lockWait.Record(ctx, seconds, metric.WithAttributes(attribute.Bool("acquired", acquired)))
}

// RecordDriftCheck counts one drift check
func (m *Metrics) RecordDriftCheck(ctx context.Context, status string) {
	m.driftChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
