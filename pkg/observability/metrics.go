// Package observability provides OpenTelemetry instrumentation for the
// authority core: evaluation rates, denial counts by reason, and execution
// outcomes by mode. Export wiring (OTLP, stdout, none) belongs to the
// embedding binary; this package only needs a MeterProvider.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds the core's instruments. A nil *Metrics is valid and
// records nothing, so callers never need to branch.
type Metrics struct {
	evaluations  metric.Int64Counter
	denials      metric.Int64Counter
	executions   metric.Int64Counter
	evalDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	evaluations, err := meter.Int64Counter("warrant.authority.evaluations",
		metric.WithDescription("Authority path evaluations"))
	if err != nil {
		return nil, fmt.Errorf("create evaluations counter: %w", err)
	}
	denials, err := meter.Int64Counter("warrant.authority.denials",
		metric.WithDescription("Authority denials by reason"))
	if err != nil {
		return nil, fmt.Errorf("create denials counter: %w", err)
	}
	executions, err := meter.Int64Counter("warrant.executions",
		metric.WithDescription("Execution attempts by mode and status"))
	if err != nil {
		return nil, fmt.Errorf("create executions counter: %w", err)
	}
	evalDuration, err := meter.Float64Histogram("warrant.authority.evaluation.duration",
		metric.WithDescription("Authority evaluation duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create duration histogram: %w", err)
	}
	return &Metrics{
		evaluations:  evaluations,
		denials:      denials,
		executions:   executions,
		evalDuration: evalDuration,
	}, nil
}

// NewNoopMetrics creates metrics on a provider with no readers, for tests
// and deployments that do not export telemetry.
func NewNoopMetrics() (*Metrics, error) {
	provider := sdkmetric.NewMeterProvider()
	return NewMetrics(provider.Meter("warrant"))
}

// RecordEvaluation records one authority evaluation and its outcome.
func (m *Metrics) RecordEvaluation(ctx context.Context, allowed bool, reason string, d time.Duration) {
	if m == nil {
		return
	}
	m.evaluations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("allowed", allowed)))
	if !allowed {
		m.denials.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	m.evalDuration.Record(ctx, float64(d.Microseconds())/1000.0)
}

// RecordExecution records one executor run.
func (m *Metrics) RecordExecution(ctx context.Context, mode, status string) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	))
}
