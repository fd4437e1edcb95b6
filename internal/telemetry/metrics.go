// Package telemetry holds the engine's OpenTelemetry instruments. Every method
// is safe on a nil *Metrics.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	lkerrors "licensekit/internal/errors"
)

const instrumentationName = "licensekit"

// Operation names used as metric attributes
const (
	OpActivate   = "activate"
	OpDeactivate = "deactivate"
	OpValidate   = "validate"
	OpCheckout   = "checkout"
	OpRecover    = "recover"
	OpSubscribe  = "subscribe"
)

// Metrics holds all engine instruments
type Metrics struct {
	Outcomes       metric.Int64Counter
	Duration       metric.Float64Histogram
	InFlight       metric.Int64UpDownCounter
	VendorRequests metric.Int64Counter
	VendorDuration metric.Float64Histogram
	StoreErrors    metric.Int64Counter

	tracer trace.Tracer
}

// NewMetrics creates the engine instruments on meter. A nil tracer disables spans.
func NewMetrics(meter metric.Meter, tracer trace.Tracer) (*Metrics, error) {
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	m := &Metrics{tracer: tracer}

	var err error
	m.Outcomes, err = meter.Int64Counter(
		"licensekit_outcomes_total",
		metric.WithDescription("Terminal outcomes of engine operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create outcomes counter: %w", err)
	}

	m.Duration, err = meter.Float64Histogram(
		"licensekit_operation_duration_seconds",
		metric.WithDescription("Duration of engine operations from start to terminal outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	m.InFlight, err = meter.Int64UpDownCounter(
		"licensekit_operations_in_flight",
		metric.WithDescription("Engine operations currently in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create in-flight counter: %w", err)
	}

	m.VendorRequests, err = meter.Int64Counter(
		"licensekit_vendor_requests_total",
		metric.WithDescription("Requests sent to the vendor API"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vendor requests counter: %w", err)
	}

	m.VendorDuration, err = meter.Float64Histogram(
		"licensekit_vendor_request_duration_seconds",
		metric.WithDescription("Vendor API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create vendor duration histogram: %w", err)
	}

	m.StoreErrors, err = meter.Int64Counter(
		"licensekit_store_errors_total",
		metric.WithDescription("License store read and write failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store errors counter: %w", err)
	}

	return m, nil
}

// Noop returns instruments that record nothing
func Noop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter(instrumentationName), nil)
	return m
}

// Begin marks an operation as in flight and returns the function that ends it
// with the given outcome.
func (m *Metrics) Begin(ctx context.Context, operation string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}

	start := time.Now()
	opAttr := metric.WithAttributes(attribute.String("operation", operation))
	m.InFlight.Add(ctx, 1, opAttr)

	return func(outcome string) {
		attrs := metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("outcome", outcome),
		)
		m.InFlight.Add(ctx, -1, opAttr)
		m.Outcomes.Add(ctx, 1, attrs)
		m.Duration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// TraceVendorCall wraps a vendor API call in a span and records its result
func (m *Metrics) TraceVendorCall(ctx context.Context, call, productID string, fn func(context.Context) error) error {
	if m == nil {
		return fn(ctx)
	}

	ctx, span := m.tracer.Start(ctx, "vendor."+call,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("licensekit.product_id", productID),
			attribute.String("licensekit.vendor_call", call),
		),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	result := "ok"
	if err != nil {
		result = string(lkerrors.KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	attrs := metric.WithAttributes(
		attribute.String("call", call),
		attribute.String("result", result),
	)
	m.VendorRequests.Add(ctx, 1, attrs)
	m.VendorDuration.Record(ctx, duration.Seconds(), attrs)

	return err
}

// StoreError counts a failed store operation
func (m *Metrics) StoreError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.StoreErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}
