package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// instrumentationName is the OTel scope for callpipe metrics and spans.
const instrumentationName = "github.com/manthysbr/callpipe"

// Telemetry groups the instruments shared by the queue and suite services.
// With no global providers configured every instrument is a noop.
//
// Instruments:
//   - callpipe.job.claims (Int64Counter): result = claimed|empty|error
//   - callpipe.job.outcomes (Int64Counter): outcome = done|retry|failed
//   - callpipe.job.reaped (Int64Counter)
//   - callpipe.suite.runs (Int64Counter): status = started|rejected|completed|failed|stale
//   - callpipe.suite.case.duration (Float64Histogram, seconds): status
//   - callpipe.suite.case.wer (Float64Histogram)
type Telemetry struct {
	tracer       trace.Tracer
	claims       metric.Int64Counter
	outcomes     metric.Int64Counter
	reaped       metric.Int64Counter
	suiteRuns    metric.Int64Counter
	caseDuration metric.Float64Histogram
	caseWER      metric.Float64Histogram
}

// NewTelemetry uses the global MeterProvider and TracerProvider.
func NewTelemetry() *Telemetry {
	return NewTelemetryWith(otel.Meter(instrumentationName), otel.Tracer(instrumentationName))
}

// NewTelemetryWith allows injecting providers for tests.
func NewTelemetryWith(meter metric.Meter, tracer trace.Tracer) *Telemetry {
	// On error the API hands back noop instruments, so errors are dropped
	t := &Telemetry{tracer: tracer}
	t.claims, _ = meter.Int64Counter("callpipe.job.claims",
		metric.WithDescription("Claim attempts against the job queue"),
		metric.WithUnit("{claim}"))
	t.outcomes, _ = meter.Int64Counter("callpipe.job.outcomes",
		metric.WithDescription("Terminal and retry outcomes of claimed jobs"),
		metric.WithUnit("{job}"))
	t.reaped, _ = meter.Int64Counter("callpipe.job.reaped",
		metric.WithDescription("Abandoned jobs recovered by the reaper"),
		metric.WithUnit("{job}"))
	t.suiteRuns, _ = meter.Int64Counter("callpipe.suite.runs",
		metric.WithDescription("Suite run lifecycle transitions"),
		metric.WithUnit("{run}"))
	t.caseDuration, _ = meter.Float64Histogram("callpipe.suite.case.duration",
		metric.WithDescription("Duration of one test case evaluation in seconds"),
		metric.WithUnit("s"))
	t.caseWER, _ = meter.Float64Histogram("callpipe.suite.case.wer",
		metric.WithDescription("Word error rate of completed test cases"),
		metric.WithUnit("1"))
	return t
}

func (t *Telemetry) RecordClaim(ctx context.Context, result string) {
	t.claims.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (t *Telemetry) RecordJobOutcome(ctx context.Context, outcome string) {
	t.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (t *Telemetry) RecordReaped(ctx context.Context, n int64) {
	if n > 0 {
		t.reaped.Add(ctx, n)
	}
}

func (t *Telemetry) RecordSuiteRun(ctx context.Context, status string) {
	t.suiteRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (t *Telemetry) RecordCase(ctx context.Context, status string, elapsed time.Duration, rate *float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	t.caseDuration.Record(ctx, elapsed.Seconds(), attrs)
	if rate != nil {
		t.caseWER.Record(ctx, *rate)
	}
}

// StartSpan opens an internal span. Pair it with EndSpan.
func (t *Telemetry) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
