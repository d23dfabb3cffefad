package inbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/educpro/inbox"
)

// opInstruments are the duration, count and error instruments of one operation.
type opInstruments struct {
	latency metric.Float64Histogram
	count   metric.Int64Counter
	errors  metric.Int64Counter
}

func (i *opInstruments) record(ctx context.Context, duration time.Duration, err error, attrs ...attribute.KeyValue) {
	set := metric.WithAttributes(attrs...)
	i.latency.Record(ctx, duration.Seconds(), set)
	i.count.Add(ctx, 1, set)
	if err != nil {
		i.errors.Add(ctx, 1, set)
	}
}

// otelInstrumentation holds OpenTelemetry instrumentation for the inbox service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool

	fetch    opInstruments
	send     opInstruments
	markRead opInstruments
	delete   opInstruments
	upload   opInstruments
	resync   opInstruments
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	ops := []struct {
		name string
		what string
		dst  *opInstruments
	}{
		{"fetch", "message list fetches", &o.fetch},
		{"send", "message sends", &o.send},
		{"mark_read", "mark-read operations", &o.markRead},
		{"delete", "message deletes", &o.delete},
		{"upload", "avatar uploads", &o.upload},
		{"resync", "change-triggered resyncs", &o.resync},
	}

	for _, op := range ops {
		var err error
		op.dst.latency, err = meter.Float64Histogram(
			"inbox."+op.name+".duration",
			metric.WithDescription("Duration of "+op.what),
			metric.WithUnit("s"),
		)
		if err != nil {
			return fmt.Errorf("%s duration: %w", op.name, err)
		}

		op.dst.count, err = meter.Int64Counter(
			"inbox."+op.name+".count",
			metric.WithDescription("Number of "+op.what),
		)
		if err != nil {
			return fmt.Errorf("%s count: %w", op.name, err)
		}

		op.dst.errors, err = meter.Int64Counter(
			"inbox."+op.name+".errors",
			metric.WithDescription("Number of failed "+op.what),
		)
		if err != nil {
			return fmt.Errorf("%s errors: %w", op.name, err)
		}
	}

	return nil
}

// startSpan starts a new span if tracing is enabled.
// The returned function ends the span and records err on it.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// recordFetch records fetch metrics.
func (o *otelInstrumentation) recordFetch(ctx context.Context, duration time.Duration, resultCount int, err error) {
	if !o.metricsEnabled {
		return
	}
	o.fetch.record(ctx, duration, err, attribute.Int("result_count", resultCount))
}

// recordSend records send metrics.
func (o *otelInstrumentation) recordSend(ctx context.Context, duration time.Duration, attachmentCount int, err error) {
	if !o.metricsEnabled {
		return
	}
	o.send.record(ctx, duration, err, attribute.Int("attachment_count", attachmentCount))
}

func (o *otelInstrumentation) recordMarkRead(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}
	o.markRead.record(ctx, duration, err)
}

func (o *otelInstrumentation) recordDelete(ctx context.Context, duration time.Duration, err error) {
	if !o.metricsEnabled {
		return
	}
	o.delete.record(ctx, duration, err)
}

func (o *otelInstrumentation) recordUpload(ctx context.Context, duration time.Duration, bucket string, err error) {
	if !o.metricsEnabled {
		return
	}
	o.upload.record(ctx, duration, err, attribute.String("bucket", bucket))
}

// recordResync records a reconcile run triggered by a change notification.
func (o *otelInstrumentation) recordResync(ctx context.Context, duration time.Duration, op string, err error) {
	if !o.metricsEnabled {
		return
	}
	o.resync.record(ctx, duration, err, attribute.String("change_op", op))
}
