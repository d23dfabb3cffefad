// Package otel provides OpenTelemetry instrumentation for blob stores.
package otel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/educpro/inbox/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/educpro/inbox/store/blob/otel"

// Store wraps a store.BlobStore with OpenTelemetry instrumentation.
type Store struct {
	backend store.BlobStore
	opts    *options

	tracer trace.Tracer

	putLatency    metric.Float64Histogram
	putCount      metric.Int64Counter
	putBytes      metric.Int64Counter
	putErrors     metric.Int64Counter
	deleteLatency metric.Float64Histogram
	deleteCount   metric.Int64Counter
	deleteErrors  metric.Int64Counter
}

// Compile-time check
var _ store.BlobStore = (*Store)(nil)

// New creates an instrumented blob store wrapping backend.
func New(backend store.BlobStore, opts ...Option) (*Store, error) {
	o := &options{
		tracingEnabled: true,
		metricsEnabled: true,
		serviceName:    "inbox",
		tracerProvider: otel.GetTracerProvider(),
		meterProvider:  otel.GetMeterProvider(),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Store{
		backend: backend,
		opts:    o,
	}

	if o.tracingEnabled {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}

	if o.metricsEnabled {
		if err := s.initMetrics(o.meterProvider); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}

	return s, nil
}

func (s *Store) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error

	s.putLatency, err = meter.Float64Histogram(
		"blob.put.duration",
		metric.WithDescription("Duration of blob put operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.putCount, err = meter.Int64Counter(
		"blob.put.count",
		metric.WithDescription("Number of blob put operations"),
	)
	if err != nil {
		return err
	}

	s.putBytes, err = meter.Int64Counter(
		"blob.put.bytes",
		metric.WithDescription("Total bytes written"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	s.putErrors, err = meter.Int64Counter(
		"blob.put.errors",
		metric.WithDescription("Number of put errors"),
	)
	if err != nil {
		return err
	}

	s.deleteLatency, err = meter.Float64Histogram(
		"blob.delete.duration",
		metric.WithDescription("Duration of blob delete operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}

	s.deleteCount, err = meter.Int64Counter(
		"blob.delete.count",
		metric.WithDescription("Number of blob delete operations"),
	)
	if err != nil {
		return err
	}

	s.deleteErrors, err = meter.Int64Counter(
		"blob.delete.errors",
		metric.WithDescription("Number of delete errors"),
	)
	return err
}

// startSpan starts a client span when tracing is enabled.
func (s *Store) startSpan(ctx context.Context, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	if !s.opts.tracingEnabled || s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Put writes content with tracing and metrics.
func (s *Store) Put(ctx context.Context, key, contentType string, content io.Reader) error {
	attrs := []attribute.KeyValue{
		attribute.String("blob.bucket", s.backend.Bucket()),
		attribute.String("blob.content_type", contentType),
		attribute.String("service.name", s.opts.serviceName),
	}

	ctx, span := s.startSpan(ctx, "blob.put", append(attrs, attribute.String("blob.key", key)))

	start := time.Now()
	counting := &countingReader{reader: content}
	err := s.backend.Put(ctx, key, contentType, counting)
	duration := time.Since(start).Seconds()

	if s.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(attrs...)
		s.putLatency.Record(ctx, duration, metricAttrs)
		s.putCount.Add(ctx, 1, metricAttrs)
		s.putBytes.Add(ctx, counting.bytes, metricAttrs)
		if err != nil {
			s.putErrors.Add(ctx, 1, metricAttrs)
		}
	}

	if span != nil {
		span.SetAttributes(attribute.Int64("blob.bytes", counting.bytes))
	}
	endSpan(span, err)
	return err
}

// PublicURL delegates to the backend.
func (s *Store) PublicURL(key string) string {
	return s.backend.PublicURL(key)
}

// Delete removes the object with tracing and metrics.
func (s *Store) Delete(ctx context.Context, key string) error {
	attrs := []attribute.KeyValue{
		attribute.String("blob.bucket", s.backend.Bucket()),
		attribute.String("service.name", s.opts.serviceName),
	}

	ctx, span := s.startSpan(ctx, "blob.delete", append(attrs, attribute.String("blob.key", key)))

	start := time.Now()
	err := s.backend.Delete(ctx, key)
	duration := time.Since(start).Seconds()

	if s.opts.metricsEnabled {
		metricAttrs := metric.WithAttributes(attrs...)
		s.deleteLatency.Record(ctx, duration, metricAttrs)
		s.deleteCount.Add(ctx, 1, metricAttrs)
		if err != nil {
			s.deleteErrors.Add(ctx, 1, metricAttrs)
		}
	}

	endSpan(span, err)
	return err
}

// Bucket delegates to the backend.
func (s *Store) Bucket() string {
	return s.backend.Bucket()
}

// countingReader wraps an io.Reader and counts bytes read.
type countingReader struct {
	reader io.Reader
	bytes  int64
}

func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}
