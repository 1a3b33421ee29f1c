package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/trellishq/trellis/internal/storage"
)

const storageScopeName = "github.com/trellishq/trellis/storage"

// InstrumentedAdapter wraps a storage.Adapter with OTel tracing and metrics.
// Every method gets a span and is counted in trellis.store.* metrics.
// Use WrapAdapter to create one; it returns the original adapter unchanged
// when telemetry is disabled.
type InstrumentedAdapter struct {
	inner  storage.Adapter
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapAdapter returns a decorated with OTel instrumentation.
// When telemetry is disabled, a is returned as-is with zero overhead.
func WrapAdapter(a storage.Adapter) storage.Adapter {
	if !Enabled() {
		return a
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("trellis.store.operations",
		metric.WithDescription("Total store operations executed"),
	)
	dur, _ := m.Float64Histogram("trellis.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("trellis.store.errors",
		metric.WithDescription("Total store operation errors"),
	)
	return &InstrumentedAdapter{
		inner:  a,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named store operation.
func (a *InstrumentedAdapter) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := a.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	a.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (a *InstrumentedAdapter) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	a.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		a.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func kindAttr(kind storage.Kind) attribute.KeyValue {
	return attribute.String("trellis.kind", string(kind))
}

func (a *InstrumentedAdapter) FindOne(ctx context.Context, kind storage.Kind, sel storage.Selector) (*storage.Doc, error) {
	attrs := []attribute.KeyValue{kindAttr(kind)}
	ctx, span, t := a.op(ctx, "FindOne", attrs...)
	v, err := a.inner.FindOne(ctx, kind, sel)
	a.done(ctx, span, t, err, attrs...)
	return v, err
}

func (a *InstrumentedAdapter) FindAll(ctx context.Context, kind storage.Kind, sel storage.Selector, limit int) ([]*storage.Doc, error) {
	attrs := []attribute.KeyValue{kindAttr(kind), attribute.Int("trellis.limit", limit)}
	ctx, span, t := a.op(ctx, "FindAll", attrs...)
	v, err := a.inner.FindAll(ctx, kind, sel, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("trellis.result.count", len(v)))
	}
	a.done(ctx, span, t, err, attrs...)
	return v, err
}

func (a *InstrumentedAdapter) AtomicIncrement(ctx context.Context, kind storage.Kind, id, field string, delta int64) (int64, error) {
	attrs := []attribute.KeyValue{
		kindAttr(kind),
		attribute.String("trellis.doc.id", id),
		attribute.String("trellis.field", field),
	}
	ctx, span, t := a.op(ctx, "AtomicIncrement", attrs...)
	v, err := a.inner.AtomicIncrement(ctx, kind, id, field, delta)
	a.done(ctx, span, t, err, attrs...)
	return v, err
}

func (a *InstrumentedAdapter) CreateAttached(ctx context.Context, kind storage.Kind, space, parent string, parentKind storage.Kind, collection string, fields map[string]any) (string, error) {
	attrs := []attribute.KeyValue{
		kindAttr(kind),
		attribute.String("trellis.collection", collection),
	}
	ctx, span, t := a.op(ctx, "CreateAttached", attrs...)
	v, err := a.inner.CreateAttached(ctx, kind, space, parent, parentKind, collection, fields)
	a.done(ctx, span, t, err, attrs...)
	return v, err
}

func (a *InstrumentedAdapter) CreateDoc(ctx context.Context, kind storage.Kind, space string, fields map[string]any) (string, error) {
	attrs := []attribute.KeyValue{kindAttr(kind)}
	ctx, span, t := a.op(ctx, "CreateDoc", attrs...)
	v, err := a.inner.CreateDoc(ctx, kind, space, fields)
	a.done(ctx, span, t, err, attrs...)
	return v, err
}

func (a *InstrumentedAdapter) Update(ctx context.Context, kind storage.Kind, space, id string, patch storage.Patch) error {
	attrs := []attribute.KeyValue{
		kindAttr(kind),
		attribute.String("trellis.doc.id", id),
		attribute.Int("trellis.patch.set", len(patch.Set)),
	}
	ctx, span, t := a.op(ctx, "Update", attrs...)
	err := a.inner.Update(ctx, kind, space, id, patch)
	a.done(ctx, span, t, err, attrs...)
	return err
}

func (a *InstrumentedAdapter) RemoveAttached(ctx context.Context, kind storage.Kind, space, id, parent string, parentKind storage.Kind, collection string) error {
	attrs := []attribute.KeyValue{
		kindAttr(kind),
		attribute.String("trellis.doc.id", id),
		attribute.String("trellis.collection", collection),
	}
	ctx, span, t := a.op(ctx, "RemoveAttached", attrs...)
	err := a.inner.RemoveAttached(ctx, kind, space, id, parent, parentKind, collection)
	a.done(ctx, span, t, err, attrs...)
	return err
}

func (a *InstrumentedAdapter) RemoveDoc(ctx context.Context, kind storage.Kind, space, id string) error {
	attrs := []attribute.KeyValue{kindAttr(kind), attribute.String("trellis.doc.id", id)}
	ctx, span, t := a.op(ctx, "RemoveDoc", attrs...)
	err := a.inner.RemoveDoc(ctx, kind, space, id)
	a.done(ctx, span, t, err, attrs...)
	return err
}

func (a *InstrumentedAdapter) UploadMarkup(ctx context.Context, kind storage.Kind, id, field, text, format string) (string, error) {
	attrs := []attribute.KeyValue{
		kindAttr(kind),
		attribute.Int("trellis.markup.bytes", len(text)),
	}
	ctx, span, t := a.op(ctx, "UploadMarkup", attrs...)
	v, err := a.inner.UploadMarkup(ctx, kind, id, field, text, format)
	a.done(ctx, span, t, err, attrs...)
	return v, err
}

func (a *InstrumentedAdapter) FetchMarkup(ctx context.Context, ref string) (string, error) {
	ctx, span, t := a.op(ctx, "FetchMarkup")
	v, err := a.inner.FetchMarkup(ctx, ref)
	a.done(ctx, span, t, err)
	return v, err
}

func (a *InstrumentedAdapter) Close() error {
	return a.inner.Close()
}
