// Package trace provides tracing instrumentation tailored to browser contexts.
package trace

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/grafana/browsermirror/log"
)

const tracerName = "browsermirror"

// liveSpan represents an active span associated with a page navigation.
//
// Navigations and page events are observed asynchronously, so the tracer
// keeps a reference to the active navigation span of every target to parent
// later spans on it.
type liveSpan struct {
	ctx  context.Context
	span trace.Span
}

// Tracer generates spans for navigations, API calls and page events,
// correlated by the target (browsing context) they belong to.
type Tracer struct {
	logger *log.Logger

	trace.Tracer

	metadata []attribute.KeyValue

	liveSpansMu sync.RWMutex
	liveSpans   map[string]*liveSpan
}

// NewTracer creates a new Tracer from the given TracerProvider. A nil
// provider yields a tracer whose spans are noops.
func NewTracer(
	logger *log.Logger, tp trace.TracerProvider, metadata map[string]string, options ...trace.TracerOption,
) *Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Tracer{
		logger:    logger,
		Tracer:    tp.Tracer(tracerName, options...),
		metadata:  buildMetadataAttributes(metadata),
		liveSpans: make(map[string]*liveSpan),
	}
}

// NewNoopTracer returns a Tracer that records nothing.
func NewNoopTracer() *Tracer {
	return NewTracer(nil, nil, nil)
}

// Start overrides the underlying OTEL tracer method to include the tracer metadata.
func (t *Tracer) Start(
	ctx context.Context, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(t.metadata...))
	return t.Tracer.Start(ctx, spanName, opts...)
}

// GetTraceID returns the trace ID of spanCtx or an empty string.
func GetTraceID(spanCtx trace.SpanContext) string {
	if spanCtx.HasTraceID() {
		traceID := spanCtx.TraceID()
		return traceID.String()
	}
	return ""
}

// TraceAPICall adds a new span to the current liveSpan for the given targetID and returns it. It
// is the caller's responsibility to close the generated span.
// If there is not a liveSpan for the given targetID, the new span is created based on the given
// context, which means that it might be a root span or not depending if the context already wraps
// a span.
func (t *Tracer) TraceAPICall(
	ctx context.Context, targetID string, spanName string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.RLock()
	ls := t.liveSpans[targetID]
	t.liveSpansMu.RUnlock()

	opts = append(opts, trace.WithAttributes(attribute.String("target.id", targetID)))

	if ls == nil {
		sCtx, span := t.Start(ctx, spanName, opts...)
		return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
	}

	t.logger.Tracef("Tracer:TraceAPICall", "span:%q trace:%q tid:%v",
		spanName, GetTraceID(trace.SpanContextFromContext(ls.ctx)), targetID)
	sCtx, span := t.Start(ls.ctx, spanName, opts...)

	return sCtx, &SpanLogger{Span: span, logger: t.logger, spanName: spanName}
}

// TraceNavigation is only to be used when a target's main frame has navigated.
// It records a new liveSpan for the given targetID. If there was already a
// liveSpan for the given targetID, it is ended before creating the new one.
// The returned span is ended by the next navigation or by EndTarget.
func (t *Tracer) TraceNavigation(
	ctx context.Context, targetID string, url string, opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	ls := t.liveSpans[targetID]
	if ls != nil {
		ls.span.End()
	} else {
		ls = &liveSpan{}
	}

	opts = append(opts, trace.WithAttributes(
		attribute.String("target.id", targetID),
		attribute.String("navigation.url", url),
	))

	spanName := "navigation"
	ls.ctx, ls.span = t.Start(ctx, spanName, opts...)
	t.liveSpans[targetID] = ls

	t.logger.Tracef("Tracer:TraceNavigation", "trace:%q tid:%v url:%q",
		GetTraceID(trace.SpanContextFromContext(ls.ctx)), targetID, url)

	return ls.ctx, &SpanLogger{Span: ls.span, logger: t.logger, spanName: spanName}
}

// TraceEvent adds a named event to the live navigation span of targetID.
// Events of targets that have no live navigation are dropped.
func (t *Tracer) TraceEvent(targetID string, eventName string, options ...trace.EventOption) {
	t.liveSpansMu.RLock()
	defer t.liveSpansMu.RUnlock()

	ls := t.liveSpans[targetID]
	if ls == nil {
		return
	}
	ls.span.AddEvent(eventName, options...)
}

// EndTarget ends the live navigation span of targetID, if any.
func (t *Tracer) EndTarget(targetID string) {
	t.liveSpansMu.Lock()
	defer t.liveSpansMu.Unlock()

	if ls, ok := t.liveSpans[targetID]; ok {
		ls.span.End()
		delete(t.liveSpans, targetID)
	}
}

func buildMetadataAttributes(metadata map[string]string) []attribute.KeyValue {
	meta := make([]attribute.KeyValue, 0, len(metadata))
	for mk, mv := range metadata {
		meta = append(meta, attribute.String(mk, mv))
	}

	return meta
}

// SpanLogger is a Span that will log the method calls.
type SpanLogger struct {
	trace.Span
	logger   *log.Logger
	spanName string
}

// SetStatus will log some info before calling the underlying SetStatus.
func (i *SpanLogger) SetStatus(code codes.Code, description string) {
	i.logger.Tracef("Span:SetStatus", "span:%q trace:%q code:%v description:%q",
		i.spanName, GetTraceID(i.SpanContext()), code, description)

	i.Span.SetStatus(code, description)
}

// End will log some info before calling the underlying End.
func (i *SpanLogger) End(options ...trace.SpanEndOption) {
	i.logger.Tracef("Span:End", "span:%q trace:%q", i.spanName, GetTraceID(i.SpanContext()))

	i.Span.End(options...)
}

// RecordError will log some info before calling the underlying RecordError.
func (i *SpanLogger) RecordError(err error, options ...trace.EventOption) {
	i.logger.Tracef("Span:RecordError", "span:%q trace:%q err:%v", i.spanName, GetTraceID(i.SpanContext()), err)

	i.Span.RecordError(err, options...)
}

// Fail records err on span and marks it as failed. A nil err is a noop.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
