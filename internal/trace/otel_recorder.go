package trace

import (
	"context"
	"crypto/sha1"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/minyoung/trigger.dev/internal/consts"
	"github.com/minyoung/trigger.dev/internal/core"
)

// Config covers the telemetry knobs this module exercises (no metrics
// pipeline here — that's handled separately by the prometheus-backed admin
// HTTP component).
type Config struct {
	Enabled     bool
	ServiceName string
	Exporter    string // "stdout" | "otlpgrpc"
	OTLPTarget  string
	SampleRatio float64
}

// OtelRecorder is the concrete Recorder backed by the OpenTelemetry SDK.
// Grounded on telemetry_component.go's resource/provider construction and
// executor.go's ensureTraceContext span-context reconstruction.
type OtelRecorder struct {
	*core.BaseComponent
	cfg    Config
	tp     *sdktrace.TracerProvider
	tracer oteltrace.Tracer
}

func NewOtelRecorder(cfg Config) *OtelRecorder {
	return &OtelRecorder{BaseComponent: core.NewBaseComponent(consts.CompTraceOtel), cfg: cfg}
}

func (o *OtelRecorder) Start(ctx context.Context) error {
	if err := o.BaseComponent.Start(ctx); err != nil {
		return err
	}
	if !o.cfg.Enabled {
		o.tracer = otel.Tracer("dispatcher/noop")
		return nil
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithAttributes(semconv.ServiceName(o.cfg.ServiceName)),
	)
	if err != nil {
		return fmt.Errorf("resource init: %w", err)
	}

	exporter, err := o.buildExporter(ctx)
	if err != nil {
		return err
	}

	ratio := o.cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	o.tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(o.tp)
	o.tracer = o.tp.Tracer("dispatcher")
	return nil
}

func (o *OtelRecorder) Stop(ctx context.Context) error {
	if o.tp != nil {
		_ = o.tp.Shutdown(ctx)
	}
	return o.BaseComponent.Stop(ctx)
}

func (o *OtelRecorder) buildExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch o.cfg.Exporter {
	case "otlpgrpc":
		return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(o.cfg.OTLPTarget), otlptracegrpc.WithInsecure())
	default:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
}

func (o *OtelRecorder) StartConsumerSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, Span) {
	spanCtx, span := o.tracer.Start(ctx, name, oteltrace.WithSpanKind(oteltrace.SpanKindConsumer))
	setAttrs(span, attrs)
	return spanCtx, &otelSpan{span: span}
}

func (o *OtelRecorder) RecordRetryEvent(ctx context.Context, traceContext string, seed string, message string, endTime time.Time, styleIcon string) error {
	spanCtx := spanContextFromTraceContext(traceContext, seed)
	linkedCtx := oteltrace.ContextWithSpanContext(ctx, spanCtx)
	_, span := o.tracer.Start(linkedCtx, message, oteltrace.WithTimestamp(endTime))
	span.AddEvent(message, oteltrace.WithAttributes())
	setAttrs(span, map[string]any{"style.icon": styleIcon})
	span.End(oteltrace.WithTimestamp(endTime))
	return nil
}

// spanContextFromTraceContext reconstructs a remote SpanContext from a
// stored trace id string, with a deterministic span id derived from
// sha1(traceContext || seed) truncated to 8 bytes, per spec §9 — this makes
// retry-event recording idempotent against duplicate completion deliveries.
func spanContextFromTraceContext(traceContext string, seed string) oteltrace.SpanContext {
	traceID, err := oteltrace.TraceIDFromHex(extractTraceID(traceContext))
	if err != nil {
		traceID = oteltrace.TraceID{}
	}
	h := sha1.Sum([]byte(traceContext + seed))
	var spanID oteltrace.SpanID
	copy(spanID[:], h[:8])
	return oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: oteltrace.FlagsSampled,
		Remote:     true,
	})
}

// extractTraceID pulls the 32-hex-char trace id out of a W3C traceparent
// string ("00-<traceid>-<spanid>-<flags>"), or returns the input unchanged
// if it already looks like a bare trace id.
func extractTraceID(traceContext string) string {
	if len(traceContext) == 32 {
		return traceContext
	}
	const prefix = "00-"
	if len(traceContext) >= len(prefix)+32 && traceContext[:len(prefix)] == prefix {
		return traceContext[len(prefix) : len(prefix)+32]
	}
	return traceContext
}

func setAttrs(span oteltrace.Span, attrs map[string]any) {
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			span.SetAttributes(attribute.String(k, val))
		case int:
			span.SetAttributes(attribute.Int(k, val))
		case int64:
			span.SetAttributes(attribute.Int64(k, val))
		case bool:
			span.SetAttributes(attribute.Bool(k, val))
		default:
			span.SetAttributes(attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) RecordException(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(otelcodes.Error, err.Error())
}

func (s *otelSpan) SetAttributes(kv map[string]any) {
	setAttrs(s.span, kv)
}
