package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/model"
)

const tracerName = "github.com/pitabwire/caseflow"

// Attribute keys for dispatch, workflow, and ledger spans.
var (
	AttrUser          = attribute.Key("caseflow.user")
	AttrEntityCode    = attribute.Key("caseflow.entity_code")
	AttrEntityID      = attribute.Key("caseflow.entity_id")
	AttrOrgUnitCode   = attribute.Key("caseflow.org_unit_code")
	AttrAction        = attribute.Key("caseflow.action")
	AttrBatchSize     = attribute.Key("caseflow.batch_size")
	AttrDispatchCode  = attribute.Key("caseflow.dispatch_code")
	AttrCorrelationID = attribute.Key("caseflow.correlation_id")
	AttrWebhookHost   = attribute.Key("caseflow.webhook_host")
)

// CaseAttributes returns the attributes identifying one case.
func CaseAttributes(entityCode, orgUnitCode string, entityID int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEntityCode.String(entityCode),
		AttrOrgUnitCode.String(orgUnitCode),
		AttrEntityID.Int64(entityID),
	}
}

// RequestAttributes returns the caller attributes of an authenticated request.
func RequestAttributes(rctx *model.RequestContext) []attribute.KeyValue {
	if rctx == nil {
		return nil
	}
	attrs := []attribute.KeyValue{AttrUser.String(rctx.UserName)}
	if rctx.CorrelationID != "" {
		attrs = append(attrs, AttrCorrelationID.String(rctx.CorrelationID))
	}
	return attrs
}

// InitTracing installs the global TracerProvider. The returned function
// flushes pending spans.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: create resource: %w", err)
	}

	var processor sdktrace.SpanProcessor = sdktrace.NewBatchSpanProcessor(exporter)
	if cfg.ForceSampleErrors {
		processor = &errorExportProcessor{SpanProcessor: processor, exporter: exporter}
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(processor),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp", "":
		opts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unsupported exporter: %q (supported: otlp, stdout)", cfg.Exporter)
	}
}

// newSampler builds a parent-based ratio sampler. With ForceSampleErrors the
// spans the ratio drops are still recorded so that errorExportProcessor can
// export the ones that end in error.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 0.1
	}
	if rate > 1 {
		rate = 1.0
	}

	var base sdktrace.Sampler
	if rate >= 1.0 {
		base = sdktrace.AlwaysSample()
	} else {
		base = sdktrace.TraceIDRatioBased(rate)
	}

	sampler := sdktrace.ParentBased(base)
	if cfg.ForceSampleErrors {
		return recordDroppedSampler{delegate: sampler}
	}
	return sampler
}

// recordDroppedSampler downgrades Drop decisions to RecordOnly.
type recordDroppedSampler struct {
	delegate sdktrace.Sampler
}

func (s recordDroppedSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	result := s.delegate.ShouldSample(p)
	if result.Decision == sdktrace.Drop {
		result.Decision = sdktrace.RecordOnly
	}
	return result
}

func (s recordDroppedSampler) Description() string {
	return "RecordDropped{" + s.delegate.Description() + "}"
}

// errorExportProcessor forwards sampled spans to the wrapped processor and
// exports unsampled spans directly when they ended with an error status.
type errorExportProcessor struct {
	sdktrace.SpanProcessor
	exporter sdktrace.SpanExporter
}

func (p *errorExportProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.SpanContext().IsSampled() {
		p.SpanProcessor.OnEnd(s)
		return
	}
	if s.Status().Code != codes.Error {
		return
	}
	_ = p.exporter.ExportSpans(context.Background(), []sdktrace.ReadOnlySpan{s})
}

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the package-level tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{}
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	return Tracer().Start(ctx, name, opts...)
}

// EndSpanWithError ends a span, setting its status to error if err is non-nil.
// Envelope errors also record their code.
func EndSpanWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ee, ok := model.AsEnvelope(err); ok {
			span.SetAttributes(attribute.String("caseflow.error_code", ee.Code))
		}
	}
	span.End()
}

// TraceIDFromContext returns the trace ID of the active span, or "".
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SpanIDFromContext returns the span ID of the active span, or "".
func SpanIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasSpanID() {
		return sc.SpanID().String()
	}
	return ""
}

// TracingMiddleware starts a server span per request, continuing any inbound
// W3C traceparent. Once chi has routed the request the span is renamed after
// the route pattern so that /admin paths with parameters group together.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		sw := &tracingStatusWriter{ResponseWriter: w, status: http.StatusOK}
		propagator.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		next.ServeHTTP(sw, r.WithContext(ctx))

		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		if id := w.Header().Get("X-Correlation-Id"); id != "" {
			span.SetAttributes(AttrCorrelationID.String(id))
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(sw.status))
		if sw.status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(sw.status))
		}
	})
}

// InjectTraceHeaders propagates the current trace context to an outbound
// request, such as a webhook delivery.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

type tracingStatusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *tracingStatusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingStatusWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	return w.ResponseWriter.Write(b)
}
