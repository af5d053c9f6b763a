package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/gqlstream/internal/eventbus"
	events "github.com/hanpama/gqlstream/internal/events"
	reqid "github.com/hanpama/gqlstream/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Setup configures OpenTelemetry and attaches bus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(bus *eventbus.Bus, endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	Register(bus, tp.Tracer("gqlstream"))
	return tp.Shutdown, nil
}

// Register subscribes span-producing handlers on bus using tracer.
func Register(bus *eventbus.Bus, tracer trace.Tracer) (unsubscribe func()) {
	s := &subscriber{tracer: tracer}
	return s.register(bus)
}

type subscriber struct {
	tracer     trace.Tracer
	httpSpans  sync.Map // request id -> trace.Span
	fetchSpans sync.Map // fetch id -> trace.Span
	querySpans sync.Map // transport id -> trace.Span
}

func (s *subscriber) register(bus *eventbus.Bus) func() {
	unsubs := []func(){
		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPStart) {
			id, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
			)
			s.httpSpans.Store(id, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.HTTPFinish) {
			id, _ := reqid.FromContext(ctx)
			v, ok := s.httpSpans.LoadAndDelete(id)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(
				semconv.HTTPStatusCodeKey.Int(e.Status),
				attribute.Int("graphql.operation_count", e.Operations),
			)
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.FetchStart) {
			id, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "graphql.fetch", trace.WithSpanKind(trace.SpanKindClient))
			span.SetAttributes(
				attribute.String("http.url", e.URL),
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.query_key", e.QueryKey),
			)
			s.fetchSpans.Store(id, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.PartDropped) {
			id, _ := reqid.FromContext(ctx)
			if v, ok := s.fetchSpans.Load(id); ok {
				v.(trace.Span).AddEvent("multipart.part_dropped")
			}
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.FetchFinish) {
			id, _ := reqid.FromContext(ctx)
			v, ok := s.fetchSpans.LoadAndDelete(id)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(
				semconv.HTTPStatusCodeKey.Int(e.Status),
				attribute.Bool("graphql.multipart", e.Multipart),
				attribute.Int("graphql.response_count", e.Responses),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.QueryStarted) {
			_, span := s.tracer.Start(ctx, "graphql.transport.query")
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.query_key", e.QueryKey),
			)
			s.querySpans.Store(e.TransportID, span)
		}),

		eventbus.Subscribe(bus, func(ctx context.Context, e events.QueryFinished) {
			v, ok := s.querySpans.LoadAndDelete(e.TransportID)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("graphql.transport.events", e.Events))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
