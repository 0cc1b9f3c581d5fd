package notification

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/publisher"
)

const tracerName = "github.com/mirror520/notification"

// TracingMiddleware opens one span per bus call.
func TracingMiddleware(provider trace.TracerProvider) ServiceMiddleware {
	return func(next Service) Service {
		return &tracingMiddleware{
			tracer: provider.Tracer(tracerName),
			next:   next,
		}
	}
}

type tracingMiddleware struct {
	tracer trace.Tracer
	next   Service
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

func messageAttributes(msg *message.Message) []attribute.KeyValue {
	if msg == nil {
		return nil
	}

	key, _ := msg.Key()
	return []attribute.KeyValue{
		attribute.String("messaging.message.type", key.String()),
		attribute.String("messaging.message.id", msg.ID.String()),
		attribute.String("messaging.message.conversation_id", msg.Conversation),
	}
}

func (mw *tracingMiddleware) RegisterPublisher(ctx context.Context, key message.Key, cfg conf.Subscription) (err error) {
	ctx, span := mw.tracer.Start(ctx, "notification.RegisterPublisher", trace.WithAttributes(
		attribute.String("messaging.message.type", key.String()),
		attribute.String("messaging.destination.name", cfg.Topic),
	))
	defer func() { end(span, err) }()

	return mw.next.RegisterPublisher(ctx, key, cfg)
}

func (mw *tracingMiddleware) RegisterSubscriber(ctx context.Context, key message.Key, cfg conf.Subscription, handler Handler) (err error) {
	ctx, span := mw.tracer.Start(ctx, "notification.RegisterSubscriber", trace.WithAttributes(
		attribute.String("messaging.message.type", key.String()),
		attribute.String("messaging.destination.name", cfg.Topic),
		attribute.String("messaging.source.name", cfg.Queue),
	))
	defer func() { end(span, err) }()

	return mw.next.RegisterSubscriber(ctx, key, cfg, handler)
}

func (mw *tracingMiddleware) Publish(ctx context.Context, msg *message.Message) (receipt *publisher.Receipt, err error) {
	ctx, span := mw.tracer.Start(ctx, "notification.Publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(messageAttributes(msg)...),
	)
	defer func() {
		if receipt != nil {
			span.SetAttributes(
				attribute.String("messaging.destination.name", receipt.Topic.Name),
				attribute.Int("messaging.publish.attempts", receipt.Attempts),
			)
		}

		end(span, err)
	}()

	return mw.next.Publish(ctx, msg)
}

func (mw *tracingMiddleware) Handle(ctx context.Context, msg *message.Message) (err error) {
	ctx, span := mw.tracer.Start(ctx, "notification.Handle",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(messageAttributes(msg)...),
	)
	defer func() { end(span, err) }()

	return mw.next.Handle(ctx, msg)
}

func (mw *tracingMiddleware) Subscriptions() []Subscription {
	return mw.next.Subscriptions()
}

func (mw *tracingMiddleware) CheckHealth(ctx context.Context) error {
	return mw.next.CheckHealth(ctx)
}
