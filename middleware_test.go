package notification

import (
	"context"
	"testing"

	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/publisher"
)

type stubService struct {
	err error
}

func (svc *stubService) RegisterPublisher(ctx context.Context, key message.Key, cfg conf.Subscription) error {
	return svc.err
}

func (svc *stubService) RegisterSubscriber(ctx context.Context, key message.Key, cfg conf.Subscription, handler Handler) error {
	return svc.err
}

func (svc *stubService) Publish(ctx context.Context, msg *message.Message) (*publisher.Receipt, error) {
	if svc.err != nil {
		return nil, svc.err
	}

	return &publisher.Receipt{
		MessageID: msg.ID,
		Topic:     gateway.TopicHandle{Name: "order-placed"},
		Attempts:  1,
	}, nil
}

func (svc *stubService) Handle(ctx context.Context, msg *message.Message) error {
	return svc.err
}

func (svc *stubService) Subscriptions() []Subscription {
	return nil
}

func (svc *stubService) CheckHealth(ctx context.Context) error {
	return svc.err
}

func TestLoggingMiddleware(t *testing.T) {
	assert := assert.New(t)

	core, logs := observer.New(zap.InfoLevel)
	next := new(stubService)
	svc := LoggingMiddleware(zap.New(core))(next)

	_, err := svc.Publish(context.Background(), message.New(orderPlaced{}))
	assert.NoError(err)

	next.err = &publisher.ExhaustedError{Key: "order-placed", Topic: "order-placed", Attempts: 4, Err: gateway.ErrThrottled}
	_, err = svc.Publish(context.Background(), message.New(orderPlaced{}))
	assert.Error(err)

	entries := logs.All()
	if assert.Len(entries, 2) {
		assert.Equal("message published", entries[0].Message)
		assert.Equal("order-placed", entries[0].ContextMap()["key"])
		assert.Equal("publish", entries[1].ContextMap()["action"])
		assert.Equal(int64(4), entries[1].ContextMap()["attempts"])
	}
}

func TestInstrumentingMiddleware(t *testing.T) {
	count := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_requests_total",
	}, []string{"method", "key", "error"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "notification_request_duration_seconds",
	}, []string{"method", "key", "error"})

	next := new(stubService)
	svc := InstrumentingMiddleware(
		kitprometheus.NewCounter(count),
		kitprometheus.NewHistogram(latency),
	)(next)

	_, err := svc.Publish(context.Background(), message.New(orderPlaced{}))
	require.NoError(t, err)

	next.err = gateway.ErrAccessDenied
	_ = svc.Handle(context.Background(), message.New(orderPlaced{}))

	assert.Equal(t, 1.0, testutil.ToFloat64(count.WithLabelValues("publish", "order-placed", "false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(count.WithLabelValues("handle", "order-placed", "true")))
	assert.Equal(t, 2, testutil.CollectAndCount(latency))
}

func TestTracingMiddleware(t *testing.T) {
	assert := assert.New(t)

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer provider.Shutdown(context.Background())

	next := new(stubService)
	svc := TracingMiddleware(provider)(next)

	msg := message.New(orderPlaced{})
	_, err := svc.Publish(context.Background(), msg)
	assert.NoError(err)

	next.err = gateway.ErrNotFound
	err = svc.RegisterSubscriber(context.Background(), "order-placed", conf.Subscription{Topic: "order-placed"}, noop)
	assert.Error(err)

	spans := recorder.Ended()
	if assert.Len(spans, 2) {
		assert.Equal("notification.Publish", spans[0].Name())
		assert.Equal(codes.Unset, spans[0].Status().Code)

		attrs := make(map[string]string)
		for _, kv := range spans[0].Attributes() {
			attrs[string(kv.Key)] = kv.Value.Emit()
		}
		assert.Equal(msg.ID.String(), attrs["messaging.message.id"])
		assert.Equal("order-placed", attrs["messaging.destination.name"])

		assert.Equal("notification.RegisterSubscriber", spans[1].Name())
		assert.Equal(codes.Error, spans[1].Status().Code)
	}
}
