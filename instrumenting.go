package notification

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/publisher"
)

// InstrumentingMiddleware records call counts and latency labelled by
// method, key and whether the call failed.
func InstrumentingMiddleware(requestCount metrics.Counter, requestLatency metrics.Histogram) ServiceMiddleware {
	return func(next Service) Service {
		return &instrumentingMiddleware{
			requestCount:   requestCount,
			requestLatency: requestLatency,
			next:           next,
		}
	}
}

type instrumentingMiddleware struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
	next           Service
}

func (mw *instrumentingMiddleware) observe(method string, key message.Key, begin time.Time, err error) {
	lvs := []string{"method", method, "key", key.String(), "error", strconv.FormatBool(err != nil)}
	mw.requestCount.With(lvs...).Add(1)
	mw.requestLatency.With(lvs...).Observe(time.Since(begin).Seconds())
}

func (mw *instrumentingMiddleware) RegisterPublisher(ctx context.Context, key message.Key, cfg conf.Subscription) (err error) {
	defer func(begin time.Time) {
		mw.observe("register_publisher", key, begin, err)
	}(time.Now())

	return mw.next.RegisterPublisher(ctx, key, cfg)
}

func (mw *instrumentingMiddleware) RegisterSubscriber(ctx context.Context, key message.Key, cfg conf.Subscription, handler Handler) (err error) {
	defer func(begin time.Time) {
		mw.observe("register_subscriber", key, begin, err)
	}(time.Now())

	return mw.next.RegisterSubscriber(ctx, key, cfg, handler)
}

func (mw *instrumentingMiddleware) Publish(ctx context.Context, msg *message.Message) (receipt *publisher.Receipt, err error) {
	defer func(begin time.Time) {
		var key message.Key
		if msg != nil {
			key, _ = msg.Key()
		}

		mw.observe("publish", key, begin, err)
	}(time.Now())

	return mw.next.Publish(ctx, msg)
}

func (mw *instrumentingMiddleware) Handle(ctx context.Context, msg *message.Message) (err error) {
	defer func(begin time.Time) {
		var key message.Key
		if msg != nil {
			key, _ = msg.Key()
		}

		mw.observe("handle", key, begin, err)
	}(time.Now())

	return mw.next.Handle(ctx, msg)
}

func (mw *instrumentingMiddleware) Subscriptions() []Subscription {
	return mw.next.Subscriptions()
}

func (mw *instrumentingMiddleware) CheckHealth(ctx context.Context) error {
	return mw.next.CheckHealth(ctx)
}
