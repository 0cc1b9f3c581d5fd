package notification

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/publisher"
)

func LoggingMiddleware(log *zap.Logger) ServiceMiddleware {
	return func(next Service) Service {
		return &loggingMiddleware{
			log.With(
				zap.String("service", "notification"),
				zap.String("middleware", "logging"),
			),
			next,
		}
	}
}

type loggingMiddleware struct {
	log  *zap.Logger
	next Service
}

func (mw *loggingMiddleware) RegisterPublisher(ctx context.Context, key message.Key, cfg conf.Subscription) error {
	log := mw.log.With(
		zap.String("action", "register_publisher"),
		zap.String("key", key.String()),
		zap.String("topic", cfg.Topic),
	)

	err := mw.next.RegisterPublisher(ctx, key, cfg)
	if err != nil {
		log.Error(err.Error())
		return err
	}

	log.Info("publisher registered")
	return nil
}

func (mw *loggingMiddleware) RegisterSubscriber(ctx context.Context, key message.Key, cfg conf.Subscription, handler Handler) error {
	log := mw.log.With(
		zap.String("action", "register_subscriber"),
		zap.String("key", key.String()),
		zap.String("topic", cfg.Topic),
		zap.String("queue", cfg.Queue),
	)

	err := mw.next.RegisterSubscriber(ctx, key, cfg, handler)
	if err != nil {
		log.Error(err.Error())
		return err
	}

	log.Info("subscriber registered")
	return nil
}

func (mw *loggingMiddleware) Publish(ctx context.Context, msg *message.Message) (*publisher.Receipt, error) {
	log := mw.log.With(
		zap.String("action", "publish"),
	)

	if msg != nil {
		key, _ := msg.Key()
		log = log.With(
			zap.String("key", key.String()),
			zap.String("message_id", msg.ID.String()),
		)
	}

	receipt, err := mw.next.Publish(ctx, msg)
	if err != nil {
		var exhausted *publisher.ExhaustedError
		if errors.As(err, &exhausted) {
			log.Error(err.Error(), zap.Int("attempts", exhausted.Attempts))
			return nil, err
		}

		log.Error(err.Error())
		return nil, err
	}

	log.Info("message published",
		zap.String("topic", receipt.Topic.Name),
		zap.Int("attempts", receipt.Attempts),
	)
	return receipt, nil
}

func (mw *loggingMiddleware) Handle(ctx context.Context, msg *message.Message) error {
	log := mw.log.With(
		zap.String("action", "handle"),
	)

	if msg != nil {
		log = log.With(
			zap.String("key", msg.Type.String()),
			zap.String("message_id", msg.ID.String()),
			zap.String("raising_component", msg.RaisingComponent),
		)
	}

	err := mw.next.Handle(ctx, msg)
	if err != nil {
		log.Error(err.Error())
		return err
	}

	log.Debug("message handled")
	return nil
}

func (mw *loggingMiddleware) Subscriptions() []Subscription {
	return mw.next.Subscriptions()
}

func (mw *loggingMiddleware) CheckHealth(ctx context.Context) error {
	err := mw.next.CheckHealth(ctx)
	if err != nil {
		mw.log.Error(err.Error(), zap.String("action", "check_health"))
	}

	return err
}
