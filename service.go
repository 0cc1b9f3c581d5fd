package notification

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/publisher"
)

var (
	ErrHandlerRequired = errors.New("handler required")
	ErrHandlerNotFound = errors.New("handler not found")
)

type Handler func(ctx context.Context, msg *message.Message) error

// Subscription is a read-only view of one registered binding.
type Subscription struct {
	Key      message.Key `json:"key"`
	Topic    string      `json:"topic"`
	Queue    string      `json:"queue"`
	Region   string      `json:"region"`
	URL      string      `json:"url"`
	Handlers int         `json:"handlers"`
}

type Service interface {
	RegisterPublisher(ctx context.Context, key message.Key, cfg conf.Subscription) error
	RegisterSubscriber(ctx context.Context, key message.Key, cfg conf.Subscription, handler Handler) error
	Publish(ctx context.Context, msg *message.Message) (*publisher.Receipt, error)
	Handle(ctx context.Context, msg *message.Message) error
	Subscriptions() []Subscription
	CheckHealth(ctx context.Context) error
}

type ServiceMiddleware func(Service) Service

type PublishResolver interface {
	Resolve(ctx context.Context, key message.Key, cfg conf.Subscription) (gateway.TopicHandle, error)
	Cached(key message.Key) (gateway.TopicHandle, bool)
}

type SubscriptionResolver interface {
	Resolve(ctx context.Context, key message.Key, cfg conf.Subscription) (gateway.QueueHandle, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg *message.Message, topic gateway.TopicHandle, retry conf.Retry) (*publisher.Receipt, error)
}

type binding struct {
	cfg      conf.Subscription
	queue    gateway.QueueHandle
	handlers []Handler
}

type service struct {
	cfg           *conf.Config
	gateways      gateway.Gateways
	publishes     PublishResolver
	subscriptions SubscriptionResolver
	publisher     Publisher

	publishers map[message.Key]conf.Subscription
	bindings   map[message.Key]*binding
	sync.RWMutex
}

func NewService(cfg *conf.Config, gateways gateway.Gateways, publishes PublishResolver, subscriptions SubscriptionResolver, publisher Publisher) Service {
	return &service{
		cfg:           cfg,
		gateways:      gateways,
		publishes:     publishes,
		subscriptions: subscriptions,
		publisher:     publisher,
		publishers:    make(map[message.Key]conf.Subscription),
		bindings:      make(map[message.Key]*binding),
	}
}

// normalize fills in what the bus knows and the registration left out.
func (svc *service) normalize(key message.Key, cfg conf.Subscription) conf.Subscription {
	if cfg.Key == "" {
		cfg.Key = key.String()
	}

	if cfg.Topic == "" {
		cfg.Topic = key.String()
	}

	return cfg.InRegion(svc.cfg.Region)
}

func conflict(key message.Key) error {
	return fmt.Errorf("%w: %s registered with a different configuration", conf.ErrInvalidConfig, key)
}

func sameTopic(a, b conf.Subscription) bool {
	return a.Topic == b.Topic && a.Region == b.Region
}

// topicConflict reports whether cfg disagrees with the topic the key is
// already published to. The caller holds at least the read lock.
func (svc *service) topicConflict(key message.Key, cfg conf.Subscription, asPublisher bool) bool {
	if p, ok := svc.publishers[key]; ok && !asPublisher && !sameTopic(p, cfg) {
		return true
	}

	if b, ok := svc.bindings[key]; ok && asPublisher && !sameTopic(b.cfg, cfg) {
		return true
	}

	// an earlier unregistered Publish may have bound the key to another topic
	if topic, ok := svc.publishes.Cached(key); ok && topic.Name != cfg.Topic {
		return true
	}

	return false
}

func (svc *service) RegisterPublisher(ctx context.Context, key message.Key, cfg conf.Subscription) error {
	if key == "" {
		return fmt.Errorf("%w: %v", conf.ErrInvalidConfig, message.ErrKeyNotFound)
	}

	cfg = svc.normalize(key, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	svc.RLock()
	existing, ok := svc.publishers[key]
	clash := svc.topicConflict(key, cfg, true)
	svc.RUnlock()

	if ok {
		if !existing.Equal(cfg) {
			return conflict(key)
		}

		return nil
	}

	if clash {
		return conflict(key)
	}

	topic, err := svc.publishes.Resolve(ctx, key, cfg)
	if err != nil {
		return err
	}

	if topic.Name != cfg.Topic {
		return conflict(key)
	}

	svc.Lock()
	defer svc.Unlock()

	if existing, ok := svc.publishers[key]; ok && !existing.Equal(cfg) {
		return conflict(key)
	}

	if svc.topicConflict(key, cfg, true) {
		return conflict(key)
	}

	svc.publishers[key] = cfg
	return nil
}

func (svc *service) RegisterSubscriber(ctx context.Context, key message.Key, cfg conf.Subscription, handler Handler) error {
	if key == "" {
		return fmt.Errorf("%w: %v", conf.ErrInvalidConfig, message.ErrKeyNotFound)
	}

	if handler == nil {
		return fmt.Errorf("%w: %w", conf.ErrInvalidConfig, ErrHandlerRequired)
	}

	cfg = svc.normalize(key, cfg)
	if err := cfg.ValidateSubscriber(); err != nil {
		return err
	}

	svc.RLock()
	existing, ok := svc.bindings[key]
	clash := svc.topicConflict(key, cfg, false)
	svc.RUnlock()

	if (ok && !existing.cfg.Equal(cfg)) || clash {
		return conflict(key)
	}

	queue, err := svc.subscriptions.Resolve(ctx, key, cfg)
	if err != nil {
		return err
	}

	svc.Lock()
	defer svc.Unlock()

	if svc.topicConflict(key, cfg, false) {
		return conflict(key)
	}

	b, ok := svc.bindings[key]
	if !ok {
		b = &binding{
			cfg:   cfg,
			queue: queue,
		}

		svc.bindings[key] = b
	}

	if !b.cfg.Equal(cfg) {
		return conflict(key)
	}

	b.handlers = append(b.handlers, handler)
	return nil
}

// publishConfig picks the registered publisher, then a subscriber binding,
// then a topic named after the key.
func (svc *service) publishConfig(key message.Key) conf.Subscription {
	svc.RLock()
	defer svc.RUnlock()

	if cfg, ok := svc.publishers[key]; ok {
		return cfg
	}

	if b, ok := svc.bindings[key]; ok {
		return b.cfg
	}

	return svc.normalize(key, conf.Subscription{})
}

func (svc *service) Publish(ctx context.Context, msg *message.Message) (*publisher.Receipt, error) {
	if msg == nil {
		return nil, message.ErrInvalidMessage
	}

	key, err := msg.Key()
	if err != nil {
		return nil, err
	}

	cfg := svc.publishConfig(key)

	topic, err := svc.publishes.Resolve(ctx, key, cfg)
	if err != nil {
		return nil, err
	}

	return svc.publisher.Publish(ctx, msg, topic, cfg.RetryOr(svc.cfg.Publisher.Retry))
}

// Handle runs every handler registered for the message key.
func (svc *service) Handle(ctx context.Context, msg *message.Message) error {
	if msg == nil {
		return message.ErrInvalidMessage
	}

	key, err := msg.Key()
	if err != nil {
		return err
	}

	svc.RLock()
	var handlers []Handler
	if b, ok := svc.bindings[key]; ok {
		handlers = slices.Clone(b.handlers)
	}
	svc.RUnlock()

	if len(handlers) == 0 {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, key)
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (svc *service) Subscriptions() []Subscription {
	svc.RLock()
	defer svc.RUnlock()

	subscriptions := make([]Subscription, 0, len(svc.bindings))
	for key, b := range svc.bindings {
		subscriptions = append(subscriptions, Subscription{
			Key:      key,
			Topic:    b.cfg.Topic,
			Queue:    b.cfg.Queue,
			Region:   b.cfg.Region,
			URL:      b.queue.URL,
			Handlers: len(b.handlers),
		})
	}

	slices.SortFunc(subscriptions, func(a, b Subscription) int {
		return strings.Compare(string(a.Key), string(b.Key))
	})

	return subscriptions
}

func (svc *service) CheckHealth(ctx context.Context) error {
	g, err := svc.gateways.Gateway(ctx, svc.cfg.Region)
	if err != nil {
		return err
	}

	_, err = g.ListQueues(ctx, svc.cfg.Name)
	return err
}
