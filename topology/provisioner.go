// Package topology makes sure a topic, a queue, the subscription between
// them and the queue policy that lets the topic deliver all exist.
package topology

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/consistency"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/policy"
)

type Topology struct {
	Topic gateway.TopicHandle      `json:"topic"`
	Queue gateway.QueueHandle      `json:"queue"`
	Link  gateway.SubscriptionLink `json:"link"`
}

type resourceKey struct {
	Region string
	Name   string
}

type Provisioner struct {
	log        *zap.Logger
	gateways   gateway.Gateways
	waiter     *consistency.Waiter
	authorizer policy.Authorizer
	timeout    time.Duration

	topics map[resourceKey]gateway.TopicHandle // write once per key
	queues map[resourceKey]gateway.QueueHandle // write once per key
	locks  map[resourceKey]*sync.Mutex         // serializes policy merges per queue
	group  singleflight.Group
	sync.RWMutex
}

// waitsPerRun is the number of consistency waits one topology may need:
// topic, queue, subscription and policy.
const waitsPerRun = 4

type Option func(*Provisioner)

// WithTimeout bounds one detached provisioning run. It defaults to one
// MaxWait more than a full topology can wait for.
func WithTimeout(d time.Duration) Option {
	return func(p *Provisioner) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func NewProvisioner(gateways gateway.Gateways, waiter *consistency.Waiter, authorizer policy.Authorizer, opts ...Option) *Provisioner {
	p := &Provisioner{
		log: zap.L().With(
			zap.String("component", "topology"),
		),
		gateways:   gateways,
		waiter:     waiter,
		authorizer: authorizer,
		topics:     make(map[resourceKey]gateway.TopicHandle),
		queues:     make(map[resourceKey]gateway.QueueHandle),
		locks:      make(map[resourceKey]*sync.Mutex),
		timeout:    (waitsPerRun + 1) * waiter.MaxWait,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Timeout is the bound of one detached provisioning run.
func (p *Provisioner) Timeout() time.Duration {
	return p.timeout
}

// EnsureTopology returns once the topic, the queue, the subscription and the
// queue policy all hold. It never reports partial success.
func (p *Provisioner) EnsureTopology(ctx context.Context, cfg conf.Subscription) (Topology, error) {
	if err := cfg.ValidateSubscriber(); err != nil {
		return Topology{}, err
	}

	log := p.log.With(
		zap.String("action", "ensure_topology"),
		zap.String("region", cfg.Region),
		zap.String("topic", cfg.Topic),
		zap.String("queue", cfg.Queue),
	)

	g, err := p.gateways.Gateway(ctx, cfg.Region)
	if err != nil {
		return Topology{}, err
	}

	topic, err := p.EnsureTopic(ctx, cfg.Region, cfg.Topic)
	if err != nil {
		return Topology{}, err
	}

	queue, err := p.ensureQueue(ctx, g, cfg)
	if err != nil {
		return Topology{}, err
	}

	attrs, err := g.GetQueueAttributes(ctx, queue, gateway.AttrQueueArn)
	if err != nil {
		return Topology{}, fmt.Errorf("queue %s: %w", queue.Name, err)
	}

	queueARN := attrs[gateway.AttrQueueArn]
	if queueARN == "" {
		return Topology{}, gateway.NewError("get_queue_attributes", queue.Name, gateway.Permanent, gateway.ErrNotFound)
	}

	link, err := p.ensureSubscription(ctx, g, topic, queue, queueARN)
	if err != nil {
		return Topology{}, err
	}

	if err := p.ensurePolicy(ctx, g, topic, queue, queueARN); err != nil {
		return Topology{}, err
	}

	log.Debug("topology ensured",
		zap.String("topic_id", topic.ID),
		zap.String("queue_url", queue.URL),
	)

	return Topology{
		Topic: topic,
		Queue: queue,
		Link:  link,
	}, nil
}

// EnsureTopic resolves or creates a topic by exact name. The handle is cached
// for the life of the provisioner.
func (p *Provisioner) EnsureTopic(ctx context.Context, region string, name string) (gateway.TopicHandle, error) {
	key := resourceKey{region, name}

	p.RLock()
	topic, ok := p.topics[key]
	p.RUnlock()

	if ok {
		return topic, nil
	}

	v, err := p.do(ctx, "topic:"+region+":"+name, func(ctx context.Context) (any, error) {
		p.RLock()
		topic, ok := p.topics[key]
		p.RUnlock()

		if ok {
			return topic, nil
		}

		g, err := p.gateways.Gateway(ctx, region)
		if err != nil {
			return nil, err
		}

		topic, err = p.ensureTopic(ctx, g, name)
		if err != nil {
			return nil, err
		}

		p.Lock()
		p.topics[key] = topic
		p.Unlock()

		return topic, nil
	})

	if err != nil {
		return gateway.TopicHandle{}, err
	}

	return v.(gateway.TopicHandle), nil
}

// do runs fn once per key across concurrent callers while letting each
// caller give up on its own context. The shared run is bounded by the
// provisioner timeout.
func (p *Provisioner) do(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	ch := p.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()

		return fn(ctx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()

	case result := <-ch:
		return result.Val, result.Err
	}
}

func findTopic(ctx context.Context, g gateway.Gateway, name string) (gateway.TopicHandle, bool, error) {
	topics, err := g.ListTopics(ctx, name)
	if err != nil {
		return gateway.TopicHandle{}, false, err
	}

	// exact name only; a prefix listing also returns orders-test for orders
	for _, t := range topics {
		if t.Name == name {
			return t, true, nil
		}
	}

	return gateway.TopicHandle{}, false, nil
}

func (p *Provisioner) ensureTopic(ctx context.Context, g gateway.Gateway, name string) (gateway.TopicHandle, error) {
	log := p.log.With(
		zap.String("action", "ensure_topic"),
		zap.String("topic", name),
	)

	topic, ok, err := findTopic(ctx, g, name)
	if err != nil {
		return gateway.TopicHandle{}, fmt.Errorf("topic %s: %w", name, err)
	}

	if ok {
		return topic, nil
	}

	created, err := g.CreateTopic(ctx, name)
	if err != nil && !errors.Is(err, gateway.ErrAlreadyExists) {
		return gateway.TopicHandle{}, fmt.Errorf("topic %s: %w", name, err)
	}

	log.Info("topic created", zap.String("topic_id", created.ID))

	err = p.waiter.Until(ctx, func(ctx context.Context) (bool, error) {
		topic, ok, err = findTopic(ctx, g, name)
		return ok, err
	})

	if err != nil {
		return gateway.TopicHandle{}, fmt.Errorf("topic %s: %w", name, err)
	}

	return topic, nil
}

func findQueue(ctx context.Context, g gateway.Gateway, name string) (gateway.QueueHandle, bool, error) {
	queues, err := g.ListQueues(ctx, name)
	if err != nil {
		return gateway.QueueHandle{}, false, err
	}

	for _, q := range queues {
		if q.Name == name {
			return q, true, nil
		}
	}

	return gateway.QueueHandle{}, false, nil
}

// QueueAttributes renders the configured queue settings as backend attributes.
func QueueAttributes(cfg conf.Subscription) gateway.Attributes {
	attrs := make(gateway.Attributes)

	if cfg.VisibilityTimeout > 0 {
		attrs[gateway.AttrVisibilityTimeout] = seconds(cfg.VisibilityTimeout)
	}

	if cfg.RetentionPeriod > 0 {
		attrs[gateway.AttrMessageRetentionPeriod] = seconds(cfg.RetentionPeriod)
	}

	return attrs
}

func seconds(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}

func (p *Provisioner) ensureQueue(ctx context.Context, g gateway.Gateway, cfg conf.Subscription) (gateway.QueueHandle, error) {
	key := resourceKey{cfg.Region, cfg.Queue}

	p.RLock()
	queue, ok := p.queues[key]
	p.RUnlock()

	if ok {
		return queue, nil
	}

	v, err := p.do(ctx, "queue:"+cfg.Region+":"+cfg.Queue, func(ctx context.Context) (any, error) {
		p.RLock()
		queue, ok := p.queues[key]
		p.RUnlock()

		if ok {
			return queue, nil
		}

		queue, err := p.resolveQueue(ctx, g, cfg)
		if err != nil {
			return nil, err
		}

		p.Lock()
		p.queues[key] = queue
		p.Unlock()

		return queue, nil
	})

	if err != nil {
		return gateway.QueueHandle{}, err
	}

	return v.(gateway.QueueHandle), nil
}

func (p *Provisioner) resolveQueue(ctx context.Context, g gateway.Gateway, cfg conf.Subscription) (gateway.QueueHandle, error) {
	log := p.log.With(
		zap.String("action", "ensure_queue"),
		zap.String("queue", cfg.Queue),
	)

	name := cfg.Queue
	attrs := QueueAttributes(cfg)

	queue, ok, err := findQueue(ctx, g, name)
	if err != nil {
		return gateway.QueueHandle{}, fmt.Errorf("queue %s: %w", name, err)
	}

	if ok {
		if err := p.reconcileAttributes(ctx, g, queue, attrs); err != nil {
			return gateway.QueueHandle{}, err
		}

		return queue, nil
	}

	created, err := g.CreateQueue(ctx, name, attrs)
	switch {
	case err == nil:
		log.Info("queue created", zap.String("queue_url", created.URL))

	case errors.Is(err, gateway.ErrAlreadyExists):
		// created concurrently with other settings; reconciled below

	default:
		return gateway.QueueHandle{}, fmt.Errorf("queue %s: %w", name, err)
	}

	err = p.waiter.Until(ctx, func(ctx context.Context) (bool, error) {
		queue, ok, err = findQueue(ctx, g, name)
		return ok, err
	})

	if err != nil {
		return gateway.QueueHandle{}, fmt.Errorf("queue %s: %w", name, err)
	}

	if created.IsZero() {
		if err := p.reconcileAttributes(ctx, g, queue, attrs); err != nil {
			return gateway.QueueHandle{}, err
		}
	}

	return queue, nil
}

func (p *Provisioner) reconcileAttributes(ctx context.Context, g gateway.Gateway, queue gateway.QueueHandle, want gateway.Attributes) error {
	if len(want) == 0 {
		return nil
	}

	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}

	have, err := g.GetQueueAttributes(ctx, queue, keys...)
	if err != nil {
		return fmt.Errorf("queue %s: %w", queue.Name, err)
	}

	diff := make(gateway.Attributes)
	for k, v := range want {
		if have[k] != v {
			diff[k] = v
		}
	}

	if len(diff) == 0 {
		return nil
	}

	if err := g.SetQueueAttributes(ctx, queue, diff); err != nil {
		return fmt.Errorf("queue %s: %w", queue.Name, err)
	}

	p.log.Info("queue attributes updated",
		zap.String("action", "ensure_queue"),
		zap.String("queue", queue.Name),
		zap.Int("attributes", len(diff)),
	)

	return nil
}

func findLink(ctx context.Context, g gateway.Gateway, topic gateway.TopicHandle, queueARN string) (gateway.SubscriptionLink, bool, error) {
	links, err := g.ListSubscriptions(ctx, topic)
	if err != nil {
		return gateway.SubscriptionLink{}, false, err
	}

	for _, link := range links {
		if link.ARN != "" && link.Endpoint == queueARN {
			return link, true, nil
		}
	}

	return gateway.SubscriptionLink{}, false, nil
}

func (p *Provisioner) ensureSubscription(ctx context.Context, g gateway.Gateway, topic gateway.TopicHandle, queue gateway.QueueHandle, queueARN string) (gateway.SubscriptionLink, error) {
	link, ok, err := findLink(ctx, g, topic, queueARN)
	if err != nil {
		return gateway.SubscriptionLink{}, fmt.Errorf("subscription %s -> %s: %w", topic.Name, queue.Name, err)
	}

	if ok {
		return link, nil
	}

	// A topic deleted since EnsureTopic surfaces here as not found. It is not
	// recreated.
	if _, err := g.Subscribe(ctx, topic, queue); err != nil {
		return gateway.SubscriptionLink{}, fmt.Errorf("subscription %s -> %s: %w", topic.Name, queue.Name, err)
	}

	p.log.Info("queue subscribed",
		zap.String("action", "ensure_subscription"),
		zap.String("topic", topic.Name),
		zap.String("queue", queue.Name),
	)

	err = p.waiter.Until(ctx, func(ctx context.Context) (bool, error) {
		link, ok, err = findLink(ctx, g, topic, queueARN)
		return ok, err
	})

	if err != nil {
		return gateway.SubscriptionLink{}, fmt.Errorf("subscription %s -> %s: %w", topic.Name, queue.Name, err)
	}

	return link, nil
}

func (p *Provisioner) queueLock(queue gateway.QueueHandle) *sync.Mutex {
	key := resourceKey{queue.Region, queue.Name}

	p.Lock()
	defer p.Unlock()

	mu, ok := p.locks[key]
	if !ok {
		mu = new(sync.Mutex)
		p.locks[key] = mu
	}

	return mu
}

func (p *Provisioner) authorized(ctx context.Context, g gateway.Gateway, topic gateway.TopicHandle, queue gateway.QueueHandle) (*policy.Document, bool, error) {
	attrs, err := g.GetQueueAttributes(ctx, queue, gateway.AttrPolicy)
	if err != nil {
		return nil, false, err
	}

	doc, err := policy.Parse(attrs[gateway.AttrPolicy])
	if err != nil {
		return nil, false, err
	}

	ok, err := p.authorizer.Authorized(ctx, doc, topic.ID)
	if err != nil {
		return nil, false, err
	}

	return doc, ok, nil
}

func (p *Provisioner) ensurePolicy(ctx context.Context, g gateway.Gateway, topic gateway.TopicHandle, queue gateway.QueueHandle, queueARN string) error {
	mu := p.queueLock(queue)
	mu.Lock()
	defer mu.Unlock()

	doc, ok, err := p.authorized(ctx, g, topic, queue)
	if err != nil {
		return fmt.Errorf("policy %s: %w", queue.Name, err)
	}

	if ok {
		return nil
	}

	if err := doc.Grant(queueARN, topic.ID); err != nil {
		return fmt.Errorf("policy %s: %w", queue.Name, err)
	}

	err = g.SetQueueAttributes(ctx, queue, gateway.Attributes{
		gateway.AttrPolicy: doc.String(),
	})

	if err != nil {
		return fmt.Errorf("policy %s: %w", queue.Name, err)
	}

	p.log.Info("queue policy granted",
		zap.String("action", "ensure_policy"),
		zap.String("topic", topic.Name),
		zap.String("queue", queue.Name),
		zap.Int("statements", doc.Len()),
	)

	err = p.waiter.Until(ctx, func(ctx context.Context) (bool, error) {
		_, ok, err := p.authorized(ctx, g, topic, queue)
		return ok, err
	})

	if err != nil {
		return fmt.Errorf("policy %s: %w", queue.Name, err)
	}

	return nil
}
