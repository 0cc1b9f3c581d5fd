// Package lookup resolves message type keys to backend endpoints. Each key is
// resolved once for the life of the resolver; later calls read the cache.
package lookup

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/topology"
)

// DefaultTimeout bounds one resolution once its callers have given up.
const DefaultTimeout = 5 * conf.DefaultMaxWait

type Option func(*options)

type options struct {
	timeout time.Duration
}

// WithTimeout bounds the detached resolution of a key. A backend that hangs
// longer fails that resolution so the key can be retried.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func newOptions(opts []Option) options {
	o := options{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

type TopicProvisioner interface {
	EnsureTopic(ctx context.Context, region string, name string) (gateway.TopicHandle, error)
}

type TopologyProvisioner interface {
	EnsureTopology(ctx context.Context, cfg conf.Subscription) (topology.Topology, error)
}

// PublishEndpoints only ensures topics. It never creates queues,
// subscriptions or policies.
type PublishEndpoints struct {
	provisioner TopicProvisioner
	cache       *cache[gateway.TopicHandle]
}

func NewPublishEndpoints(provisioner TopicProvisioner, opts ...Option) *PublishEndpoints {
	return &PublishEndpoints{
		provisioner: provisioner,
		cache:       newCache[gateway.TopicHandle](newOptions(opts)),
	}
}

func (e *PublishEndpoints) Resolve(ctx context.Context, key message.Key, cfg conf.Subscription) (gateway.TopicHandle, error) {
	return e.cache.resolve(ctx, key, func(ctx context.Context) (gateway.TopicHandle, error) {
		if err := cfg.Validate(); err != nil {
			return gateway.TopicHandle{}, err
		}

		return e.provisioner.EnsureTopic(ctx, cfg.Region, cfg.Topic)
	})
}

func (e *PublishEndpoints) Cached(key message.Key) (gateway.TopicHandle, bool) {
	return e.cache.get(key)
}

// SubscriptionEndpoints guarantees the whole delivery path before handing
// out a queue.
type SubscriptionEndpoints struct {
	provisioner TopologyProvisioner
	cache       *cache[gateway.QueueHandle]
}

func NewSubscriptionEndpoints(provisioner TopologyProvisioner, opts ...Option) *SubscriptionEndpoints {
	return &SubscriptionEndpoints{
		provisioner: provisioner,
		cache:       newCache[gateway.QueueHandle](newOptions(opts)),
	}
}

func (e *SubscriptionEndpoints) Resolve(ctx context.Context, key message.Key, cfg conf.Subscription) (gateway.QueueHandle, error) {
	return e.cache.resolve(ctx, key, func(ctx context.Context) (gateway.QueueHandle, error) {
		t, err := e.provisioner.EnsureTopology(ctx, cfg)
		if err != nil {
			return gateway.QueueHandle{}, err
		}

		return t.Queue, nil
	})
}

func (e *SubscriptionEndpoints) Cached(key message.Key) (gateway.QueueHandle, bool) {
	return e.cache.get(key)
}

// cache is write-once per key. Reads never block each other and a first
// resolution only holds up callers of the same key.
type cache[H any] struct {
	entries map[message.Key]H
	timeout time.Duration
	group   singleflight.Group
	sync.RWMutex
}

func newCache[H any](o options) *cache[H] {
	return &cache[H]{
		entries: make(map[message.Key]H),
		timeout: o.timeout,
	}
}

func (c *cache[H]) get(key message.Key) (H, bool) {
	c.RLock()
	defer c.RUnlock()

	h, ok := c.entries[key]
	return h, ok
}

func (c *cache[H]) resolve(ctx context.Context, key message.Key, fn func(ctx context.Context) (H, error)) (H, error) {
	if h, ok := c.get(key); ok {
		return h, nil
	}

	ch := c.group.DoChan(string(key), func() (any, error) {
		if h, ok := c.get(key); ok {
			return h, nil
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		h, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		c.Lock()
		c.entries[key] = h
		c.Unlock()

		return h, nil
	})

	var zero H
	select {
	case <-ctx.Done():
		return zero, ctx.Err()

	case result := <-ch:
		if result.Err != nil {
			return zero, result.Err
		}

		return result.Val.(H), nil
	}
}
