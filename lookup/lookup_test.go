package lookup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/consistency"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/gateway/inmem"
	"github.com/mirror520/notification/policy"
	"github.com/mirror520/notification/topology"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingProvisioner struct {
	topics     atomic.Int32
	topologies atomic.Int32
	release    chan struct{}
	err        error
}

func (p *countingProvisioner) EnsureTopic(ctx context.Context, region string, name string) (gateway.TopicHandle, error) {
	p.topics.Add(1)

	if p.release != nil {
		<-p.release
	}

	if p.err != nil {
		return gateway.TopicHandle{}, p.err
	}

	return gateway.TopicHandle{Region: region, Name: name, ID: "topic:" + name}, nil
}

func (p *countingProvisioner) EnsureTopology(ctx context.Context, cfg conf.Subscription) (topology.Topology, error) {
	p.topologies.Add(1)

	if p.err != nil {
		return topology.Topology{}, p.err
	}

	return topology.Topology{
		Topic: gateway.TopicHandle{Region: cfg.Region, Name: cfg.Topic, ID: "topic:" + cfg.Topic},
		Queue: gateway.QueueHandle{Region: cfg.Region, Name: cfg.Queue, URL: "queue:" + cfg.Queue},
	}, nil
}

func TestPublishEndpointsCachesPerKey(t *testing.T) {
	assert := assert.New(t)

	p := new(countingProvisioner)
	endpoints := NewPublishEndpoints(p)
	cfg := conf.Subscription{Topic: "orders", Region: "eu-west-1"}

	first, err := endpoints.Resolve(context.Background(), "order-placed", cfg)
	assert.NoError(err)

	second, err := endpoints.Resolve(context.Background(), "order-placed", cfg)
	assert.NoError(err)

	assert.Equal(first, second)
	assert.Equal("topic:orders", first.ID)
	assert.Equal(int32(1), p.topics.Load())

	cached, ok := endpoints.Cached("order-placed")
	assert.True(ok)
	assert.Equal(first, cached)

	_, ok = endpoints.Cached("order-cancelled")
	assert.False(ok)
}

func TestPublishEndpointsConcurrentFirstResolution(t *testing.T) {
	p := &countingProvisioner{release: make(chan struct{})}
	endpoints := NewPublishEndpoints(p)
	cfg := conf.Subscription{Topic: "orders", Region: "eu-west-1"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := endpoints.Resolve(context.Background(), "order-placed", cfg)
			assert.NoError(t, err)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(p.release)
	wg.Wait()

	assert.Equal(t, int32(1), p.topics.Load())
}

func TestPublishEndpointsCallerCanGiveUp(t *testing.T) {
	p := &countingProvisioner{release: make(chan struct{})}
	endpoints := NewPublishEndpoints(p)
	cfg := conf.Subscription{Topic: "orders", Region: "eu-west-1"}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := endpoints.Resolve(ctx, "order-placed", cfg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(p.release)

	// the in-flight resolution still completes and fills the cache
	require.Eventually(t, func() bool {
		_, ok := endpoints.Cached("order-placed")
		return ok
	}, time.Second, 5*time.Millisecond)
}

type hungProvisioner struct {
	countingProvisioner
}

func (p *hungProvisioner) EnsureTopic(ctx context.Context, region string, name string) (gateway.TopicHandle, error) {
	p.topics.Add(1)

	<-ctx.Done()
	return gateway.TopicHandle{}, ctx.Err()
}

func TestHungResolutionIsBounded(t *testing.T) {
	assert := assert.New(t)

	p := new(hungProvisioner)
	endpoints := NewPublishEndpoints(p, WithTimeout(30*time.Millisecond))
	cfg := conf.Subscription{Topic: "orders", Region: "eu-west-1"}

	start := time.Now()
	_, err := endpoints.Resolve(context.Background(), "order-placed", cfg)
	assert.ErrorIs(err, context.DeadlineExceeded)
	assert.Less(time.Since(start), time.Second)

	_, ok := endpoints.Cached("order-placed")
	assert.False(ok)

	// a later caller starts a fresh resolution
	_, err = endpoints.Resolve(context.Background(), "order-placed", cfg)
	assert.ErrorIs(err, context.DeadlineExceeded)
	assert.Equal(int32(2), p.topics.Load())
}

func TestAbandonedHungResolutionDoesNotLeak(t *testing.T) {
	p := new(hungProvisioner)
	endpoints := NewPublishEndpoints(p, WithTimeout(30*time.Millisecond))
	cfg := conf.Subscription{Topic: "orders", Region: "eu-west-1"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	_, err := endpoints.Resolve(ctx, "order-placed", cfg)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the detached run ends on its own bound; VerifyNone retries until it has
	goleak.VerifyNone(t)
}

func TestFailedResolutionIsNotCached(t *testing.T) {
	assert := assert.New(t)

	p := &countingProvisioner{err: gateway.NewError("list_topics", "orders", gateway.Transient, gateway.ErrThrottled)}
	endpoints := NewPublishEndpoints(p)
	cfg := conf.Subscription{Topic: "orders", Region: "eu-west-1"}

	_, err := endpoints.Resolve(context.Background(), "order-placed", cfg)
	assert.ErrorIs(err, gateway.ErrThrottled)

	p.err = nil

	topic, err := endpoints.Resolve(context.Background(), "order-placed", cfg)
	assert.NoError(err)
	assert.Equal("orders", topic.Name)
	assert.Equal(int32(2), p.topics.Load())
}

func TestPublishEndpointsRejectsInvalidConfig(t *testing.T) {
	p := new(countingProvisioner)
	endpoints := NewPublishEndpoints(p)

	_, err := endpoints.Resolve(context.Background(), "order-placed", conf.Subscription{})
	assert.True(t, errors.Is(err, conf.ErrInvalidConfig))
	assert.Equal(t, int32(0), p.topics.Load())
}

func TestSubscriptionEndpointsCachesPerKey(t *testing.T) {
	assert := assert.New(t)

	p := new(countingProvisioner)
	endpoints := NewSubscriptionEndpoints(p)
	cfg := conf.Subscription{Topic: "orders", Queue: "orders-api-orders", Region: "eu-west-1"}

	queue, err := endpoints.Resolve(context.Background(), "order-placed", cfg)
	assert.NoError(err)
	assert.Equal("queue:orders-api-orders", queue.URL)

	_, err = endpoints.Resolve(context.Background(), "order-placed", cfg)
	assert.NoError(err)
	assert.Equal(int32(1), p.topologies.Load())
	assert.Equal(int32(0), p.topics.Load())
}

func TestPublishSideNeverProvisionsQueues(t *testing.T) {
	ctx := context.Background()

	authorizer, err := policy.NewRegoAuthorizer(ctx)
	require.NoError(t, err)

	gw := inmem.NewGateway("eu-west-1", inmem.WithLag(10*time.Millisecond))
	provisioner := topology.NewProvisioner(gateway.Static(gw), &consistency.Waiter{
		Interval: 5 * time.Millisecond,
		MaxWait:  time.Second,
	}, authorizer)

	endpoints := NewPublishEndpoints(provisioner)

	topic, err := endpoints.Resolve(ctx, "order-placed", conf.Subscription{
		Topic:  "orders",
		Queue:  "orders-api-orders",
		Region: "eu-west-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "orders", topic.Name)
	assert.Equal(t, 0, gw.Calls(inmem.OpCreateQueue))
	assert.Equal(t, 0, gw.Calls(inmem.OpSubscribe))
	assert.Equal(t, 0, gw.Calls(inmem.OpSetQueueAttributes))
}
