// Package gateway describes the topic/queue backend the notification stack
// provisions against and publishes through. Every call is one round trip and
// the gateway keeps no state of its own.
package gateway

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mirror520/notification/message"
)

// Queue attribute keys. Drivers translate them to their native names.
const (
	AttrQueueArn               = "QueueArn"
	AttrPolicy                 = "Policy"
	AttrVisibilityTimeout      = "VisibilityTimeout"
	AttrMessageRetentionPeriod = "MessageRetentionPeriod"
)

type Attributes map[string]string

// TopicHandle is resolved once per (Name, Region) and never changes.
type TopicHandle struct {
	Region string `json:"region"`
	Name   string `json:"name"`
	ID     string `json:"id"`
}

func (h TopicHandle) String() string {
	return h.ID
}

func (h TopicHandle) IsZero() bool {
	return h.ID == ""
}

// QueueHandle is resolved once per (Name, Region) and never changes.
type QueueHandle struct {
	Region string `json:"region"`
	Name   string `json:"name"`
	URL    string `json:"url"`
}

func (h QueueHandle) String() string {
	return h.URL
}

func (h QueueHandle) IsZero() bool {
	return h.URL == ""
}

// SubscriptionLink states that the queue identified by Endpoint receives
// what Topic publishes.
type SubscriptionLink struct {
	ARN      string      `json:"arn"`
	Topic    TopicHandle `json:"topic"`
	Protocol string      `json:"protocol"`
	Endpoint string      `json:"endpoint"`
}

type Topics interface {
	CreateTopic(ctx context.Context, name string) (TopicHandle, error)
	ListTopics(ctx context.Context, prefix string) ([]TopicHandle, error)
	DeleteTopic(ctx context.Context, topic TopicHandle) error
}

type Queues interface {
	CreateQueue(ctx context.Context, name string, attrs Attributes) (QueueHandle, error)
	ListQueues(ctx context.Context, prefix string) ([]QueueHandle, error)
	DeleteQueue(ctx context.Context, queue QueueHandle) error
	GetQueueAttributes(ctx context.Context, queue QueueHandle, keys ...string) (Attributes, error)
	SetQueueAttributes(ctx context.Context, queue QueueHandle, attrs Attributes) error
}

type Subscriptions interface {
	Subscribe(ctx context.Context, topic TopicHandle, queue QueueHandle) (SubscriptionLink, error)
	ListSubscriptions(ctx context.Context, topic TopicHandle) ([]SubscriptionLink, error)
}

type Sender interface {
	Send(ctx context.Context, topic TopicHandle, msg *message.Message) error
}

type Gateway interface {
	Topics
	Queues
	Subscriptions
	Sender
	Close() error
}

// Gateways hands out the region-bound gateway for a region.
type Gateways interface {
	Gateway(ctx context.Context, region string) (Gateway, error)
	Close() error
}

type Factory func(ctx context.Context, region string) (Gateway, error)

// NewGateways builds gateways lazily, one per region.
func NewGateways(factory Factory) Gateways {
	return &gateways{
		factory:  factory,
		gateways: make(map[string]Gateway),
	}
}

// Static serves the same gateway for every region.
func Static(g Gateway) Gateways {
	return NewGateways(func(ctx context.Context, region string) (Gateway, error) {
		return g, nil
	})
}

type gateways struct {
	factory  Factory
	gateways map[string]Gateway // map[Region]Gateway
	group    singleflight.Group
	sync.RWMutex
}

func (gs *gateways) cached(region string) (Gateway, bool) {
	gs.RLock()
	defer gs.RUnlock()

	g, ok := gs.gateways[region]
	return g, ok
}

// Gateway builds a region's gateway at most once at a time and outside the
// registry lock, so a slow region never holds up the others.
func (gs *gateways) Gateway(ctx context.Context, region string) (Gateway, error) {
	if g, ok := gs.cached(region); ok {
		return g, nil
	}

	v, err, _ := gs.group.Do(region, func() (any, error) {
		if g, ok := gs.cached(region); ok {
			return g, nil
		}

		g, err := gs.factory(ctx, region)
		if err != nil {
			return nil, err
		}

		gs.Lock()
		gs.gateways[region] = g
		gs.Unlock()

		return g, nil
	})

	if err != nil {
		return nil, err
	}

	return v.(Gateway), nil
}

func (gs *gateways) Close() error {
	gs.Lock()
	defer gs.Unlock()

	closed := make(map[Gateway]struct{})

	var err error
	for region, g := range gs.gateways {
		if _, ok := closed[g]; !ok {
			if closeErr := g.Close(); closeErr != nil && err == nil {
				err = closeErr
			}
			closed[g] = struct{}{}
		}

		delete(gs.gateways, region)
	}

	return err
}
