// Package inmem is an in-process backend. Newly created and deleted
// resources only show up in list calls after a configurable lag, which
// mimics the read-after-write delay of the managed services.
package inmem

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/message"
)

// Operation names accepted by Fail and Calls.
const (
	OpCreateTopic        = "create_topic"
	OpListTopics         = "list_topics"
	OpDeleteTopic        = "delete_topic"
	OpCreateQueue        = "create_queue"
	OpListQueues         = "list_queues"
	OpDeleteQueue        = "delete_queue"
	OpGetQueueAttributes = "get_queue_attributes"
	OpSetQueueAttributes = "set_queue_attributes"
	OpSubscribe          = "subscribe"
	OpListSubscriptions  = "list_subscriptions"
	OpSend               = "send"
)

const account = "000000000000"

type Option func(*Gateway)

// WithLag delays visibility of creates and deletes in list calls.
func WithLag(lag time.Duration) Option {
	return func(g *Gateway) {
		g.lag = lag
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

type topic struct {
	handle    gateway.TopicHandle
	visibleAt time.Time
	deletedAt time.Time
}

type queue struct {
	handle    gateway.QueueHandle
	arn       string
	attrs     gateway.Attributes
	visibleAt time.Time
	deletedAt time.Time
	messages  []*message.Message
}

type Delivery struct {
	Topic   gateway.TopicHandle
	Message message.Message
}

type Gateway struct {
	region string
	lag    time.Duration
	now    func() time.Time

	topics map[string]*topic                     // map[Name]*topic
	queues map[string]*queue                     // map[Name]*queue
	links  map[string][]gateway.SubscriptionLink // map[TopicID][]SubscriptionLink
	sent   []Delivery
	faults map[string][]error
	calls  map[string]int
	sync.Mutex
}

func NewGateway(region string, opts ...Option) *Gateway {
	g := &Gateway{
		region: region,
		now:    time.Now,
		topics: make(map[string]*topic),
		queues: make(map[string]*queue),
		links:  make(map[string][]gateway.SubscriptionLink),
		faults: make(map[string][]error),
		calls:  make(map[string]int),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Fail queues errors returned by the next calls of op, one per call.
func (g *Gateway) Fail(op string, errs ...error) {
	g.Lock()
	g.faults[op] = append(g.faults[op], errs...)
	g.Unlock()
}

func (g *Gateway) Calls(op string) int {
	g.Lock()
	defer g.Unlock()
	return g.calls[op]
}

// Sent returns copies of every message accepted by Send.
func (g *Gateway) Sent() []Delivery {
	g.Lock()
	defer g.Unlock()

	sent := make([]Delivery, len(g.sent))
	copy(sent, g.sent)
	return sent
}

// Received returns the messages fanned out to a queue.
func (g *Gateway) Received(queueName string) []*message.Message {
	g.Lock()
	defer g.Unlock()

	q, ok := g.queues[queueName]
	if !ok {
		return nil
	}

	msgs := make([]*message.Message, len(q.messages))
	copy(msgs, q.messages)
	return msgs
}

// call records the call and pops an injected fault, if any.
func (g *Gateway) call(op string) error {
	g.calls[op]++

	faults := g.faults[op]
	if len(faults) == 0 {
		return nil
	}

	err := faults[0]
	g.faults[op] = faults[1:]
	return gateway.Classify(op, "", err)
}

func (g *Gateway) visible(visibleAt time.Time, deletedAt time.Time) bool {
	now := g.now()
	if now.Before(visibleAt) {
		return false
	}

	if !deletedAt.IsZero() && !now.Before(deletedAt.Add(g.lag)) {
		return false
	}

	return true
}

func (g *Gateway) topicARN(name string) string {
	return "arn:inmem:sns:" + g.region + ":" + account + ":" + name
}

func (g *Gateway) queueARN(name string) string {
	return "arn:inmem:sqs:" + g.region + ":" + account + ":" + name
}

func (g *Gateway) queueURL(name string) string {
	return "inmem://sqs/" + g.region + "/" + account + "/" + name
}

func (g *Gateway) liveTopic(h gateway.TopicHandle) (*topic, bool) {
	t, ok := g.topics[h.Name]
	if !ok || !t.deletedAt.IsZero() || t.handle.ID != h.ID {
		return nil, false
	}

	return t, true
}

func (g *Gateway) liveQueue(h gateway.QueueHandle) (*queue, bool) {
	q, ok := g.queues[h.Name]
	if !ok || !q.deletedAt.IsZero() || q.handle.URL != h.URL {
		return nil, false
	}

	return q, true
}

func (g *Gateway) CreateTopic(ctx context.Context, name string) (gateway.TopicHandle, error) {
	g.Lock()
	defer g.Unlock()

	if err := g.call(OpCreateTopic); err != nil {
		return gateway.TopicHandle{}, err
	}

	if name == "" {
		return gateway.TopicHandle{}, gateway.Classify(OpCreateTopic, name, gateway.ErrInvalidRequest)
	}

	if t, ok := g.topics[name]; ok && t.deletedAt.IsZero() {
		return t.handle, nil
	}

	t := &topic{
		handle: gateway.TopicHandle{
			Region: g.region,
			Name:   name,
			ID:     g.topicARN(name),
		},
		visibleAt: g.now().Add(g.lag),
	}

	g.topics[name] = t
	return t.handle, nil
}

func (g *Gateway) ListTopics(ctx context.Context, prefix string) ([]gateway.TopicHandle, error) {
	g.Lock()
	defer g.Unlock()

	if err := g.call(OpListTopics); err != nil {
		return nil, err
	}

	topics := make([]gateway.TopicHandle, 0)
	for name, t := range g.topics {
		if !strings.HasPrefix(name, prefix) || !g.visible(t.visibleAt, t.deletedAt) {
			continue
		}

		topics = append(topics, t.handle)
	}

	return topics, nil
}

func (g *Gateway) DeleteTopic(ctx context.Context, h gateway.TopicHandle) error {
	g.Lock()
	defer g.Unlock()

	if err := g.call(OpDeleteTopic); err != nil {
		return err
	}

	t, ok := g.liveTopic(h)
	if !ok {
		return nil
	}

	t.deletedAt = g.now()
	delete(g.links, h.ID)
	return nil
}

func (g *Gateway) CreateQueue(ctx context.Context, name string, attrs gateway.Attributes) (gateway.QueueHandle, error) {
	g.Lock()
	defer g.Unlock()

	if err := g.call(OpCreateQueue); err != nil {
		return gateway.QueueHandle{}, err
	}

	if name == "" {
		return gateway.QueueHandle{}, gateway.Classify(OpCreateQueue, name, gateway.ErrInvalidRequest)
	}

	if q, ok := g.queues[name]; ok && q.deletedAt.IsZero() {
		for k, v := range attrs {
			if q.attrs[k] != v {
				return gateway.QueueHandle{}, gateway.Classify(OpCreateQueue, name, gateway.ErrAlreadyExists)
			}
		}

		return q.handle, nil
	}

	q := &queue{
		handle: gateway.QueueHandle{
			Region: g.region,
			Name:   name,
			URL:    g.queueURL(name),
		},
		arn:       g.queueARN(name),
		attrs:     make(gateway.Attributes),
		visibleAt: g.now().Add(g.lag),
	}

	for k, v := range attrs {
		q.attrs[k] = v
	}

	g.queues[name] = q
	return q.handle, nil
}

func (g *Gateway) ListQueues(ctx context.Context, prefix string) ([]gateway.QueueHandle, error) {
	g.Lock()
	defer g.Unlock()

	if err := g.call(OpListQueues); err != nil {
		return nil, err
	}

	queues := make([]gateway.QueueHandle, 0)
	for name, q := range g.queues {
		if !strings.HasPrefix(name, prefix) || !g.visible(q.visibleAt, q.deletedAt) {
			continue
		}

		queues = append(queues, q.handle)
	}

	return queues, nil
}

func (g *Gateway) DeleteQueue(ctx context.Context, h gateway.QueueHandle) error {
	g.Lock()
	defer g.Unlock()

	if err := g.call(OpDeleteQueue); err != nil {
		return err
	}

	q, ok := g.liveQueue(h)
	if !ok {
		return nil
	}

	q.deletedAt = g.now()
	return nil
}

func (g *Gateway) GetQueueAttributes(ctx context.Context, h gateway.QueueHandle, keys ...string) (gateway.Attributes, error) {
	g.Lock()
	defer g.Unlock()

	if err := g.call(OpGetQueueAttributes); err != nil {
		return nil, err
	}

	q, ok := g.liveQueue(h)
	if !ok {
		return nil, gateway.Classify(OpGetQueueAttributes, h.Name, gateway.ErrNotFound)
	}

	all := make(gateway.Attributes, len(q.attrs)+1)
	for k, v := range q.attrs {
		all[k] = v
	}
	all[gateway.AttrQueueArn] = q.arn

	if len(keys) == 0 {
		return all, nil
	}

	attrs := make(gateway.Attributes, len(keys))
	for _, k := range keys {
		if v, ok := all[k]; ok {
			attrs[k] = v
		}
	}

	return attrs, nil
}

func (g *Gateway) SetQueueAttributes(ctx context.Context, h gateway.QueueHandle, attrs gateway.Attributes) error {
	g.Lock()
	defer g.Unlock()

	if err := g.call(OpSetQueueAttributes); err != nil {
		return err
	}

	q, ok := g.liveQueue(h)
	if !ok {
		return gateway.Classify(OpSetQueueAttributes, h.Name, gateway.ErrNotFound)
	}

	for k, v := range attrs {
		if k == gateway.AttrQueueArn {
			return gateway.Classify(OpSetQueueAttributes, h.Name, gateway.ErrInvalidRequest)
		}

		q.attrs[k] = v
	}

	return nil
}

func (g *Gateway) Subscribe(ctx context.Context, th gateway.TopicHandle, qh gateway.QueueHandle) (gateway.SubscriptionLink, error) {
	g.Lock()
	defer g.Unlock()

	if err := g.call(OpSubscribe); err != nil {
		return gateway.SubscriptionLink{}, err
	}

	if _, ok := g.liveTopic(th); !ok {
		return gateway.SubscriptionLink{}, gateway.Classify(OpSubscribe, th.Name, gateway.ErrNotFound)
	}

	q, ok := g.liveQueue(qh)
	if !ok {
		return gateway.SubscriptionLink{}, gateway.Classify(OpSubscribe, qh.Name, gateway.ErrNotFound)
	}

	for _, link := range g.links[th.ID] {
		if link.Endpoint == q.arn {
			return link, nil
		}
	}

	link := gateway.SubscriptionLink{
		ARN:      th.ID + ":" + qh.Name,
		Topic:    th,
		Protocol: "sqs",
		Endpoint: q.arn,
	}

	g.links[th.ID] = append(g.links[th.ID], link)
	return link, nil
}

func (g *Gateway) ListSubscriptions(ctx context.Context, th gateway.TopicHandle) ([]gateway.SubscriptionLink, error) {
	g.Lock()
	defer g.Unlock()

	if err := g.call(OpListSubscriptions); err != nil {
		return nil, err
	}

	if _, ok := g.liveTopic(th); !ok {
		return nil, gateway.Classify(OpListSubscriptions, th.Name, gateway.ErrNotFound)
	}

	links := make([]gateway.SubscriptionLink, len(g.links[th.ID]))
	copy(links, g.links[th.ID])
	return links, nil
}

// Send fans the message out to every subscribed queue whose policy names
// the topic. Queues without such a policy silently drop it.
func (g *Gateway) Send(ctx context.Context, th gateway.TopicHandle, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	g.Lock()
	defer g.Unlock()

	if err := g.call(OpSend); err != nil {
		return err
	}

	if _, ok := g.liveTopic(th); !ok {
		return gateway.Classify(OpSend, th.Name, gateway.ErrNotFound)
	}

	if _, err := message.Marshal(msg); err != nil {
		return gateway.Classify(OpSend, th.Name, gateway.ErrInvalidRequest)
	}

	g.sent = append(g.sent, Delivery{
		Topic:   th,
		Message: *msg,
	})

	for _, link := range g.links[th.ID] {
		for _, q := range g.queues {
			if q.arn != link.Endpoint || !q.deletedAt.IsZero() {
				continue
			}

			if !strings.Contains(q.attrs[gateway.AttrPolicy], th.ID) {
				continue
			}

			delivered := *msg
			q.messages = append(q.messages, &delivered)
		}
	}

	return nil
}

func (g *Gateway) Close() error {
	return nil
}
