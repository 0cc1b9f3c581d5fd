// Package kv keeps topics, queues, subscriptions and delivered messages in
// an embedded badger database. Writes are visible to the next read.
package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/policy"
)

const account = "local"

// Open opens the database described by cfg. An in-memory database ignores
// the path.
func Open(cfg conf.Backend) (*badger.DB, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMem {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}

	opts = opts.WithLogger(nil)

	return badger.Open(opts)
}

type topicRecord struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type queueRecord struct {
	Name       string             `json:"name"`
	URL        string             `json:"url"`
	ARN        string             `json:"arn"`
	Attributes gateway.Attributes `json:"attributes"`
}

type linkRecord struct {
	ARN      string `json:"arn"`
	TopicID  string `json:"topicId"`
	Endpoint string `json:"endpoint"`
}

type Option func(*Gateway)

// WithAuthorizer gates delivery on the queue policy. Without one, a queue
// receives a topic's messages once its policy names the topic.
func WithAuthorizer(authorizer policy.Authorizer) Option {
	return func(g *Gateway) {
		g.authorizer = authorizer
	}
}

// Gateway is bound to one region. It does not own the database.
type Gateway struct {
	db         *badger.DB
	region     string
	authorizer policy.Authorizer
}

func NewGateway(db *badger.DB, region string, opts ...Option) *Gateway {
	g := &Gateway{
		db:     db,
		region: region,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

func (g *Gateway) topicKey(name string) []byte {
	return []byte("topic:" + g.region + ":" + name)
}

func (g *Gateway) queueKey(name string) []byte {
	return []byte("queue:" + g.region + ":" + name)
}

func (g *Gateway) linkPrefix(topic string) []byte {
	return []byte("sub:" + g.region + ":" + topic + ":")
}

func (g *Gateway) messagePrefix(queue string) []byte {
	return []byte("msg:" + g.region + ":" + queue + ":")
}

func (g *Gateway) topicARN(name string) string {
	return "arn:kv:sns:" + g.region + ":" + account + ":" + name
}

func (g *Gateway) queueARN(name string) string {
	return "arn:kv:sqs:" + g.region + ":" + account + ":" + name
}

func (g *Gateway) queueURL(name string) string {
	return "kv://sqs/" + g.region + "/" + account + "/" + name
}

func (g *Gateway) topicHandle(r *topicRecord) gateway.TopicHandle {
	return gateway.TopicHandle{
		Region: g.region,
		Name:   r.Name,
		ID:     r.ID,
	}
}

func (g *Gateway) queueHandle(r *queueRecord) gateway.QueueHandle {
	return gateway.QueueHandle{
		Region: g.region,
		Name:   r.Name,
		URL:    r.URL,
	}
}

func classify(op string, resource string, err error) error {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, badger.ErrKeyNotFound):
		err = gateway.ErrNotFound

	case errors.Is(err, badger.ErrDBClosed):
		err = gateway.ErrUnavailable

	case errors.Is(err, badger.ErrConflict):
		err = gateway.ErrThrottled
	}

	return gateway.Classify(op, resource, err)
}

func get[T any](txn *badger.Txn, key []byte) (*T, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}

	var v *T
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &v)
	}); err != nil {
		return nil, err
	}

	return v, nil
}

func set(txn *badger.Txn, key []byte, v any) error {
	bs, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return txn.Set(key, bs)
}

func scan[T any](txn *badger.Txn, prefix []byte, fn func(key []byte, v *T) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()

		var v *T
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &v)
		}); err != nil {
			return err
		}

		if err := fn(item.KeyCopy(nil), v); err != nil {
			return err
		}
	}

	return nil
}

func (g *Gateway) liveTopic(txn *badger.Txn, h gateway.TopicHandle) (*topicRecord, error) {
	t, err := get[topicRecord](txn, g.topicKey(h.Name))
	if err != nil {
		return nil, err
	}

	if t.ID != h.ID {
		return nil, gateway.ErrNotFound
	}

	return t, nil
}

func (g *Gateway) liveQueue(txn *badger.Txn, h gateway.QueueHandle) (*queueRecord, error) {
	q, err := get[queueRecord](txn, g.queueKey(h.Name))
	if err != nil {
		return nil, err
	}

	if q.URL != h.URL {
		return nil, gateway.ErrNotFound
	}

	return q, nil
}

func (g *Gateway) CreateTopic(ctx context.Context, name string) (gateway.TopicHandle, error) {
	if name == "" {
		return gateway.TopicHandle{}, classify("create_topic", name, gateway.ErrInvalidRequest)
	}

	var topic gateway.TopicHandle
	err := g.db.Update(func(txn *badger.Txn) error {
		t, err := get[topicRecord](txn, g.topicKey(name))
		if err == nil {
			topic = g.topicHandle(t)
			return nil
		}

		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		t = &topicRecord{
			Name: name,
			ID:   g.topicARN(name),
		}

		topic = g.topicHandle(t)
		return set(txn, g.topicKey(name), t)
	})

	if err != nil {
		return gateway.TopicHandle{}, classify("create_topic", name, err)
	}

	return topic, nil
}

func (g *Gateway) ListTopics(ctx context.Context, prefix string) ([]gateway.TopicHandle, error) {
	topics := make([]gateway.TopicHandle, 0)
	err := g.db.View(func(txn *badger.Txn) error {
		return scan(txn, g.topicKey(prefix), func(key []byte, t *topicRecord) error {
			topics = append(topics, g.topicHandle(t))
			return nil
		})
	})

	if err != nil {
		return nil, classify("list_topics", prefix, err)
	}

	return topics, nil
}

func (g *Gateway) DeleteTopic(ctx context.Context, h gateway.TopicHandle) error {
	err := g.db.Update(func(txn *badger.Txn) error {
		if _, err := g.liveTopic(txn, h); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) || errors.Is(err, gateway.ErrNotFound) {
				return nil
			}

			return err
		}

		if err := txn.Delete(g.topicKey(h.Name)); err != nil {
			return err
		}

		var keys [][]byte
		if err := scan(txn, g.linkPrefix(h.Name), func(key []byte, l *linkRecord) error {
			keys = append(keys, key)
			return nil
		}); err != nil {
			return err
		}

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}

		return nil
	})

	return classify("delete_topic", h.Name, err)
}

func (g *Gateway) CreateQueue(ctx context.Context, name string, attrs gateway.Attributes) (gateway.QueueHandle, error) {
	if name == "" {
		return gateway.QueueHandle{}, classify("create_queue", name, gateway.ErrInvalidRequest)
	}

	if _, ok := attrs[gateway.AttrQueueArn]; ok {
		return gateway.QueueHandle{}, classify("create_queue", name, gateway.ErrInvalidRequest)
	}

	var queue gateway.QueueHandle
	err := g.db.Update(func(txn *badger.Txn) error {
		q, err := get[queueRecord](txn, g.queueKey(name))
		if err == nil {
			for k, v := range attrs {
				if q.Attributes[k] != v {
					return gateway.ErrAlreadyExists
				}
			}

			queue = g.queueHandle(q)
			return nil
		}

		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		q = &queueRecord{
			Name:       name,
			URL:        g.queueURL(name),
			ARN:        g.queueARN(name),
			Attributes: make(gateway.Attributes),
		}

		for k, v := range attrs {
			q.Attributes[k] = v
		}

		queue = g.queueHandle(q)
		return set(txn, g.queueKey(name), q)
	})

	if err != nil {
		return gateway.QueueHandle{}, classify("create_queue", name, err)
	}

	return queue, nil
}

func (g *Gateway) ListQueues(ctx context.Context, prefix string) ([]gateway.QueueHandle, error) {
	queues := make([]gateway.QueueHandle, 0)
	err := g.db.View(func(txn *badger.Txn) error {
		return scan(txn, g.queueKey(prefix), func(key []byte, q *queueRecord) error {
			queues = append(queues, g.queueHandle(q))
			return nil
		})
	})

	if err != nil {
		return nil, classify("list_queues", prefix, err)
	}

	return queues, nil
}

func (g *Gateway) DeleteQueue(ctx context.Context, h gateway.QueueHandle) error {
	err := g.db.Update(func(txn *badger.Txn) error {
		if _, err := g.liveQueue(txn, h); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) || errors.Is(err, gateway.ErrNotFound) {
				return nil
			}

			return err
		}

		return txn.Delete(g.queueKey(h.Name))
	})

	if err != nil {
		return classify("delete_queue", h.Name, err)
	}

	return classify("delete_queue", h.Name, g.db.DropPrefix(g.messagePrefix(h.Name)))
}

func (g *Gateway) GetQueueAttributes(ctx context.Context, h gateway.QueueHandle, keys ...string) (gateway.Attributes, error) {
	var q *queueRecord
	err := g.db.View(func(txn *badger.Txn) error {
		var err error
		q, err = g.liveQueue(txn, h)
		return err
	})

	if err != nil {
		return nil, classify("get_queue_attributes", h.Name, err)
	}

	all := make(gateway.Attributes, len(q.Attributes)+1)
	for k, v := range q.Attributes {
		all[k] = v
	}
	all[gateway.AttrQueueArn] = q.ARN

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
	if _, ok := attrs[gateway.AttrQueueArn]; ok {
		return classify("set_queue_attributes", h.Name, gateway.ErrInvalidRequest)
	}

	err := g.db.Update(func(txn *badger.Txn) error {
		q, err := g.liveQueue(txn, h)
		if err != nil {
			return err
		}

		if q.Attributes == nil {
			q.Attributes = make(gateway.Attributes)
		}

		for k, v := range attrs {
			q.Attributes[k] = v
		}

		return set(txn, g.queueKey(h.Name), q)
	})

	return classify("set_queue_attributes", h.Name, err)
}

func (g *Gateway) Subscribe(ctx context.Context, th gateway.TopicHandle, qh gateway.QueueHandle) (gateway.SubscriptionLink, error) {
	var link gateway.SubscriptionLink
	err := g.db.Update(func(txn *badger.Txn) error {
		if _, err := g.liveTopic(txn, th); err != nil {
			return err
		}

		q, err := g.liveQueue(txn, qh)
		if err != nil {
			return err
		}

		l := &linkRecord{
			ARN:      th.ID + ":" + qh.Name,
			TopicID:  th.ID,
			Endpoint: q.ARN,
		}

		link = gateway.SubscriptionLink{
			ARN:      l.ARN,
			Topic:    th,
			Protocol: "sqs",
			Endpoint: l.Endpoint,
		}

		return set(txn, append(g.linkPrefix(th.Name), qh.Name...), l)
	})

	if err != nil {
		return gateway.SubscriptionLink{}, classify("subscribe", th.Name, err)
	}

	return link, nil
}

func (g *Gateway) links(txn *badger.Txn, th gateway.TopicHandle) ([]gateway.SubscriptionLink, error) {
	if _, err := g.liveTopic(txn, th); err != nil {
		return nil, err
	}

	links := make([]gateway.SubscriptionLink, 0)
	err := scan(txn, g.linkPrefix(th.Name), func(key []byte, l *linkRecord) error {
		links = append(links, gateway.SubscriptionLink{
			ARN:      l.ARN,
			Topic:    th,
			Protocol: "sqs",
			Endpoint: l.Endpoint,
		})
		return nil
	})

	return links, err
}

func (g *Gateway) ListSubscriptions(ctx context.Context, th gateway.TopicHandle) ([]gateway.SubscriptionLink, error) {
	var links []gateway.SubscriptionLink
	err := g.db.View(func(txn *badger.Txn) error {
		var err error
		links, err = g.links(txn, th)
		return err
	})

	if err != nil {
		return nil, classify("list_subscriptions", th.Name, err)
	}

	return links, nil
}

func (g *Gateway) accepts(ctx context.Context, q *queueRecord, topicID string) (bool, error) {
	raw := q.Attributes[gateway.AttrPolicy]
	if g.authorizer == nil {
		return strings.Contains(raw, topicID), nil
	}

	doc, err := policy.Parse(raw)
	if err != nil {
		return false, nil
	}

	return g.authorizer.Authorized(ctx, doc, topicID)
}

// Send stores one copy of the envelope under every subscribed queue that
// accepts the topic.
func (g *Gateway) Send(ctx context.Context, th gateway.TopicHandle, msg *message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := message.Marshal(msg)
	if err != nil {
		return classify("send", th.Name, gateway.ErrInvalidRequest)
	}

	err = g.db.Update(func(txn *badger.Txn) error {
		links, err := g.links(txn, th)
		if err != nil {
			return err
		}

		for _, link := range links {
			name := link.Endpoint[strings.LastIndex(link.Endpoint, ":")+1:]

			q, err := get[queueRecord](txn, g.queueKey(name))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}

				return err
			}

			ok, err := g.accepts(ctx, q, th.ID)
			if err != nil {
				return err
			}

			if !ok {
				continue
			}

			key := append(g.messagePrefix(name), msg.ID.String()...)
			if err := txn.Set(key, body); err != nil {
				return err
			}
		}

		return nil
	})

	return classify("send", th.Name, err)
}

// Messages returns what has been delivered to a queue, oldest first.
func (g *Gateway) Messages(ctx context.Context, h gateway.QueueHandle) ([]*message.Message, error) {
	msgs := make([]*message.Message, 0)
	err := g.db.View(func(txn *badger.Txn) error {
		if _, err := g.liveQueue(txn, h); err != nil {
			return err
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = g.messagePrefix(h.Name)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				msg, err := message.Unmarshal(bytes.Clone(val))
				if err != nil {
					return err
				}

				msgs = append(msgs, msg)
				return nil
			}); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return nil, classify("receive", h.Name, err)
	}

	return msgs, nil
}

func (g *Gateway) Close() error {
	return nil
}
