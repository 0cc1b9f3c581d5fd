// Package nats maps the gateway onto JetStream. A topic is a stream bound to
// topics.<region>.<name>. A queue is a stream without subjects that sources
// from the topic streams it is subscribed to and whose policy admits them.
// Attributes, policies and subscriptions live in stream metadata.
package nats

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/policy"
)

const (
	metaKind   = "notification.kind"
	metaName   = "notification.name"
	metaRegion = "notification.region"
	metaARN    = "notification.arn"
	metaAttr   = "notification.attr."
	metaSub    = "notification.sub."

	kindTopic = "topic"
	kindQueue = "queue"
)

type Option func(*Gateway)

func WithAuthorizer(authorizer policy.Authorizer) Option {
	return func(g *Gateway) {
		g.authorizer = authorizer
	}
}

type Gateway struct {
	log        *zap.Logger
	nc         *nats.Conn
	js         jetstream.JetStream
	region     string
	authorizer policy.Authorizer
}

func NewGateway(url string, region string, opts ...Option) (*Gateway, error) {
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, classify("connect", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, classify("connect", url, err)
	}

	g := &Gateway{
		log: zap.L().With(
			zap.String("gateway", "nats"),
			zap.String("region", region),
		),
		nc:     nc,
		js:     js,
		region: region,
	}

	for _, opt := range opts {
		opt(g)
	}

	return g, nil
}

func classify(op string, resource string, err error) error {
	switch {
	case err == nil:
		return nil

	case errors.Is(err, jetstream.ErrStreamNotFound):
		err = errors.Join(gateway.ErrNotFound, err)

	case errors.Is(err, jetstream.ErrStreamNameAlreadyInUse):
		err = errors.Join(gateway.ErrAlreadyExists, err)

	case errors.Is(err, jetstream.ErrInvalidStreamName),
		errors.Is(err, jetstream.ErrStreamNameRequired),
		errors.Is(err, jetstream.ErrBadRequest):
		err = errors.Join(gateway.ErrInvalidRequest, err)

	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, jetstream.ErrJetStreamNotEnabled):
		err = errors.Join(gateway.ErrUnavailable, err)
	}

	return gateway.Classify(op, resource, err)
}

func (g *Gateway) subject(name string) string {
	return "topics." + g.region + "." + name
}

func (g *Gateway) topicStream(name string) string {
	return "T_" + g.region + "_" + name
}

func (g *Gateway) queueStream(name string) string {
	return "Q_" + g.region + "_" + name
}

func (g *Gateway) queueARN(name string) string {
	return "nats:queue:" + g.region + ":" + name
}

func (g *Gateway) topicHandle(info *jetstream.StreamInfo) gateway.TopicHandle {
	name := info.Config.Metadata[metaName]
	return gateway.TopicHandle{
		Region: g.region,
		Name:   name,
		ID:     g.subject(name),
	}
}

func (g *Gateway) queueHandle(info *jetstream.StreamInfo) gateway.QueueHandle {
	return gateway.QueueHandle{
		Region: g.region,
		Name:   info.Config.Metadata[metaName],
		URL:    info.Config.Name,
	}
}

func (g *Gateway) streams(ctx context.Context, kind string, prefix string) ([]*jetstream.StreamInfo, error) {
	return g.filter(g.js.ListStreams(ctx), kind, prefix)
}

// filter drains the lister and keeps this region's streams of one kind. A
// listing that broke off part way fails as a whole.
func (g *Gateway) filter(lister jetstream.StreamInfoLister, kind string, prefix string) ([]*jetstream.StreamInfo, error) {
	infos := make([]*jetstream.StreamInfo, 0)
	for info := range lister.Info() {
		meta := info.Config.Metadata
		if meta[metaKind] != kind || meta[metaRegion] != g.region {
			continue
		}

		if !strings.HasPrefix(meta[metaName], prefix) {
			continue
		}

		infos = append(infos, info)
	}

	if err := lister.Err(); err != nil {
		return nil, err
	}

	return infos, nil
}

func (g *Gateway) info(ctx context.Context, name string) (*jetstream.StreamInfo, error) {
	stream, err := g.js.Stream(ctx, name)
	if err != nil {
		return nil, err
	}

	return stream.CachedInfo(), nil
}

func (g *Gateway) CreateTopic(ctx context.Context, name string) (gateway.TopicHandle, error) {
	stream, err := g.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     g.topicStream(name),
		Subjects: []string{g.subject(name)},
		Metadata: map[string]string{
			metaKind:   kindTopic,
			metaName:   name,
			metaRegion: g.region,
		},
	})

	if err != nil {
		if !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			return gateway.TopicHandle{}, classify("create_topic", name, err)
		}

		info, err := g.info(ctx, g.topicStream(name))
		if err != nil {
			return gateway.TopicHandle{}, classify("create_topic", name, err)
		}

		return g.topicHandle(info), nil
	}

	return g.topicHandle(stream.CachedInfo()), nil
}

func (g *Gateway) ListTopics(ctx context.Context, prefix string) ([]gateway.TopicHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos, err := g.streams(ctx, kindTopic, prefix)
	if err != nil {
		return nil, classify("list_topics", prefix, err)
	}

	topics := make([]gateway.TopicHandle, 0, len(infos))
	for _, info := range infos {
		topics = append(topics, g.topicHandle(info))
	}

	return topics, nil
}

func (g *Gateway) DeleteTopic(ctx context.Context, topic gateway.TopicHandle) error {
	err := g.js.DeleteStream(ctx, g.topicStream(topic.Name))
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil
	}

	return classify("delete_topic", topic.Name, err)
}

func retention(attrs gateway.Attributes) (time.Duration, error) {
	raw, ok := attrs[gateway.AttrMessageRetentionPeriod]
	if !ok || raw == "" {
		return 0, nil
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return 0, gateway.ErrInvalidRequest
	}

	return time.Duration(seconds) * time.Second, nil
}

func (g *Gateway) CreateQueue(ctx context.Context, name string, attrs gateway.Attributes) (gateway.QueueHandle, error) {
	if _, ok := attrs[gateway.AttrQueueArn]; ok {
		return gateway.QueueHandle{}, classify("create_queue", name, gateway.ErrInvalidRequest)
	}

	maxAge, err := retention(attrs)
	if err != nil {
		return gateway.QueueHandle{}, classify("create_queue", name, err)
	}

	meta := map[string]string{
		metaKind:   kindQueue,
		metaName:   name,
		metaRegion: g.region,
		metaARN:    g.queueARN(name),
	}

	for k, v := range attrs {
		meta[metaAttr+k] = v
	}

	stream, err := g.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:     g.queueStream(name),
		MaxAge:   maxAge,
		Metadata: meta,
	})

	if err == nil {
		return g.queueHandle(stream.CachedInfo()), nil
	}

	if !errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
		return gateway.QueueHandle{}, classify("create_queue", name, err)
	}

	info, err := g.info(ctx, g.queueStream(name))
	if err != nil {
		return gateway.QueueHandle{}, classify("create_queue", name, err)
	}

	for k, v := range attrs {
		if info.Config.Metadata[metaAttr+k] != v {
			return gateway.QueueHandle{}, classify("create_queue", name, gateway.ErrAlreadyExists)
		}
	}

	return g.queueHandle(info), nil
}

func (g *Gateway) ListQueues(ctx context.Context, prefix string) ([]gateway.QueueHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	infos, err := g.streams(ctx, kindQueue, prefix)
	if err != nil {
		return nil, classify("list_queues", prefix, err)
	}

	queues := make([]gateway.QueueHandle, 0, len(infos))
	for _, info := range infos {
		queues = append(queues, g.queueHandle(info))
	}

	return queues, nil
}

func (g *Gateway) DeleteQueue(ctx context.Context, queue gateway.QueueHandle) error {
	err := g.js.DeleteStream(ctx, queue.URL)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil
	}

	return classify("delete_queue", queue.Name, err)
}

func (g *Gateway) GetQueueAttributes(ctx context.Context, queue gateway.QueueHandle, keys ...string) (gateway.Attributes, error) {
	info, err := g.info(ctx, queue.URL)
	if err != nil {
		return nil, classify("get_queue_attributes", queue.Name, err)
	}

	all := make(gateway.Attributes)
	for k, v := range info.Config.Metadata {
		if attr, ok := strings.CutPrefix(k, metaAttr); ok {
			all[attr] = v
		}
	}
	all[gateway.AttrQueueArn] = info.Config.Metadata[metaARN]

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

func (g *Gateway) SetQueueAttributes(ctx context.Context, queue gateway.QueueHandle, attrs gateway.Attributes) error {
	if _, ok := attrs[gateway.AttrQueueArn]; ok {
		return classify("set_queue_attributes", queue.Name, gateway.ErrInvalidRequest)
	}

	info, err := g.info(ctx, queue.URL)
	if err != nil {
		return classify("set_queue_attributes", queue.Name, err)
	}

	cfg := info.Config
	for k, v := range attrs {
		cfg.Metadata[metaAttr+k] = v
	}

	if _, ok := attrs[gateway.AttrMessageRetentionPeriod]; ok {
		maxAge, err := retention(attrs)
		if err != nil {
			return classify("set_queue_attributes", queue.Name, err)
		}

		cfg.MaxAge = maxAge
	}

	if err := g.syncSources(ctx, &cfg); err != nil {
		return classify("set_queue_attributes", queue.Name, err)
	}

	_, err = g.js.UpdateStream(ctx, cfg)
	return classify("set_queue_attributes", queue.Name, err)
}

func (g *Gateway) accepts(ctx context.Context, raw string, topicID string) (bool, error) {
	if g.authorizer == nil {
		return strings.Contains(raw, topicID), nil
	}

	doc, err := policy.Parse(raw)
	if err != nil {
		return false, nil
	}

	return g.authorizer.Authorized(ctx, doc, topicID)
}

// syncSources sources the queue from every subscribed topic its policy
// admits, so a subscription only carries messages once it is authorized.
func (g *Gateway) syncSources(ctx context.Context, cfg *jetstream.StreamConfig) error {
	raw := cfg.Metadata[metaAttr+gateway.AttrPolicy]

	sources := make([]*jetstream.StreamSource, 0)
	for k := range cfg.Metadata {
		name, ok := strings.CutPrefix(k, metaSub)
		if !ok {
			continue
		}

		ok, err := g.accepts(ctx, raw, g.subject(name))
		if err != nil {
			return err
		}

		if ok {
			sources = append(sources, &jetstream.StreamSource{
				Name: g.topicStream(name),
			})
		}
	}

	cfg.Sources = sources
	return nil
}

func (g *Gateway) Subscribe(ctx context.Context, topic gateway.TopicHandle, queue gateway.QueueHandle) (gateway.SubscriptionLink, error) {
	if _, err := g.info(ctx, g.topicStream(topic.Name)); err != nil {
		return gateway.SubscriptionLink{}, classify("subscribe", topic.Name, err)
	}

	info, err := g.info(ctx, queue.URL)
	if err != nil {
		return gateway.SubscriptionLink{}, classify("subscribe", queue.Name, err)
	}

	link := gateway.SubscriptionLink{
		ARN:      g.topicStream(topic.Name) + ">" + queue.URL,
		Topic:    topic,
		Protocol: "nats",
		Endpoint: info.Config.Metadata[metaARN],
	}

	cfg := info.Config
	if _, ok := cfg.Metadata[metaSub+topic.Name]; ok {
		return link, nil
	}

	cfg.Metadata[metaSub+topic.Name] = link.ARN

	if err := g.syncSources(ctx, &cfg); err != nil {
		return gateway.SubscriptionLink{}, classify("subscribe", queue.Name, err)
	}

	if _, err := g.js.UpdateStream(ctx, cfg); err != nil {
		return gateway.SubscriptionLink{}, classify("subscribe", queue.Name, err)
	}

	g.log.Debug("queue subscribed",
		zap.String("topic", topic.Name),
		zap.String("queue", queue.Name),
	)

	return link, nil
}

func (g *Gateway) ListSubscriptions(ctx context.Context, topic gateway.TopicHandle) ([]gateway.SubscriptionLink, error) {
	if _, err := g.info(ctx, g.topicStream(topic.Name)); err != nil {
		return nil, classify("list_subscriptions", topic.Name, err)
	}

	infos, err := g.streams(ctx, kindQueue, "")
	if err != nil {
		return nil, classify("list_subscriptions", topic.Name, err)
	}

	links := make([]gateway.SubscriptionLink, 0)
	for _, info := range infos {
		arn, ok := info.Config.Metadata[metaSub+topic.Name]
		if !ok {
			continue
		}

		links = append(links, gateway.SubscriptionLink{
			ARN:      arn,
			Topic:    topic,
			Protocol: "nats",
			Endpoint: info.Config.Metadata[metaARN],
		})
	}

	return links, nil
}

func (g *Gateway) Send(ctx context.Context, topic gateway.TopicHandle, msg *message.Message) error {
	body, err := message.Marshal(msg)
	if err != nil {
		return classify("send", topic.Name, gateway.ErrInvalidRequest)
	}

	m := nats.NewMsg(g.subject(topic.Name))
	m.Data = body
	for k, v := range msg.Attributes() {
		m.Header.Set(k, v)
	}

	_, err = g.js.PublishMsg(ctx, m, jetstream.WithMsgID(msg.ID.String()))
	if errors.Is(err, jetstream.ErrNoStreamResponse) {
		err = gateway.ErrNotFound
	}

	return classify("send", topic.Name, err)
}

func (g *Gateway) Close() error {
	return g.nc.Drain()
}
