package main

import (
	"context"
	"errors"
	"net/http"

	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/mirror520/notification"
	"github.com/mirror520/notification/backend"
	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/consistency"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/lookup"
	"github.com/mirror520/notification/message"
	"github.com/mirror520/notification/policy"
	"github.com/mirror520/notification/publisher"
	"github.com/mirror520/notification/topology"
)

// stack is the fully wired notification bus of one process.
type stack struct {
	cfg         *conf.Config
	gateways    gateway.Gateways
	provisioner *topology.Provisioner
	svc         notification.Service
	endpoints   *notification.EndpointSet
	metrics     http.Handler
	tracer      *sdktrace.TracerProvider
}

func newStack(ctx context.Context, cfg *conf.Config, log *zap.Logger) (*stack, error) {
	authorizer, err := policy.NewRegoAuthorizer(ctx)
	if err != nil {
		return nil, err
	}

	gateways, err := backend.NewGateways(ctx, cfg.Backend, authorizer)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notification",
		Subsystem: "publisher",
		Name:      "attempts_total",
		Help:      "Number of send attempts.",
	}, []string{"topic", "result"})

	requestCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "notification",
		Subsystem: "bus",
		Name:      "request_count",
		Help:      "Number of requests received.",
	}, []string{"method", "key", "error"})

	requestLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "notification",
		Subsystem: "bus",
		Name:      "request_latency_seconds",
		Help:      "Total duration of requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "key", "error"})

	registry.MustRegister(attempts, requestCount, requestLatency)

	waiter := consistency.NewWaiter(cfg.Consistency)
	provisioner := topology.NewProvisioner(gateways, waiter, authorizer)

	pub := publisher.NewPublisher(gateways, cfg.Component, cfg.Tenant,
		publisher.WithRateLimit(cfg.Publisher.RateLimit),
		publisher.WithAttempts(kitprometheus.NewCounter(attempts)),
		publisher.WithLogger(log),
	)

	tracer := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)

	var svc notification.Service
	svc = notification.NewService(cfg, gateways,
		lookup.NewPublishEndpoints(provisioner, lookup.WithTimeout(provisioner.Timeout())),
		lookup.NewSubscriptionEndpoints(provisioner, lookup.WithTimeout(provisioner.Timeout())),
		pub,
	)
	svc = notification.LoggingMiddleware(log)(svc)
	svc = notification.InstrumentingMiddleware(
		kitprometheus.NewCounter(requestCount),
		kitprometheus.NewHistogram(requestLatency),
	)(svc)
	svc = notification.TracingMiddleware(tracer)(svc)

	return &stack{
		cfg:         cfg,
		gateways:    gateways,
		provisioner: provisioner,
		svc:         svc,
		endpoints:   notification.MakeEndpoints(svc),
		metrics:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		tracer:      tracer,
	}, nil
}

// registerConfigured registers every configured publisher and subscriber.
// Received messages are logged until a consumer supplies real handlers.
func (s *stack) registerConfigured(ctx context.Context, log *zap.Logger) error {
	for _, p := range s.cfg.Publishers {
		if err := s.svc.RegisterPublisher(ctx, message.Key(p.Key), p); err != nil {
			return err
		}
	}

	for _, sub := range s.cfg.Subscriptions {
		if err := s.svc.RegisterSubscriber(ctx, message.Key(sub.Key), sub, logHandler(log)); err != nil {
			return err
		}
	}

	return nil
}

// publish sends one message through the configured publisher of its key.
func (s *stack) publish(ctx context.Context, log *zap.Logger, msg *message.Message) (*publisher.Receipt, error) {
	if err := s.registerConfigured(ctx, log); err != nil {
		return nil, err
	}

	return s.svc.Publish(ctx, msg)
}

// provisionAll ensures every configured topic and subscription topology.
func (s *stack) provisionAll(ctx context.Context) ([]topology.Topology, error) {
	for _, p := range s.cfg.Publishers {
		p = p.InRegion(s.cfg.Region)
		if p.Topic == "" {
			p.Topic = p.Key
		}

		if _, err := s.provisioner.EnsureTopic(ctx, p.Region, p.Topic); err != nil {
			return nil, err
		}
	}

	topologies := make([]topology.Topology, 0, len(s.cfg.Subscriptions))
	for _, sub := range s.cfg.Subscriptions {
		t, err := s.provisioner.EnsureTopology(ctx, sub.InRegion(s.cfg.Region))
		if err != nil {
			return nil, err
		}

		topologies = append(topologies, t)
	}

	return topologies, nil
}

func logHandler(log *zap.Logger) notification.Handler {
	return func(ctx context.Context, msg *message.Message) error {
		log.Info("message received",
			zap.String("id", msg.ID.String()),
			zap.String("type", msg.Type.String()),
			zap.String("raising_component", msg.RaisingComponent),
			zap.String("tenant", msg.Tenant),
		)
		return nil
	}
}

func (s *stack) Close(ctx context.Context) error {
	return errors.Join(
		s.tracer.Shutdown(ctx),
		s.gateways.Close(),
	)
}
