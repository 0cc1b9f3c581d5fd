// Package publisher sends messages to a topic with a fixed-backoff retry
// budget.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mirror520/notification/conf"
	"github.com/mirror520/notification/gateway"
	"github.com/mirror520/notification/message"
)

var ErrExhausted = errors.New("publish retries exhausted")

// ExhaustedError reports that every attempt failed. Err is the last failure.
type ExhaustedError struct {
	Key      message.Key
	Topic    string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("publish %s to %s: gave up after %d attempts: %v", e.Key, e.Topic, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

type Receipt struct {
	MessageID ulid.ULID           `json:"messageId"`
	Topic     gateway.TopicHandle `json:"topic"`
	Attempts  int                 `json:"attempts"`
}

type Option func(*Publisher)

// WithRateLimit caps sends per second across all callers. Zero disables it.
func WithRateLimit(perSecond float64) Option {
	return func(p *Publisher) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}

		p.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithAttempts counts send attempts labelled by topic and result.
func WithAttempts(counter metrics.Counter) Option {
	return func(p *Publisher) {
		p.attempts = counter
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(p *Publisher) {
		p.log = log
	}
}

type Publisher struct {
	gateways  gateway.Gateways
	component string
	tenant    string

	limiter  *rate.Limiter
	attempts metrics.Counter
	log      *zap.Logger
}

func NewPublisher(gateways gateway.Gateways, component string, tenant string, opts ...Option) *Publisher {
	p := &Publisher{
		gateways:  gateways,
		component: component,
		tenant:    tenant,
		attempts:  discard.NewCounter(),
		log:       zap.L(),
	}

	for _, opt := range opts {
		opt(p)
	}

	p.log = p.log.With(
		zap.String("component", "publisher"),
	)

	return p
}

// Publish sends a stamped copy of msg to topic, leaving the caller's message
// untouched. A permanent failure returns at once; anything else is retried
// retry.ReAttempts more times, Backoff apart.
func (p *Publisher) Publish(ctx context.Context, msg *message.Message, topic gateway.TopicHandle, retry conf.Retry) (*Receipt, error) {
	if msg == nil {
		return nil, message.ErrInvalidMessage
	}

	key, _ := msg.Key()

	stamped := *msg
	stamped.Type = key
	stamped.Stamp(p.component, p.tenant)
	msg = &stamped

	log := p.log.With(
		zap.String("action", "publish"),
		zap.String("key", key.String()),
		zap.String("topic", topic.Name),
		zap.String("message_id", msg.ID.String()),
	)

	g, err := p.gateways.Gateway(ctx, topic.Region)
	if err != nil {
		return nil, err
	}

	attempts := retry.ReAttempts + 1
	if attempts < 1 {
		attempts = 1
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := p.wait(ctx); err != nil {
			return nil, fmt.Errorf("publish %s: %w", key, err)
		}

		err := g.Send(ctx, topic, msg)
		if err == nil {
			p.attempts.With("topic", topic.Name, "result", "success").Add(1)

			return &Receipt{
				MessageID: msg.ID,
				Topic:     topic,
				Attempts:  attempt,
			}, nil
		}

		if isContextErr(err) {
			p.attempts.With("topic", topic.Name, "result", "canceled").Add(1)
			return nil, fmt.Errorf("publish %s: %w", key, err)
		}

		if gateway.IsPermanent(err) {
			p.attempts.With("topic", topic.Name, "result", "permanent").Add(1)
			log.Error(err.Error(), zap.Int("attempt", attempt))
			return nil, fmt.Errorf("publish %s: %w", key, err)
		}

		p.attempts.With("topic", topic.Name, "result", "retry").Add(1)
		lastErr = err

		if attempt == attempts {
			break
		}

		log.Warn(err.Error(),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", retry.Backoff),
		)

		if retry.Backoff <= 0 {
			continue
		}

		timer.Reset(retry.Backoff)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("publish %s: %w", key, ctx.Err())

		case <-timer.C:
		}
	}

	exhausted := &ExhaustedError{
		Key:      key,
		Topic:    topic.Name,
		Attempts: attempts,
		Err:      lastErr,
	}

	log.Error(exhausted.Error())
	return nil, exhausted
}

func (p *Publisher) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p.limiter == nil {
		return nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		// the limiter refuses waits that would outlive the deadline
		return fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
	}

	return nil
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
