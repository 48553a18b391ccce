package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/monkeyscloud/monkeyswork-realtime/internal/audit"
	"github.com/monkeyscloud/monkeyswork-realtime/pkg/log"
)

// RetryConfig bounds PublishAsync.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
	// AttemptTimeout bounds a single broker call.
	AttemptTimeout time.Duration
}

// Config configures a Publisher.
type Config struct {
	Environment string
	Source      string
	Version     string
	SubjectKeys []string
	Retry       RetryConfig
}

// Publisher turns domain occurrences into broker messages.
type Publisher struct {
	broker  Broker
	cfg     Config
	builder *Builder

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPublisher(broker Broker, cfg Config) *Publisher {
	if cfg.Retry.InitialInterval <= 0 {
		cfg.Retry.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Retry.MaxInterval < cfg.Retry.InitialInterval {
		cfg.Retry.MaxInterval = 5 * time.Second
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry.MaxTries = 5
	}
	if cfg.Retry.AttemptTimeout <= 0 {
		cfg.Retry.AttemptTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		broker:  broker,
		cfg:     cfg,
		builder: NewBuilder(cfg.Source, cfg.Version, cfg.SubjectKeys...),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Topic returns the physical topic for a logical name.
func (p *Publisher) Topic(name string) string {
	if p.cfg.Environment == "" {
		return name
	}
	return p.cfg.Environment + "." + name
}

// Envelope builds the envelope Publish would send.
func (p *Publisher) Envelope(eventType string, data interface{}, correlationID string) (Envelope, error) {
	return p.builder.Build(eventType, data, correlationID)
}

// Publish sends one event and returns the broker's delivery id.
func (p *Publisher) Publish(ctx context.Context, topic, eventType string, data interface{}, correlationID string) (string, error) {
	msg, env, err := p.prepare(topic, eventType, data, correlationID)
	if err != nil {
		return "", err
	}

	id, err := p.broker.Publish(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("events: publish %s to %s: %w", eventType, msg.Topic, err)
	}

	l := log.Ctx(ctx)
	l.Debug().
		Str(log.FieldTopic, msg.Topic).
		Str(log.FieldEventID, env.EventID).
		Str(log.FieldIdempotencyKey, env.IdempotencyKey).
		Str(log.FieldCorrelationID, env.CorrelationID).
		Str(log.FieldDeliveryID, id).
		Msg("event published")
	return id, nil
}

// PublishAsync sends one event in the background, retrying the same
// envelope with exponential backoff. Failures are logged, never returned.
// The caller's context contributes its logger but not its cancellation.
func (p *Publisher) PublishAsync(ctx context.Context, topic, eventType string, data interface{}, correlationID string) {
	l := log.Ctx(ctx)
	msg, env, err := p.prepare(topic, eventType, data, correlationID)
	if err != nil {
		l.Error().Err(err).Str(log.FieldEventType, eventType).Msg("event dropped")
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		bctx := log.WithLogger(p.ctx, l)
		b := &backoff.ExponentialBackOff{
			InitialInterval:     p.cfg.Retry.InitialInterval,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         p.cfg.Retry.MaxInterval,
		}

		attempt := 0
		id, err := backoff.Retry(bctx, func() (string, error) {
			attempt++
			actx, cancel := context.WithTimeout(bctx, p.cfg.Retry.AttemptTimeout)
			defer cancel()

			id, err := p.broker.Publish(actx, msg)
			if errors.Is(err, ErrBrokerClosed) {
				return "", backoff.Permanent(err)
			}
			return id, err
		},
			backoff.WithBackOff(b),
			backoff.WithMaxTries(p.cfg.Retry.MaxTries),
			backoff.WithNotify(func(err error, d time.Duration) {
				l.Warn().Err(err).
					Str(log.FieldTopic, msg.Topic).
					Int(log.FieldAttempt, attempt).
					Dur("retry_in", d).
					Msg("event publish failed, retrying")
			}),
		)
		if err != nil {
			l.Error().Err(err).
				Str(log.FieldTopic, msg.Topic).
				Str(log.FieldEventID, env.EventID).
				Str(log.FieldIdempotencyKey, env.IdempotencyKey).
				Int(log.FieldAttempt, attempt).
				Msg("event publish gave up")
			audit.LogWithDetail(bctx, audit.ActionPublishGaveUp, "", env.IdempotencyKey, "event publish gave up")
			return
		}

		l.Debug().
			Str(log.FieldTopic, msg.Topic).
			Str(log.FieldEventID, env.EventID).
			Str(log.FieldDeliveryID, id).
			Int(log.FieldAttempt, attempt).
			Msg("event published")
	}()
}

// Close cancels in-flight retries, waits for them and closes the broker.
func (p *Publisher) Close() error {
	p.cancel()
	p.wg.Wait()
	return p.broker.Close()
}

// Drain waits for in-flight async publishes, up to ctx.
func (p *Publisher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) prepare(topic, eventType string, data interface{}, correlationID string) (Message, Envelope, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return Message{}, Envelope{}, ErrMissingTopic
	}

	env, err := p.builder.Build(eventType, data, correlationID)
	if err != nil {
		return Message{}, Envelope{}, err
	}

	value, err := json.Marshal(env)
	if err != nil {
		return Message{}, Envelope{}, fmt.Errorf("events: encode envelope: %w", err)
	}

	return Message{
		Topic:      p.Topic(topic),
		Key:        env.IdempotencyKey,
		Value:      value,
		Attributes: env.Attributes(),
	}, env, nil
}
