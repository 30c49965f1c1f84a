package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notecollab/internal/core/domain"
	"notecollab/internal/core/ports"
	"notecollab/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisChangeSubscriber delivers change events published on a Redis
// channel. It resubscribes with backoff when the connection drops.
type RedisChangeSubscriber struct {
	client  redis.UniversalClient
	channel string
	retry   retry.Config
	logger  *zap.SugaredLogger
}

func NewRedisChangeSubscriber(client redis.UniversalClient, channel string, cfg retry.Config, logger *zap.SugaredLogger) *RedisChangeSubscriber {
	return &RedisChangeSubscriber{
		client:  client,
		channel: channel,
		retry:   cfg,
		logger:  logger,
	}
}

// Publish sends ev on the channel. Production events come from database
// triggers; this is used by tooling and tests.
func (s *RedisChangeSubscriber) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := EncodeChangeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Run blocks until ctx is done.
func (s *RedisChangeSubscriber) Run(ctx context.Context, handler ports.ChangeHandler) error {
	reconnectLoop(ctx, s.retry, func(ctx context.Context) (bool, error) {
		return s.consume(ctx, handler)
	}, func(attempt int, delay time.Duration, err error) {
		s.logger.Warnw("Change subscription lost, resubscribing",
			"channel", s.channel,
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
	})
	return nil
}

func (s *RedisChangeSubscriber) consume(ctx context.Context, handler ports.ChangeHandler) (bool, error) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe %s: %w", s.channel, err)
	}
	s.logger.Infow("Subscribed to change channel", "channel", s.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errors.New("subscription channel closed")
			}

			ev, err := DecodeChangeEvent([]byte(msg.Payload))
			if err != nil {
				s.logger.Warnw("Failed to decode change event", "error", err, "payload_bytes", len(msg.Payload))
				continue
			}
			handler.Dispatch(ctx, ev)
		}
	}
}
