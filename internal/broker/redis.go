package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	URL         string
	Retries     int
	RetryDelay  time.Duration
	ChannelSize int
	Logger      *slog.Logger
}

type Redis struct {
	client      *redis.Client
	channelSize int
	logger      *slog.Logger
}

func ConnectRedis(ctx context.Context, options RedisOptions) (*Redis, error) {
	url := strings.TrimSpace(options.URL)
	if url == "" {
		return nil, fmt.Errorf("broker url is required")
	}
	redisOptions, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	if options.Retries < 0 {
		options.Retries = 0
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = 200 * time.Millisecond
	}
	if options.ChannelSize <= 0 {
		options.ChannelSize = 256
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(redisOptions)
	err = retry.Retry(func(attempt uint) error {
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn("broker ping failed", "addr", redisOptions.Addr, "attempt", attempt, "error", err)
			return err
		}
		return nil
	}, strategy.Limit(uint(options.Retries+1)), strategy.Backoff(backoff.Linear(options.RetryDelay)))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect broker %s: %w", redisOptions.Addr, err)
	}
	logger.Info("broker connected", "addr", redisOptions.Addr)
	return &Redis{client: client, channelSize: options.ChannelSize, logger: logger}, nil
}

// Raw exposes the underlying client for collaborators that speak Redis
// natively, such as the archive stream publisher.
func (r *Redis) Raw() *redis.Client {
	return r.client
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	return &redisSubscription{
		channel: channel,
		pubsub:  pubsub,
		ch:      pubsub.Channel(redis.WithChannelSize(r.channelSize)),
	}, nil
}

func (r *Redis) AppendBounded(ctx context.Context, key string, payload []byte, limit int, ttl time.Duration) error {
	if limit <= 0 {
		return fmt.Errorf("append %s: limit must be > 0", key)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		pipe.LTrim(ctx, key, int64(-limit), -1)
		if ttl > 0 {
			pipe.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Range(ctx context.Context, key string) ([][]byte, error) {
	values, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	out := make([][]byte, 0, len(values))
	for _, value := range values {
		out = append(out, []byte(value))
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	channel   string
	pubsub    *redis.PubSub
	ch        <-chan *redis.Message
	closeOnce sync.Once
	closeErr  error
}

func (s *redisSubscription) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-s.ch:
		if !ok {
			return nil, ErrClosed
		}
		return []byte(msg.Payload), nil
	}
}

func (s *redisSubscription) Close() error {
	s.closeOnce.Do(func() {
		// Unsubscribe failures are irrelevant once the connection is closed.
		_ = s.pubsub.Unsubscribe(context.Background(), s.channel)
		s.closeErr = s.pubsub.Close()
	})
	return s.closeErr
}
