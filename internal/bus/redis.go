package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Compile-time interface satisfaction check.
var _ Bus = (*RedisBus)(nil)

// RedisOptions configures the Redis pub/sub transport.
type RedisOptions struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RedisBus fans payloads out through Redis PUBLISH/SUBSCRIBE channels named
// Prefix + topic.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, opt RedisOptions, logger *slog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBus{client: client, prefix: opt.Prefix, logger: logger}, nil
}

// Publish sends payload to the topic's channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.prefix+topic, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe starts a goroutine that feeds topic messages to h.
func (b *RedisBus) Subscribe(ctx context.Context, topic string, h Handler) (func(), error) {
	channel := b.prefix + topic
	ps := b.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no publish after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ps.Channel() {
			h([]byte(msg.Payload))
		}
	}()

	return func() {
		if err := ps.Close(); err != nil {
			b.logger.Warn("close redis subscription", "channel", channel, "error", err)
		}
		<-done
	}, nil
}

// Close closes the Redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
