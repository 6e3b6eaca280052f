package pubsub

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBroker maps channels and patterns directly onto Redis PUBLISH and
// PSUBSCRIBE.
type RedisBroker struct {
	client *redis.Client
}

// DialRedis connects to url (redis://host:port/db) and pings it.
func DialRedis(ctx context.Context, url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisBroker{client: client}, nil
}

// RedisDialer returns a DialFunc for url.
func RedisDialer(url string) DialFunc {
	return func(ctx context.Context) (Broker, error) {
		return DialRedis(ctx, url)
	}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, pattern string, fn HandlerFunc) error {
	ps := b.client.PSubscribe(ctx, pattern)
	defer ps.Close()
	// Wait for the subscription confirmation so errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("redis subscription closed")
			}
			fn(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
