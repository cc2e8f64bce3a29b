package bus

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTransport publishes with PUBLISH and subscribes with SUBSCRIBE.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport parses a redis:// URL and verifies the server answers.
func NewRedisTransport(ctx context.Context, url string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisTransport{client: client}, nil
}

func NewRedisTransportFromClient(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, topic, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := t.client.Subscribe(ctx, topic)
	// Wait for the subscription confirmation so a dead server fails here.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	return &redisSubscription{ps: ps}, nil
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisSubscription struct {
	ps *redis.PubSub
}

func (s *redisSubscription) Next(ctx context.Context, wait time.Duration) ([]byte, error) {
	msg, err := s.ps.ReceiveTimeout(ctx, wait)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, err
	}
	switch m := msg.(type) {
	case *redis.Message:
		return []byte(m.Payload), nil
	default:
		// Subscription confirmations and pongs carry no payload.
		return nil, nil
	}
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}
