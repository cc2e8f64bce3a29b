package bus

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"version":1,"user_id":"u1","message_type":"notification","data":{"persisted":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "u1", env.UserID)
	assert.Equal(t, "notification", env.MessageType)
	assert.Equal(t, true, env.Data["persisted"])

	malformed := []string{
		`not json`,
		`{"version":1,"message_type":"notification","data":{}}`,
		`{"version":1,"user_id":"","message_type":"notification","data":{}}`,
		`{"version":1,"user_id":"u1","data":{}}`,
		`{"version":1,"user_id":"u1","message_type":"notification"}`,
		`{"version":1,"user_id":"u1","message_type":"notification","data":null}`,
		`{"version":1,"user_id":"u1","message_type":"notification","data":[1,2]}`,
		`{"version":1,"user_id":"u1","message_type":"notification","data":"x"}`,
		`{"version":2,"user_id":"u1","message_type":"notification","data":{}}`,
	}
	for _, raw := range malformed {
		_, err := Decode([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformed, raw)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	raw, err := Encode(Envelope{UserID: "game:g1", MessageType: "game_update"})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.Equal(t, "game:g1", env.UserID)
	assert.Empty(t, env.Data)
}

type collector struct {
	mu   sync.Mutex
	envs []Envelope
}

func (c *collector) handle(_ context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *collector) all() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.envs...)
}

func TestRunSkipsMalformedMessages(t *testing.T) {
	transport := NewMemoryTransport(16)
	client := NewClient(transport, 20*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := &collector{}
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx, "notifications", got.handle) }()

	require.Eventually(t, func() bool { return transport.Subscribers("notifications") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, transport.Publish(ctx, "notifications", []byte(`{"version":1,"message_type":"notification","data":{}}`)))
	require.NoError(t, transport.Publish(ctx, "notifications", []byte(`garbage`)))
	require.NoError(t, client.Publish(ctx, "notifications", NewEnvelope("u1", "notification", map[string]any{"n": 1})))
	require.NoError(t, client.Publish(ctx, "notifications", NewEnvelope("u2", "notification", map[string]any{"n": 2})))

	require.Eventually(t, func() bool { return len(got.all()) == 2 }, time.Second, 5*time.Millisecond)
	envs := got.all()
	assert.Equal(t, "u1", envs[0].UserID)
	assert.Equal(t, "u2", envs[1].UserID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunKeepsGoingAfterHandlerError(t *testing.T) {
	transport := NewMemoryTransport(16)
	client := NewClient(transport, 20*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	go func() {
		_ = client.Run(ctx, "t", func(context.Context, Envelope) error {
			calls.Add(1)
			return errors.New("boom")
		})
	}()
	require.Eventually(t, func() bool { return transport.Subscribers("t") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Publish(ctx, "t", NewEnvelope("u1", "notification", nil)))
	require.NoError(t, client.Publish(ctx, "t", NewEnvelope("u1", "notification", nil)))
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRunReturnsTransportError(t *testing.T) {
	transport := NewMemoryTransport(16)
	client := NewClient(transport, 20*time.Millisecond, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- client.Run(context.Background(), "t", (&collector{}).handle) }()
	require.Eventually(t, func() bool { return transport.Subscribers("t") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, transport.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after transport closed")
	}
}

// flakyTransport fails the first subscription after one poll, then behaves.
type flakyTransport struct {
	*MemoryTransport
	subscribes atomic.Int32
}

type failingSubscription struct{}

func (failingSubscription) Next(context.Context, time.Duration) ([]byte, error) {
	return nil, errors.New("connection reset by peer")
}

func (failingSubscription) Close() error { return nil }

func (f *flakyTransport) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if f.subscribes.Add(1) == 1 {
		return failingSubscription{}, nil
	}
	return f.MemoryTransport.Subscribe(ctx, topic)
}

func TestConsumerRestartsAfterDisconnect(t *testing.T) {
	transport := &flakyTransport{MemoryTransport: NewMemoryTransport(16)}
	client := NewClient(transport, 20*time.Millisecond, zerolog.Nop())
	consumer := NewConsumer(client, zerolog.Nop())
	consumer.SetRestartBackoff(5*time.Millisecond, 20*time.Millisecond)

	got := &collector{}
	consumer.Handle("notifications", got.handle)
	consumer.Start(context.Background())
	// A second Start while the loop is running is a no-op.
	consumer.Start(context.Background())
	assert.True(t, consumer.Running("notifications"))

	require.Eventually(t, func() bool { return transport.Subscribers("notifications") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), transport.subscribes.Load())

	require.NoError(t, client.Publish(context.Background(), "notifications", NewEnvelope("u1", "notification", nil)))
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, time.Second, 5*time.Millisecond)

	consumer.Stop()
	assert.False(t, consumer.Running("notifications"))
	assert.Equal(t, 0, transport.Subscribers("notifications"))
}

func TestRestartBackoffStartsOverAfterHealthyRun(t *testing.T) {
	b := newRestartBackoff(time.Second, 8*time.Second)
	next := func(ran time.Duration) time.Duration {
		b.ran(ran)
		d, stop := b.Next()
		require.False(t, stop)
		return d
	}

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		delays = append(delays, next(10*time.Millisecond))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}, delays)

	// A run that stayed up for the full cap was a working connection.
	assert.Equal(t, time.Second, next(8*time.Second))
	assert.Equal(t, 2*time.Second, next(time.Second))
}

func TestRedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	transport := NewRedisTransportFromClient(rdb)
	defer transport.Close()

	client := NewClient(transport, 50*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := &collector{}
	go func() { _ = client.Run(ctx, "notifications", got.handle) }()

	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("notifications")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr.Publish("notifications", `{"version":1,"message_type":"notification","data":{}}`)
	require.NoError(t, client.Publish(ctx, "notifications", NewEnvelope("u9", "notification", map[string]any{"title": "hi"})))

	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	env := got.all()[0]
	assert.Equal(t, "u9", env.UserID)
	assert.Equal(t, "hi", env.Data["title"])
}

func TestRedisLoggerWritesWarnings(t *testing.T) {
	var buf bytes.Buffer
	NewRedisLogger(zerolog.New(&buf)).Printf(context.Background(), "redis: discarding bad PubSub connection: %s\n", "EOF")
	assert.Contains(t, buf.String(), `"level":"warn"`)
	assert.Contains(t, buf.String(), `"component":"redis-client"`)
	assert.Contains(t, buf.String(), "discarding bad PubSub connection: EOF\"")
}
