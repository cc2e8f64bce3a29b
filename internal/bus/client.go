// Package bus carries delivery envelopes between service instances.
//
// A Transport is the thin adapter over an external pub/sub system (redis,
// postgres LISTEN/NOTIFY, or an in-process fan-out). Client adds envelope
// encoding and the subscribe-poll-dispatch loop; Consumer supervises one such
// loop per topic and restarts it after transport failures.
package bus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Handler receives every well-formed envelope read from a topic.
type Handler func(ctx context.Context, env Envelope) error

// Subscription is a live subscription to one topic.
type Subscription interface {
	// Next waits at most wait for the next payload. It returns (nil, nil) when
	// the wait elapses without a message.
	Next(ctx context.Context, wait time.Duration) ([]byte, error)
	Close() error
}

type Transport interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Publisher is the narrow publish side used by producers.
type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

type Client struct {
	transport   Transport
	pollTimeout time.Duration
	logger      zerolog.Logger
}

func NewClient(transport Transport, pollTimeout time.Duration, logger zerolog.Logger) *Client {
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Client{
		transport:   transport,
		pollTimeout: pollTimeout,
		logger:      logger.With().Str("component", "bus").Logger(),
	}
}

// Publish encodes env and hands it to the transport. Errors are returned to
// the caller; callers that need durability write an outbox row first.
func (c *Client) Publish(ctx context.Context, topic string, env Envelope) error {
	payload, err := Encode(env)
	if err != nil {
		return errors.Wrap(err, "encode envelope")
	}
	if err := c.transport.Publish(ctx, topic, payload); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}

// Run subscribes to topic once and dispatches messages to handler until ctx is
// cancelled (returns nil) or the transport fails (returns the error, and the
// caller is expected to restart). Malformed messages and handler errors are
// logged and skipped.
func (c *Client) Run(ctx context.Context, topic string, handler Handler) error {
	sub, err := c.transport.Subscribe(ctx, topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", topic)
	}
	defer sub.Close()

	logger := c.logger.With().Str("topic", topic).Logger()
	logger.Info().Msg("subscribed")

	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := sub.Next(ctx, c.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "receive from %s", topic)
		}
		if raw == nil {
			continue
		}

		env, err := Decode(raw)
		if err != nil {
			logger.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping malformed message")
			continue
		}
		if err := handler(ctx, env); err != nil {
			logger.Warn().Err(err).
				Str("routing_key", env.UserID).
				Str("message_type", env.MessageType).
				Msg("handler failed")
		}
	}
}

func (c *Client) Close() error {
	return c.transport.Close()
}
