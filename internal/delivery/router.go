// Package delivery routes bus envelopes to the live connections held by this
// process.
package delivery

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/bus"
	"github.com/stanstork/notifyd/internal/registry"
)

// Router is a pure fan-out step: no retry, no persistence. A routing key with
// no local connections just means the target is connected elsewhere (or not
// at all), so it is not an error.
type Router struct {
	registry *registry.Registry
	logger   zerolog.Logger
}

func NewRouter(reg *registry.Registry, logger zerolog.Logger) *Router {
	return &Router{
		registry: reg,
		logger:   logger.With().Str("component", "router").Str("registry", reg.Name()).Logger(),
	}
}

// Deliver pushes env to every local connection registered under its routing
// key and returns how many received it.
func (r *Router) Deliver(_ context.Context, env bus.Envelope) int {
	n := r.registry.SendToKey(env.UserID, env.MessageType, env.Data)
	if n > 0 {
		r.logger.Debug().
			Str("routing_key", env.UserID).
			Str("message_type", env.MessageType).
			Int("delivered", n).
			Msg("delivered")
	}
	return n
}

// Handle adapts Deliver to the bus.Handler signature.
func (r *Router) Handle(ctx context.Context, env bus.Envelope) error {
	r.Deliver(ctx, env)
	return nil
}

// Channel kinds routed through the channel registry.
const (
	ChannelGame = "game"
	ChannelRoom = "room"
)

// ChannelKey builds the routing key for a game or room channel.
func ChannelKey(kind, id string) (string, bool) {
	if id == "" {
		return "", false
	}
	switch kind {
	case ChannelGame, ChannelRoom:
		return kind + ":" + id, true
	}
	return "", false
}
