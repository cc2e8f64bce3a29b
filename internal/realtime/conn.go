// Package realtime adapts websocket connections to the connection registry.
package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/registry"
)

var ErrClosed = errors.New("connection closed")

// Policy violation, used when a client fails auth after the upgrade.
const ClosePolicyViolation = websocket.ClosePolicyViolation

type Options struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadLimit    int64
}

func (o Options) withDefaults() Options {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 4096
	}
	return o
}

// Conn is a registry.Conn backed by a websocket. Writes are serialized and
// bounded by the write timeout so a stalled peer fails fast.
type Conn struct {
	id     string
	ws     *websocket.Conn
	opts   Options
	logger zerolog.Logger

	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

func NewConn(ws *websocket.Conn, opts Options, logger zerolog.Logger) *Conn {
	id := uuid.NewString()
	return &Conn{
		id:     id,
		ws:     ws,
		opts:   opts.withDefaults(),
		logger: logger.With().Str("conn_id", id).Logger(),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) Send(frame models.Frame) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if frame.Data == nil {
		frame.Data = map[string]any{}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

// Close sends a close frame with code and reason, then drops the socket.
// Only the first call has any effect.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		// WriteControl is safe alongside a concurrent Send.
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
		err = c.ws.Close()
	})
	return err
}

// Serve registers the connection under key, sends hello, and reads until the
// peer leaves or ctx is cancelled. The connection is unregistered on every
// exit path.
func (c *Conn) Serve(ctx context.Context, reg *registry.Registry, key string, hello models.Frame) {
	reg.Register(key, c)
	defer func() {
		reg.Unregister(key, c)
		c.Close(websocket.CloseNormalClosure, "")
		c.logger.Debug().Str("key", key).Msg("connection closed")
	}()

	if err := c.Send(hello); err != nil {
		c.logger.Warn().Err(err).Msg("failed to send connected frame")
		return
	}

	c.ws.SetReadLimit(c.opts.ReadLimit)
	deadline := func() time.Time { return time.Now().Add(2 * c.opts.PingInterval) }
	_ = c.ws.SetReadDeadline(deadline())
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(deadline())
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, done)

	for {
		kind, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !c.closed.Load() {
				c.logger.Debug().Err(err).Msg("read error")
			}
			return
		}
		_ = c.ws.SetReadDeadline(deadline())
		if kind == websocket.TextMessage && string(msg) == "ping" {
			if err := c.Send(models.Frame{Type: models.FramePong, Data: map[string]any{}}); err != nil {
				return
			}
		}
	}
}

func (c *Conn) keepalive(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.Close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				c.Close(registry.CloseInternalError, "keepalive failed")
				return
			}
		}
	}
}

// Reject closes a freshly upgraded socket before it is registered, typically
// with ClosePolicyViolation after a failed auth check.
func Reject(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = ws.Close()
}
