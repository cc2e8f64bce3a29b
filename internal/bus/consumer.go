package bus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// Consumer owns the long-lived subscriber loops of this process, one per
// topic. The composition root calls Start during boot and Stop on shutdown.
type Consumer struct {
	client   *Client
	logger   zerolog.Logger
	minDelay time.Duration
	maxDelay time.Duration

	mu       sync.Mutex
	handlers map[string]Handler
	active   map[string]*loop
	wg       sync.WaitGroup
}

type loop struct {
	cancel context.CancelFunc
}

func NewConsumer(client *Client, logger zerolog.Logger) *Consumer {
	return &Consumer{
		client:   client,
		logger:   logger.With().Str("component", "bus-consumer").Logger(),
		minDelay: 500 * time.Millisecond,
		maxDelay: 30 * time.Second,
		handlers: make(map[string]Handler),
		active:   make(map[string]*loop),
	}
}

// SetRestartBackoff overrides the delay bounds between restarts.
func (c *Consumer) SetRestartBackoff(min, max time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minDelay, c.maxDelay = min, max
}

// Handle registers the handler for topic. It takes effect on the next Start.
func (c *Consumer) Handle(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
}

// Start launches a supervised loop for every registered topic that is not
// already running. Calling it again while loops are active is a no-op.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, handler := range c.handlers {
		if _, running := c.active[topic]; running {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		l := &loop{cancel: cancel}
		c.active[topic] = l
		c.wg.Add(1)
		go c.supervise(loopCtx, l, topic, handler)
	}
}

// Running reports whether a loop is active for topic.
func (c *Consumer) Running(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[topic]
	return ok
}

// Stop cancels every loop and waits for them to return.
func (c *Consumer) Stop() {
	c.mu.Lock()
	for topic, l := range c.active {
		l.cancel()
		delete(c.active, topic)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Consumer) supervise(ctx context.Context, l *loop, topic string, handler Handler) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		if c.active[topic] == l {
			delete(c.active, topic)
		}
		c.mu.Unlock()
		l.cancel()
	}()

	logger := c.logger.With().Str("topic", topic).Logger()
	c.mu.Lock()
	backoff := newRestartBackoff(c.minDelay, c.maxDelay)
	c.mu.Unlock()

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		started := time.Now()
		err := c.client.Run(ctx, topic, handler)
		if ctx.Err() != nil {
			return nil
		}
		backoff.ran(time.Since(started))
		if err == nil {
			// Run only returns nil on cancellation; treat anything else as a
			// dropped subscription.
			return retry.RetryableError(ErrTransportClosed)
		}
		logger.Warn().Err(err).Msg("subscriber loop stopped, restarting")
		return retry.RetryableError(err)
	})
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("subscriber loop gave up")
		return
	}
	logger.Info().Msg("subscriber loop stopped")
}

// restartBackoff doubles the delay between consecutive failed runs up to max,
// and starts over from min once a run stayed up for at least max.
type restartBackoff struct {
	min, max time.Duration
	next     retry.Backoff
}

func newRestartBackoff(min, max time.Duration) *restartBackoff {
	b := &restartBackoff{min: min, max: max}
	b.reset()
	return b
}

func (b *restartBackoff) reset() {
	b.next = retry.WithCappedDuration(b.max, retry.NewExponential(b.min))
}

// ran records how long the last run lasted before it stopped.
func (b *restartBackoff) ran(d time.Duration) {
	if d >= b.max {
		b.reset()
	}
}

func (b *restartBackoff) Next() (time.Duration, bool) {
	return b.next.Next()
}
