package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/stanstork/notifyd/internal/bus"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/repository"
)

const (
	defaultPurgeInterval = 10 * time.Minute
	jitterPercent        = 20
)

type OutboxConfig struct {
	Repo      repository.OutboxRepository
	Publisher bus.Publisher
	// Topic is the bus topic user notifications are published on.
	Topic         string
	PollInterval  time.Duration
	BatchSize     int
	MaxAttempts   int
	RetryBase     time.Duration
	RetryCap      time.Duration
	DispatchLease time.Duration
	AckRetention  time.Duration
	PurgeInterval time.Duration
}

// OutboxProcessor relays durable notifications from the outbox table to the
// bus. Delivery is at-least-once: a row is acked only after a successful
// publish, and rows orphaned in DISPATCHED by a crash are reclaimed once
// their lease runs out.
type OutboxProcessor struct {
	cfg    OutboxConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewOutboxProcessor(cfg OutboxConfig, logger zerolog.Logger) *OutboxProcessor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 5 * time.Minute
	}
	if cfg.DispatchLease <= 0 {
		cfg.DispatchLease = time.Minute
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = defaultPurgeInterval
	}
	return &OutboxProcessor{
		cfg:    cfg,
		logger: logger.With().Str("component", "outbox").Logger(),
		now:    time.Now,
	}
}

// Start polls until ctx is cancelled.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	p.logger.Info().Dur("poll_interval", p.cfg.PollInterval).Msg("Outbox processor started")
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	purge := time.NewTicker(p.cfg.PurgeInterval)
	defer purge.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("Outbox processor stopped")
			return ctx.Err()
		case <-ticker.C:
			// Keep draining while batches come back full.
			for {
				n, err := p.ProcessOnce(ctx)
				if err != nil {
					p.logger.Error().Err(err).Msg("outbox batch failed")
					break
				}
				if n < p.cfg.BatchSize || ctx.Err() != nil {
					break
				}
			}
		case <-purge.C:
			if _, err := p.Purge(ctx); err != nil {
				p.logger.Error().Err(err).Msg("outbox purge failed")
			}
		}
	}
}

// ProcessOnce claims one batch and settles every claimed row. It returns the
// number of rows claimed.
func (p *OutboxProcessor) ProcessOnce(ctx context.Context) (int, error) {
	claimed, err := p.cfg.Repo.ClaimBatch(ctx, p.cfg.BatchSize, p.cfg.DispatchLease)
	if err != nil {
		return 0, errors.Wrap(err, "failed to claim outbox batch")
	}
	for _, c := range claimed {
		p.dispatch(ctx, c)
	}
	return len(claimed), nil
}

func (p *OutboxProcessor) dispatch(ctx context.Context, c models.ClaimedEntry) {
	logger := p.logger.With().
		Str("outbox_id", c.Entry.ID).
		Str("notification_id", c.Notification.ID).
		Int("attempt", c.Entry.Attempts).
		Logger()

	n := c.Notification
	data, err := models.NotificationMessage{Persisted: true, Notification: &n}.Map()
	if err != nil {
		// Retrying cannot fix an unencodable payload.
		p.settle(ctx, logger, p.cfg.Repo.MarkFailed(ctx, c.Entry.ID, err.Error()))
		return
	}

	env := bus.NewEnvelope(c.Entry.UserID, models.FrameNotification, data)
	pubErr := p.cfg.Publisher.Publish(ctx, p.cfg.Topic, env)
	if pubErr == nil {
		p.settle(ctx, logger, p.cfg.Repo.MarkAcked(ctx, c.Entry.ID))
		return
	}

	if c.Entry.Attempts >= p.cfg.MaxAttempts {
		logger.Error().Err(pubErr).Msg("outbox entry failed permanently")
		p.settle(ctx, logger, p.cfg.Repo.MarkFailed(ctx, c.Entry.ID, pubErr.Error()))
		return
	}

	delay := p.Backoff(c.Entry.Attempts)
	logger.Warn().Err(pubErr).Dur("retry_in", delay).Msg("publish failed, will retry")
	p.settle(ctx, logger, p.cfg.Repo.MarkRetry(ctx, c.Entry.ID, p.now().Add(delay), pubErr.Error()))
}

// settle logs a failed status update. The row stays DISPATCHED and is picked
// up again after the lease, so the only cost is a duplicate publish.
func (p *OutboxProcessor) settle(_ context.Context, logger zerolog.Logger, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, repository.ErrConflict) {
		logger.Debug().Msg("outbox entry changed state concurrently")
		return
	}
	logger.Error().Err(err).Msg("failed to update outbox entry")
}

// Backoff is the delay before retrying after the given attempt (1-based):
// exponential from RetryBase with 20% jitter, capped at RetryCap.
func (p *OutboxProcessor) Backoff(attempt int) time.Duration {
	b := retry.WithCappedDuration(p.cfg.RetryCap,
		retry.WithJitterPercent(jitterPercent, retry.NewExponential(p.cfg.RetryBase)))
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		d, stop := b.Next()
		if stop {
			break
		}
		delay = d
	}
	return delay
}

// Purge deletes acked rows older than the retention window.
func (p *OutboxProcessor) Purge(ctx context.Context) (int64, error) {
	if p.cfg.AckRetention <= 0 {
		return 0, nil
	}
	n, err := p.cfg.Repo.PurgeAcked(ctx, p.now().Add(-p.cfg.AckRetention))
	if err != nil {
		return 0, errors.Wrap(err, "failed to purge acked outbox entries")
	}
	if n > 0 {
		p.logger.Info().Int64("purged", n).Msg("purged acked outbox entries")
	}
	return n, nil
}
