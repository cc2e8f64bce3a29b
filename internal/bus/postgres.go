package bus

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// pgNotifyLimit is the largest payload NOTIFY accepts.
const pgNotifyLimit = 8000

// PostgresTransport rides on LISTEN/NOTIFY. Publishing goes through the
// shared pool; every subscription owns a pq.Listener, which reconnects on its
// own after a dropped connection.
type PostgresTransport struct {
	db      *sql.DB
	connStr string
	logger  zerolog.Logger
}

func NewPostgresTransport(db *sql.DB, connStr string, logger zerolog.Logger) *PostgresTransport {
	return &PostgresTransport{
		db:      db,
		connStr: connStr,
		logger:  logger.With().Str("component", "pg-bus").Logger(),
	}
}

func (t *PostgresTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	if len(payload) >= pgNotifyLimit {
		return fmt.Errorf("payload of %d bytes exceeds NOTIFY limit", len(payload))
	}
	_, err := t.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, topic, string(payload))
	return err
}

func (t *PostgresTransport) Subscribe(_ context.Context, topic string) (Subscription, error) {
	logger := t.logger.With().Str("topic", topic).Logger()
	listener := pq.NewListener(t.connStr, time.Second, 30*time.Second, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn().Err(err).Msg("listener disconnected")
		case pq.ListenerEventReconnected:
			logger.Info().Msg("listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn().Err(err).Msg("listener reconnect attempt failed")
		}
	})
	if err := listener.Listen(topic); err != nil {
		listener.Close()
		return nil, err
	}
	return &pgSubscription{listener: listener}, nil
}

func (t *PostgresTransport) Close() error {
	return nil
}

type pgSubscription struct {
	listener *pq.Listener
}

func (s *pgSubscription) Next(ctx context.Context, wait time.Duration) ([]byte, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case n, ok := <-s.listener.Notify:
		if !ok {
			return nil, ErrTransportClosed
		}
		// A nil notification means the listener reconnected; anything sent
		// while it was down is gone, which pub/sub semantics allow.
		if n == nil {
			return nil, nil
		}
		return []byte(n.Extra), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		if err := s.listener.Ping(); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func (s *pgSubscription) Close() error {
	return s.listener.Close()
}
