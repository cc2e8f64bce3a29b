package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"
	"github.com/stanstork/notifyd/internal/models"
)

// OutboxRepository drives notification_outbox rows through
// PENDING -> DISPATCHED -> ACKED | FAILED.
type OutboxRepository interface {
	// ClaimBatch moves up to limit due rows to DISPATCHED and returns them
	// with their notifications. Rows stuck in DISPATCHED for longer than
	// lease are reclaimed.
	ClaimBatch(ctx context.Context, limit int, lease time.Duration) ([]models.ClaimedEntry, error)
	MarkAcked(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, lastErr string) error
	PurgeAcked(ctx context.Context, olderThan time.Time) (int64, error)
}

type outboxRepository struct {
	db *sql.DB
}

func NewOutboxRepository(db *sql.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) ClaimBatch(ctx context.Context, limit int, lease time.Duration) ([]models.ClaimedEntry, error) {
	var claimed []models.ClaimedEntry
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		const selectDue = `
			SELECT id
			FROM notify.notification_outbox
			WHERE (status = 'PENDING' AND next_attempt_at <= NOW())
			   OR (status = 'DISPATCHED' AND dispatched_at < NOW() - make_interval(secs => $2))
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		`
		rows, err := tx.QueryContext(ctx, selectDue, limit, lease.Seconds())
		if err != nil {
			return fmt.Errorf("select due outbox entries: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		const dispatch = `
			UPDATE notify.notification_outbox o
			SET status = 'DISPATCHED', dispatched_at = NOW(), attempts = o.attempts + 1, updated_at = NOW()
			FROM notify.notifications n
			WHERE o.id = ANY($1) AND n.id = o.notification_id
			RETURNING o.id, o.notification_id, o.user_id, o.broadcast_id, o.status, o.attempts,
			          o.last_error, o.next_attempt_at, o.dispatched_at, o.created_at, o.updated_at,
			          n.id, n.user_id, n.category, n.title, n.body, n.data, n.created_at, n.read_at, n.broadcast_id
		`
		rows, err = tx.QueryContext(ctx, dispatch, pq.Array(ids))
		if err != nil {
			return fmt.Errorf("dispatch outbox entries: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			entry, err := scanClaimedEntry(rows)
			if err != nil {
				return err
			}
			claimed = append(claimed, entry)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(claimed, func(i, j int) bool {
		return claimed[i].Entry.CreatedAt.Before(claimed[j].Entry.CreatedAt)
	})
	return claimed, nil
}

func (r *outboxRepository) MarkAcked(ctx context.Context, id string) error {
	const query = `
		UPDATE notify.notification_outbox
		SET status = 'ACKED', last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'DISPATCHED'
	`
	return r.execGuarded(ctx, query, id)
}

func (r *outboxRepository) MarkRetry(ctx context.Context, id string, nextAttemptAt time.Time, lastErr string) error {
	const query = `
		UPDATE notify.notification_outbox
		SET status = 'PENDING', next_attempt_at = $2, last_error = $3, dispatched_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'DISPATCHED'
	`
	return r.execGuarded(ctx, query, id, nextAttemptAt, lastErr)
}

// MarkFailed gives up on an entry. When the entry belongs to a broadcast the
// delivery error is also recorded on the broadcast, in the same transaction.
func (r *outboxRepository) MarkFailed(ctx context.Context, id string, lastErr string) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		const failEntry = `
			UPDATE notify.notification_outbox
			SET status = 'FAILED', last_error = $2, updated_at = NOW()
			WHERE id = $1 AND status = 'DISPATCHED'
			RETURNING broadcast_id, user_id
		`
		var (
			broadcastID sql.NullString
			userID      string
		)
		err := tx.QueryRowContext(ctx, failEntry, id, lastErr).Scan(&broadcastID, &userID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return fmt.Errorf("update outbox entry: %w", err)
		}
		if !broadcastID.Valid {
			return nil
		}

		const noteBroadcast = `
			UPDATE notify.notification_broadcasts
			SET last_error = $2, updated_at = NOW()
			WHERE id = $1
		`
		msg := fmt.Sprintf("delivery to %s failed: %s", userID, lastErr)
		if _, err := tx.ExecContext(ctx, noteBroadcast, broadcastID.String, msg); err != nil {
			return fmt.Errorf("record broadcast delivery failure: %w", err)
		}
		return nil
	})
}

// PurgeAcked deletes delivered rows last touched before olderThan. Rows in any
// other state are kept.
func (r *outboxRepository) PurgeAcked(ctx context.Context, olderThan time.Time) (int64, error) {
	const query = `
		DELETE FROM notify.notification_outbox
		WHERE status = 'ACKED' AND updated_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("purge acked outbox entries: %w", err)
	}
	return result.RowsAffected()
}

// execGuarded runs a status-guarded update. Zero affected rows means the
// entry is no longer DISPATCHED.
func (r *outboxRepository) execGuarded(ctx context.Context, query string, args ...interface{}) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update outbox entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func scanClaimedEntry(row scanner) (models.ClaimedEntry, error) {
	var (
		e                models.OutboxEntry
		n                models.Notification
		entryBroadcastID sql.NullString
		lastError        sql.NullString
		dispatchedAt     sql.NullTime
		dataRaw          []byte
		readAt           sql.NullTime
		notifBroadcastID sql.NullString
	)
	if err := row.Scan(
		&e.ID,
		&e.NotificationID,
		&e.UserID,
		&entryBroadcastID,
		&e.Status,
		&e.Attempts,
		&lastError,
		&e.NextAttemptAt,
		&dispatchedAt,
		&e.CreatedAt,
		&e.UpdatedAt,
		&n.ID,
		&n.UserID,
		&n.Category,
		&n.Title,
		&n.Body,
		&dataRaw,
		&n.CreatedAt,
		&readAt,
		&notifBroadcastID,
	); err != nil {
		return models.ClaimedEntry{}, err
	}

	data, err := unmarshalData(dataRaw)
	if err != nil {
		return models.ClaimedEntry{}, err
	}
	e.BroadcastID = stringPtr(entryBroadcastID)
	e.LastError = stringPtr(lastError)
	e.DispatchedAt = timePtr(dispatchedAt)
	n.Data = data
	n.ReadAt = timePtr(readAt)
	n.BroadcastID = stringPtr(notifBroadcastID)
	return models.ClaimedEntry{Entry: e, Notification: n}, nil
}
