package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stanstork/notifyd/internal/models"
)

// BroadcastRepository persists notification_broadcasts. Every status change
// is a guarded UPDATE so concurrent writers cannot move a broadcast backwards.
type BroadcastRepository interface {
	// Create inserts a DRAFT broadcast. When the idempotency key already
	// exists the stored broadcast is returned with created=false.
	Create(ctx context.Context, b models.Broadcast) (stored models.Broadcast, created bool, err error)
	Get(ctx context.Context, id string) (models.Broadcast, error)
	GetByKey(ctx context.Context, key string) (models.Broadcast, error)
	List(ctx context.Context, filter models.BroadcastFilter) ([]models.Broadcast, int, error)
	// BeginSending moves DRAFT -> SENDING and fixes total_targets.
	BeginSending(ctx context.Context, id string, totalTargets int) (models.Broadcast, error)
	// FailDraft moves DRAFT -> FAILED when fan-out could not start.
	FailDraft(ctx context.Context, id, lastErr string) (models.Broadcast, error)
	// Abort moves SENDING -> FAILED when fan-out stopped before every
	// target was processed. The counters keep what was recorded.
	Abort(ctx context.Context, id, lastErr string) (models.Broadcast, error)
	// AbortStale fails every SENDING broadcast not updated since olderThan
	// and returns their ids.
	AbortStale(ctx context.Context, olderThan time.Time, lastErr string) ([]string, error)
	// IncrementCounts adds processed targets to a SENDING broadcast.
	IncrementCounts(ctx context.Context, id string, sent, failed int, lastErr string) (models.Broadcast, error)
	// InsertTargets writes one notification and one PENDING outbox row per
	// user and counts them as sent, all in one transaction.
	InsertTargets(ctx context.Context, b models.Broadcast, userIDs []string) (models.Broadcast, error)
	// Finalize moves a fully processed SENDING broadcast to its terminal status.
	Finalize(ctx context.Context, id string, status models.BroadcastStatus) (models.Broadcast, error)
	SoftDelete(ctx context.Context, id string) (models.Broadcast, error)
}

type broadcastRepository struct {
	db *sql.DB
}

func NewBroadcastRepository(db *sql.DB) BroadcastRepository {
	return &broadcastRepository{db: db}
}

const broadcastColumns = `
	id, idempotency_key, title, body, category, data, persist_policy, status, target_user_ids,
	total_targets, processed, sent_count, failed_count, created_by, resend_of_id,
	created_at, updated_at, sent_at, deleted_at, last_error
`

func (r *broadcastRepository) Create(ctx context.Context, b models.Broadcast) (models.Broadcast, bool, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	data, err := marshalData(b.Data)
	if err != nil {
		return models.Broadcast{}, false, err
	}
	var targets interface{}
	if len(b.TargetUserIDs) > 0 {
		targets = pq.Array(b.TargetUserIDs)
	}

	query := `
		INSERT INTO notify.notification_broadcasts
			(id, idempotency_key, title, body, category, data, persist_policy, status, target_user_ids, created_by, resend_of_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'DRAFT', $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING ` + broadcastColumns

	stored, err := scanBroadcast(r.db.QueryRowContext(ctx, query,
		b.ID, b.IdempotencyKey, b.Title, b.Body, b.Category, data, b.PersistPolicy,
		targets, nullString(b.CreatedBy), nullString(b.ResendOfID),
	))
	switch {
	case err == nil:
		return stored, true, nil
	case errors.Is(err, sql.ErrNoRows):
		existing, err := r.GetByKey(ctx, b.IdempotencyKey)
		if err != nil {
			return models.Broadcast{}, false, err
		}
		return existing, false, nil
	case isUniqueViolation(err):
		return models.Broadcast{}, false, ErrConflict
	default:
		return models.Broadcast{}, false, fmt.Errorf("insert broadcast: %w", err)
	}
}

func (r *broadcastRepository) Get(ctx context.Context, id string) (models.Broadcast, error) {
	query := `SELECT ` + broadcastColumns + ` FROM notify.notification_broadcasts WHERE id = $1`
	return r.one(r.db.QueryRowContext(ctx, query, id))
}

func (r *broadcastRepository) GetByKey(ctx context.Context, key string) (models.Broadcast, error) {
	query := `SELECT ` + broadcastColumns + ` FROM notify.notification_broadcasts WHERE idempotency_key = $1`
	return r.one(r.db.QueryRowContext(ctx, query, key))
}

// List returns broadcasts newest first. Deleted broadcasts are only listed
// when filtered for explicitly.
func (r *broadcastRepository) List(ctx context.Context, filter models.BroadcastFilter) ([]models.Broadcast, int, error) {
	filter.Normalize()

	clause := `status <> 'DELETED'`
	args := []interface{}{}
	if filter.Status != "" {
		clause = `status = $1`
		args = append(args, filter.Status)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM notify.notification_broadcasts WHERE ` + clause
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count broadcasts: %w", err)
	}

	listQuery := fmt.Sprintf(`
		SELECT %s
		FROM notify.notification_broadcasts
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, broadcastColumns, clause, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, listQuery, append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list broadcasts: %w", err)
	}
	defer rows.Close()

	broadcasts := []models.Broadcast{}
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, 0, err
		}
		broadcasts = append(broadcasts, b)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return broadcasts, total, nil
}

func (r *broadcastRepository) BeginSending(ctx context.Context, id string, totalTargets int) (models.Broadcast, error) {
	query := `
		UPDATE notify.notification_broadcasts
		SET status = 'SENDING', total_targets = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'DRAFT'
		RETURNING ` + broadcastColumns
	return r.guarded(r.db.QueryRowContext(ctx, query, id, totalTargets))
}

func (r *broadcastRepository) FailDraft(ctx context.Context, id, lastErr string) (models.Broadcast, error) {
	query := `
		UPDATE notify.notification_broadcasts
		SET status = 'FAILED', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'DRAFT'
		RETURNING ` + broadcastColumns
	return r.guarded(r.db.QueryRowContext(ctx, query, id, lastErr))
}

func (r *broadcastRepository) Abort(ctx context.Context, id, lastErr string) (models.Broadcast, error) {
	query := `
		UPDATE notify.notification_broadcasts
		SET status = 'FAILED', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'SENDING'
		RETURNING ` + broadcastColumns
	return r.guarded(r.db.QueryRowContext(ctx, query, id, lastErr))
}

func (r *broadcastRepository) AbortStale(ctx context.Context, olderThan time.Time, lastErr string) ([]string, error) {
	const query = `
		UPDATE notify.notification_broadcasts
		SET status = 'FAILED', last_error = $2, updated_at = NOW()
		WHERE status = 'SENDING' AND updated_at < $1
		RETURNING id
	`
	rows, err := r.db.QueryContext(ctx, query, olderThan, lastErr)
	if err != nil {
		return nil, fmt.Errorf("abort stale broadcasts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// incrementQuery never lets processed pass total_targets and only touches
// broadcasts still SENDING, so a concurrent delete stops the counters.
const incrementQuery = `
	UPDATE notify.notification_broadcasts
	SET processed = processed + $2 + $3,
	    sent_count = sent_count + $2,
	    failed_count = failed_count + $3,
	    last_error = COALESCE(NULLIF($4, ''), last_error),
	    updated_at = NOW()
	WHERE id = $1 AND status = 'SENDING' AND processed + $2 + $3 <= total_targets
	RETURNING ` + broadcastColumns

func (r *broadcastRepository) IncrementCounts(ctx context.Context, id string, sent, failed int, lastErr string) (models.Broadcast, error) {
	return r.guarded(r.db.QueryRowContext(ctx, incrementQuery, id, sent, failed, lastErr))
}

func (r *broadcastRepository) InsertTargets(ctx context.Context, b models.Broadcast, userIDs []string) (models.Broadcast, error) {
	if len(userIDs) == 0 {
		return b, nil
	}
	data, err := marshalData(b.Data)
	if err != nil {
		return models.Broadcast{}, err
	}

	notificationIDs := make([]string, len(userIDs))
	outboxIDs := make([]string, len(userIDs))
	for i := range userIDs {
		notificationIDs[i] = uuid.NewString()
		outboxIDs[i] = uuid.NewString()
	}

	var updated models.Broadcast
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		const insertNotifications = `
			INSERT INTO notify.notifications (id, user_id, category, title, body, data, broadcast_id)
			SELECT t.id, t.user_id, $3, $4, $5, $6, $7
			FROM unnest($1::varchar[], $2::varchar[]) AS t(id, user_id)
		`
		if _, err := tx.ExecContext(ctx, insertNotifications,
			pq.Array(notificationIDs), pq.Array(userIDs), b.Category, b.Title, b.Body, data, b.ID,
		); err != nil {
			return fmt.Errorf("insert broadcast notifications: %w", err)
		}

		const insertOutbox = `
			INSERT INTO notify.notification_outbox (id, notification_id, user_id, broadcast_id, status, next_attempt_at)
			SELECT t.id, t.notification_id, t.user_id, $4, 'PENDING', NOW()
			FROM unnest($1::varchar[], $2::varchar[], $3::varchar[]) AS t(id, notification_id, user_id)
		`
		if _, err := tx.ExecContext(ctx, insertOutbox,
			pq.Array(outboxIDs), pq.Array(notificationIDs), pq.Array(userIDs), b.ID,
		); err != nil {
			return fmt.Errorf("insert broadcast outbox entries: %w", err)
		}

		var err error
		updated, err = r.guarded(tx.QueryRowContext(ctx, incrementQuery, b.ID, len(userIDs), 0, ""))
		return err
	})
	if err != nil {
		return models.Broadcast{}, err
	}
	return updated, nil
}

func (r *broadcastRepository) Finalize(ctx context.Context, id string, status models.BroadcastStatus) (models.Broadcast, error) {
	if !models.CanTransition(models.BroadcastSending, status) || status == models.BroadcastDeleted {
		return models.Broadcast{}, fmt.Errorf("invalid final status %q", status)
	}
	query := `
		UPDATE notify.notification_broadcasts
		SET status = $2::varchar,
		    sent_at = CASE WHEN $2::varchar IN ('SENT', 'PARTIAL_FAILED') THEN NOW() ELSE sent_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'SENDING' AND processed = total_targets
		RETURNING ` + broadcastColumns
	return r.guarded(r.db.QueryRowContext(ctx, query, id, string(status)))
}

// SoftDelete marks the broadcast DELETED and freezes its counters. Deleting
// twice returns the already deleted broadcast.
func (r *broadcastRepository) SoftDelete(ctx context.Context, id string) (models.Broadcast, error) {
	query := `
		UPDATE notify.notification_broadcasts
		SET status = 'DELETED', deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status <> 'DELETED'
		RETURNING ` + broadcastColumns
	b, err := scanBroadcast(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return r.Get(ctx, id)
	}
	if err != nil {
		return models.Broadcast{}, fmt.Errorf("delete broadcast: %w", err)
	}
	return b, nil
}

func (r *broadcastRepository) one(row *sql.Row) (models.Broadcast, error) {
	b, err := scanBroadcast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Broadcast{}, ErrNotFound
	}
	return b, err
}

// guarded maps a guarded UPDATE that matched nothing to ErrConflict.
func (r *broadcastRepository) guarded(row *sql.Row) (models.Broadcast, error) {
	b, err := scanBroadcast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Broadcast{}, ErrConflict
	}
	if err != nil {
		return models.Broadcast{}, fmt.Errorf("update broadcast: %w", err)
	}
	return b, nil
}

func scanBroadcast(row scanner) (models.Broadcast, error) {
	var (
		b          models.Broadcast
		dataRaw    []byte
		targets    pq.StringArray
		createdBy  sql.NullString
		resendOfID sql.NullString
		sentAt     sql.NullTime
		deletedAt  sql.NullTime
		lastError  sql.NullString
	)
	if err := row.Scan(
		&b.ID,
		&b.IdempotencyKey,
		&b.Title,
		&b.Body,
		&b.Category,
		&dataRaw,
		&b.PersistPolicy,
		&b.Status,
		&targets,
		&b.TotalTargets,
		&b.Processed,
		&b.SentCount,
		&b.FailedCount,
		&createdBy,
		&resendOfID,
		&b.CreatedAt,
		&b.UpdatedAt,
		&sentAt,
		&deletedAt,
		&lastError,
	); err != nil {
		return models.Broadcast{}, err
	}

	data, err := unmarshalData(dataRaw)
	if err != nil {
		return models.Broadcast{}, err
	}
	b.Data = data
	if len(targets) > 0 {
		b.TargetUserIDs = []string(targets)
	}
	b.CreatedBy = stringPtr(createdBy)
	b.ResendOfID = stringPtr(resendOfID)
	b.SentAt = timePtr(sentAt)
	b.DeletedAt = timePtr(deletedAt)
	b.LastError = stringPtr(lastError)
	return b, nil
}
