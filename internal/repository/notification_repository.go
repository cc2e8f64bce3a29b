package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stanstork/notifyd/internal/models"
)

type NotificationRepository interface {
	// CreateWithOutbox stores the notification and its PENDING outbox row in
	// one transaction.
	CreateWithOutbox(ctx context.Context, n models.Notification) (models.Notification, error)
	Get(ctx context.Context, userID, id string) (models.Notification, error)
	List(ctx context.Context, filter models.NotificationFilter) (models.NotificationPage, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, id string, at time.Time) (time.Time, error)
	MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error)
	MarkBatchRead(ctx context.Context, userID string, ids []string, at time.Time) (int, error)
}

type notificationRepository struct {
	db *sql.DB
}

func NewNotificationRepository(db *sql.DB) NotificationRepository {
	return &notificationRepository{db: db}
}

const notificationColumns = `id, user_id, category, title, body, data, created_at, read_at, broadcast_id`

func (r *notificationRepository) CreateWithOutbox(ctx context.Context, n models.Notification) (models.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	data, err := marshalData(n.Data)
	if err != nil {
		return models.Notification{}, err
	}

	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		const insertNotification = `
			INSERT INTO notify.notifications (id, user_id, category, title, body, data, broadcast_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at
		`
		if err := tx.QueryRowContext(ctx, insertNotification,
			n.ID, n.UserID, n.Category, n.Title, n.Body, data, nullString(n.BroadcastID),
		).Scan(&n.CreatedAt); err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}

		const insertOutbox = `
			INSERT INTO notify.notification_outbox (id, notification_id, user_id, broadcast_id, status, next_attempt_at)
			VALUES ($1, $2, $3, $4, 'PENDING', NOW())
		`
		if _, err := tx.ExecContext(ctx, insertOutbox,
			uuid.NewString(), n.ID, n.UserID, nullString(n.BroadcastID),
		); err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Notification{}, err
	}
	if n.Data == nil {
		n.Data = map[string]any{}
	}
	return n, nil
}

func (r *notificationRepository) Get(ctx context.Context, userID, id string) (models.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notify.notifications WHERE id = $1 AND user_id = $2`
	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Notification{}, ErrNotFound
	}
	return n, err
}

func (r *notificationRepository) List(ctx context.Context, filter models.NotificationFilter) (models.NotificationPage, error) {
	filter.Normalize()

	where := []string{"user_id = $1"}
	args := []interface{}{filter.UserID}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.UnreadOnly {
		where = append(where, "read_at IS NULL")
	}
	clause := strings.Join(where, " AND ")

	page := models.NotificationPage{
		Notifications: []models.Notification{},
		Page:          filter.Page,
		PageSize:      filter.PageSize,
	}

	countQuery := `SELECT COUNT(*) FROM notify.notifications WHERE ` + clause
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("count notifications: %w", err)
	}

	listQuery := fmt.Sprintf(`
		SELECT %s
		FROM notify.notifications
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d OFFSET $%d
	`, notificationColumns, clause, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, listQuery, append(args, filter.PageSize, filter.Offset())...)
	if err != nil {
		return page, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return page, err
		}
		page.Notifications = append(page.Notifications, n)
	}
	if err := rows.Err(); err != nil {
		return page, err
	}
	return page, nil
}

func (r *notificationRepository) UnreadCount(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM notify.notifications WHERE user_id = $1 AND read_at IS NULL`
	var count int
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkRead sets read_at once. Marking an already-read notification returns
// the original read time.
func (r *notificationRepository) MarkRead(ctx context.Context, userID, id string, at time.Time) (time.Time, error) {
	const update = `
		UPDATE notify.notifications
		SET read_at = $3
		WHERE id = $1 AND user_id = $2 AND read_at IS NULL
		RETURNING read_at
	`
	var readAt time.Time
	err := r.db.QueryRowContext(ctx, update, id, userID, at).Scan(&readAt)
	if err == nil {
		return readAt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("mark read: %w", err)
	}

	const existing = `SELECT read_at FROM notify.notifications WHERE id = $1 AND user_id = $2`
	var prev sql.NullTime
	if err := r.db.QueryRowContext(ctx, existing, id, userID).Scan(&prev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, fmt.Errorf("load notification: %w", err)
	}
	if !prev.Valid {
		// Concurrent writer rolled back between the two statements.
		return time.Time{}, ErrConflict
	}
	return prev.Time, nil
}

func (r *notificationRepository) MarkAllRead(ctx context.Context, userID string, at time.Time) (int, error) {
	const query = `
		UPDATE notify.notifications
		SET read_at = $2
		WHERE user_id = $1 AND read_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, userID, at)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// MarkBatchRead marks the given notifications read. IDs that do not belong to
// the user or are already read are ignored.
func (r *notificationRepository) MarkBatchRead(ctx context.Context, userID string, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const query = `
		UPDATE notify.notifications
		SET read_at = $3
		WHERE user_id = $1 AND id = ANY($2) AND read_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, userID, pq.Array(ids), at)
	if err != nil {
		return 0, fmt.Errorf("mark batch read: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func scanNotification(row scanner) (models.Notification, error) {
	var (
		n           models.Notification
		dataRaw     []byte
		readAt      sql.NullTime
		broadcastID sql.NullString
	)
	if err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Category,
		&n.Title,
		&n.Body,
		&dataRaw,
		&n.CreatedAt,
		&readAt,
		&broadcastID,
	); err != nil {
		return models.Notification{}, err
	}

	data, err := unmarshalData(dataRaw)
	if err != nil {
		return models.Notification{}, err
	}
	n.Data = data
	n.ReadAt = timePtr(readAt)
	n.BroadcastID = stringPtr(broadcastID)
	return n, nil
}
