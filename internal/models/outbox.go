package models

import "time"

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxDispatched OutboxStatus = "DISPATCHED"
	OutboxAcked      OutboxStatus = "ACKED"
	OutboxFailed     OutboxStatus = "FAILED"
)

type OutboxEntry struct {
	ID             string       `json:"id"`
	NotificationID string       `json:"notification_id"`
	UserID         string       `json:"user_id"`
	BroadcastID    *string      `json:"broadcast_id,omitempty"`
	Status         OutboxStatus `json:"status"`
	Attempts       int          `json:"attempts"`
	LastError      *string      `json:"last_error,omitempty"`
	NextAttemptAt  time.Time    `json:"next_attempt_at"`
	DispatchedAt   *time.Time   `json:"dispatched_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ClaimedEntry is an outbox row moved to DISPATCHED together with the
// notification it protects, ready to be published.
type ClaimedEntry struct {
	Entry        OutboxEntry
	Notification Notification
}
