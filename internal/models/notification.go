package models

import (
	"strings"
	"time"
)

type NotificationCategory string

const (
	CategoryGame   NotificationCategory = "GAME"
	CategoryRoom   NotificationCategory = "ROOM"
	CategorySocial NotificationCategory = "SOCIAL"
	CategorySystem NotificationCategory = "SYSTEM"
)

// ParseCategory normalizes a raw category value. The empty string is rejected.
func ParseCategory(raw string) (NotificationCategory, bool) {
	c := NotificationCategory(strings.ToUpper(strings.TrimSpace(raw)))
	switch c {
	case CategoryGame, CategoryRoom, CategorySocial, CategorySystem:
		return c, true
	}
	return "", false
}

type PersistPolicy string

const (
	// PolicyDurable stores the notification and delivers it through the outbox.
	PolicyDurable PersistPolicy = "DURABLE"
	// PolicyVolatile is push-only: no storage, no retry.
	PolicyVolatile PersistPolicy = "VOLATILE"
)

func ParsePersistPolicy(raw string) (PersistPolicy, bool) {
	p := PersistPolicy(strings.ToUpper(strings.TrimSpace(raw)))
	switch p {
	case PolicyDurable, PolicyVolatile:
		return p, true
	case "":
		return PolicyDurable, true
	}
	return "", false
}

type Notification struct {
	ID          string               `json:"id" db:"id"`
	UserID      string               `json:"user_id" db:"user_id"`
	Category    NotificationCategory `json:"category" db:"category"`
	Title       string               `json:"title" db:"title"`
	Body        string               `json:"body" db:"body"`
	Data        map[string]any       `json:"data" db:"data"`
	CreatedAt   time.Time            `json:"created_at" db:"created_at"`
	ReadAt      *time.Time           `json:"read_at,omitempty" db:"read_at"`
	BroadcastID *string              `json:"broadcast_id,omitempty" db:"broadcast_id"`
}

// NotificationFilter narrows an inbox listing.
type NotificationFilter struct {
	UserID     string
	Category   NotificationCategory
	UnreadOnly bool
	Page       int
	PageSize   int
}

// Normalize clamps paging to 1-based pages of at most 100 entries.
func (f *NotificationFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 20
	}
}

func (f NotificationFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}

type NotificationPage struct {
	Notifications []Notification `json:"notifications"`
	Total         int            `json:"total"`
	Page          int            `json:"page"`
	PageSize      int            `json:"page_size"`
}
