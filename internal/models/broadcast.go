package models

import "time"

type BroadcastStatus string

const (
	BroadcastDraft         BroadcastStatus = "DRAFT"
	BroadcastSending       BroadcastStatus = "SENDING"
	BroadcastSent          BroadcastStatus = "SENT"
	BroadcastPartialFailed BroadcastStatus = "PARTIAL_FAILED"
	BroadcastFailed        BroadcastStatus = "FAILED"
	BroadcastDeleted       BroadcastStatus = "DELETED"
)

var broadcastTransitions = map[BroadcastStatus][]BroadcastStatus{
	BroadcastDraft:         {BroadcastSending, BroadcastFailed, BroadcastDeleted},
	BroadcastSending:       {BroadcastSent, BroadcastPartialFailed, BroadcastFailed, BroadcastDeleted},
	BroadcastSent:          {BroadcastDeleted},
	BroadcastPartialFailed: {BroadcastDeleted},
	BroadcastFailed:        {BroadcastDeleted},
}

// CanTransition reports whether a broadcast may move from one status to another.
func CanTransition(from, to BroadcastStatus) bool {
	for _, next := range broadcastTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal is true once fan-out has finished (or the broadcast is gone).
func (s BroadcastStatus) IsTerminal() bool {
	switch s {
	case BroadcastSent, BroadcastPartialFailed, BroadcastFailed, BroadcastDeleted:
		return true
	}
	return false
}

func ParseBroadcastStatus(raw string) (BroadcastStatus, bool) {
	s := BroadcastStatus(raw)
	if s == BroadcastDeleted {
		return s, true
	}
	_, ok := broadcastTransitions[s]
	return s, ok
}

// FinalStatus picks the terminal status once every target has been processed.
func FinalStatus(totalTargets, failedCount int) BroadcastStatus {
	switch {
	case failedCount == 0:
		return BroadcastSent
	case failedCount >= totalTargets:
		return BroadcastFailed
	default:
		return BroadcastPartialFailed
	}
}

type Broadcast struct {
	ID             string               `json:"id"`
	IdempotencyKey string               `json:"idempotency_key"`
	Title          string               `json:"title"`
	Body           string               `json:"body"`
	Category       NotificationCategory `json:"category"`
	Data           map[string]any       `json:"data"`
	PersistPolicy  PersistPolicy        `json:"persist_policy"`
	Status         BroadcastStatus      `json:"status"`
	TotalTargets   int                  `json:"total_targets"`
	Processed      int                  `json:"processed"`
	SentCount      int                  `json:"sent_count"`
	FailedCount    int                  `json:"failed_count"`
	CreatedBy      *string              `json:"created_by,omitempty"`
	ResendOfID     *string              `json:"resend_of_id,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`
	SentAt         *time.Time           `json:"sent_at,omitempty"`
	DeletedAt      *time.Time           `json:"deleted_at,omitempty"`
	LastError      *string              `json:"last_error,omitempty"`
	TargetUserIDs  []string             `json:"target_user_ids,omitempty"`
}

// Done reports whether every target has been accounted for.
func (b Broadcast) Done() bool {
	return b.Processed >= b.TotalTargets
}

type BroadcastFilter struct {
	Status   BroadcastStatus
	Page     int
	PageSize int
}

func (f *BroadcastFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 100 {
		f.PageSize = 20
	}
}
