package notification

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/bus"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/repository"
)

// ErrInvalidEvent is returned for events that cannot be delivered as given.
var ErrInvalidEvent = errors.New("invalid notification event")

// maxTitleLength matches the notifications.title column.
const maxTitleLength = 200

type Event struct {
	UserID   string
	Category models.NotificationCategory
	Title    string
	Body     string
	Data     map[string]any
	Policy   models.PersistPolicy
}

type Service interface {
	// Publish stores a DURABLE event behind an outbox row, or pushes a
	// VOLATILE one straight to the bus.
	Publish(ctx context.Context, evt Event) (models.NotificationMessage, error)
	// PublishChannelEvent pushes a game or room event to everyone subscribed
	// under routingKey.
	PublishChannelEvent(ctx context.Context, routingKey, messageType string, data map[string]any) error
	List(ctx context.Context, filter models.NotificationFilter) (models.NotificationPage, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, notificationID string) (time.Time, error)
	MarkAllRead(ctx context.Context, userID string) (int, time.Time, error)
	MarkBatchRead(ctx context.Context, userID string, ids []string) (int, time.Time, error)
}

type Topics struct {
	User    string
	Channel string
}

type service struct {
	repo      repository.NotificationRepository
	publisher bus.Publisher
	topics    Topics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo repository.NotificationRepository, publisher bus.Publisher, topics Topics, logger zerolog.Logger) Service {
	return &service{
		repo:      repo,
		publisher: publisher,
		topics:    topics,
		logger:    logger.With().Str("component", "notification_service").Logger(),
		now:       time.Now,
	}
}

func (s *service) Publish(ctx context.Context, evt Event) (models.NotificationMessage, error) {
	evt, err := normalizeEvent(evt)
	if err != nil {
		return models.NotificationMessage{}, err
	}

	if evt.Policy == models.PolicyVolatile {
		return s.publishVolatile(ctx, evt)
	}

	notif, err := s.repo.CreateWithOutbox(ctx, models.Notification{
		UserID:   evt.UserID,
		Category: evt.Category,
		Title:    evt.Title,
		Body:     evt.Body,
		Data:     evt.Data,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", evt.UserID).Msg("failed to persist notification")
		return models.NotificationMessage{}, errors.Wrap(err, "failed to persist notification")
	}
	return models.NotificationMessage{Persisted: true, Notification: &notif}, nil
}

// publishVolatile is best effort: nothing is stored, so a bus failure loses
// the event and is reported to the caller.
func (s *service) publishVolatile(ctx context.Context, evt Event) (models.NotificationMessage, error) {
	msg := models.NotificationMessage{
		Persisted: false,
		EventID:   uuid.NewString(),
		Category:  evt.Category,
		Title:     evt.Title,
		Body:      evt.Body,
		Data:      evt.Data,
	}
	data, err := msg.Map()
	if err != nil {
		return models.NotificationMessage{}, err
	}
	env := bus.NewEnvelope(evt.UserID, models.FrameNotification, data)
	if err := s.publisher.Publish(ctx, s.topics.User, env); err != nil {
		s.logger.Warn().Err(err).Str("user_id", evt.UserID).Str("event_id", msg.EventID).Msg("volatile notification dropped")
		return models.NotificationMessage{}, errors.Wrap(err, "failed to publish volatile notification")
	}
	return msg, nil
}

func (s *service) PublishChannelEvent(ctx context.Context, routingKey, messageType string, data map[string]any) error {
	routingKey = strings.TrimSpace(routingKey)
	messageType = strings.TrimSpace(messageType)
	if routingKey == "" || messageType == "" {
		return errors.Wrap(ErrInvalidEvent, "routing key and message type are required")
	}
	if err := s.publisher.Publish(ctx, s.topics.Channel, bus.NewEnvelope(routingKey, messageType, data)); err != nil {
		return errors.Wrapf(err, "failed to publish %s to %s", messageType, routingKey)
	}
	return nil
}

func (s *service) List(ctx context.Context, filter models.NotificationFilter) (models.NotificationPage, error) {
	filter.Normalize()
	return s.repo.List(ctx, filter)
}

func (s *service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.repo.UnreadCount(ctx, userID)
}

func (s *service) MarkRead(ctx context.Context, userID, notificationID string) (time.Time, error) {
	return s.repo.MarkRead(ctx, userID, strings.TrimSpace(notificationID), s.now().UTC())
}

func (s *service) MarkAllRead(ctx context.Context, userID string) (int, time.Time, error) {
	at := s.now().UTC()
	n, err := s.repo.MarkAllRead(ctx, userID, at)
	return n, at, err
}

func (s *service) MarkBatchRead(ctx context.Context, userID string, ids []string) (int, time.Time, error) {
	at := s.now().UTC()
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	n, err := s.repo.MarkBatchRead(ctx, userID, cleaned, at)
	return n, at, err
}

func normalizeEvent(evt Event) (Event, error) {
	evt.UserID = strings.TrimSpace(evt.UserID)
	evt.Title = strings.TrimSpace(evt.Title)
	if evt.UserID == "" {
		return evt, errors.Wrap(ErrInvalidEvent, "user id is required")
	}
	if evt.Title == "" {
		return evt, errors.Wrap(ErrInvalidEvent, "title is required")
	}
	if utf8.RuneCountInString(evt.Title) > maxTitleLength {
		return evt, errors.Wrap(ErrInvalidEvent, "title is too long")
	}
	category, ok := models.ParseCategory(string(evt.Category))
	if !ok {
		return evt, errors.Wrapf(ErrInvalidEvent, "unknown category %q", evt.Category)
	}
	evt.Category = category
	policy, ok := models.ParsePersistPolicy(string(evt.Policy))
	if !ok {
		return evt, errors.Wrapf(ErrInvalidEvent, "unknown persist policy %q", evt.Policy)
	}
	evt.Policy = policy
	if evt.Data == nil {
		evt.Data = map[string]any{}
	}
	return evt, nil
}
