package notification

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/bus"
	"github.com/stanstork/notifyd/internal/delivery"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/registry"
	"github.com/stanstork/notifyd/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	repository.NotificationRepository

	mu      sync.Mutex
	created []models.Notification
	batch   []string
}

func (r *fakeRepo) CreateWithOutbox(_ context.Context, n models.Notification) (models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n.ID = "n-1"
	n.CreatedAt = time.Now()
	r.created = append(r.created, n)
	return n, nil
}

func (r *fakeRepo) MarkBatchRead(_ context.Context, _ string, ids []string, _ time.Time) (int, error) {
	r.batch = ids
	return len(ids), nil
}

func (r *fakeRepo) rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created)
}

type liveConn struct {
	id     string
	mu     sync.Mutex
	frames []models.Frame
}

func (c *liveConn) ID() string { return c.id }

func (c *liveConn) Send(f models.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *liveConn) Close(int, string) error { return nil }

func (c *liveConn) received() []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Frame(nil), c.frames...)
}

type pipeline struct {
	repo      *fakeRepo
	users     *registry.Registry
	channels  *registry.Registry
	transport *bus.MemoryTransport
	svc       Service
}

// newPipeline wires the service to a single-instance bus with both
// registries consuming from it.
func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	transport := bus.NewMemoryTransport(64)
	client := bus.NewClient(transport, 10*time.Millisecond, zerolog.Nop())
	users := registry.New("users", zerolog.Nop())
	channels := registry.New("channels", zerolog.Nop())

	consumer := bus.NewConsumer(client, zerolog.Nop())
	consumer.Handle("notifications", delivery.NewRouter(users, zerolog.Nop()).Handle)
	consumer.Handle("channels", delivery.NewRouter(channels, zerolog.Nop()).Handle)
	consumer.Start(context.Background())
	t.Cleanup(consumer.Stop)

	require.Eventually(t, func() bool {
		return transport.Subscribers("notifications") == 1 && transport.Subscribers("channels") == 1
	}, time.Second, 5*time.Millisecond)

	repo := &fakeRepo{}
	return &pipeline{
		repo:      repo,
		users:     users,
		channels:  channels,
		transport: transport,
		svc:       NewService(repo, client, Topics{User: "notifications", Channel: "channels"}, zerolog.Nop()),
	}
}

func TestVolatileEventWithNoConnections(t *testing.T) {
	p := newPipeline(t)
	bystander := &liveConn{id: "other"}
	p.users.Register("u2", bystander)

	msg, err := p.svc.Publish(context.Background(), Event{
		UserID:   "u1",
		Category: models.CategoryGame,
		Title:    "Player joined",
		Policy:   models.PolicyVolatile,
	})
	require.NoError(t, err)
	assert.False(t, msg.Persisted)
	assert.NotEmpty(t, msg.EventID)

	// Give the consumer a chance to route it anywhere.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, p.repo.rows())
	assert.Empty(t, bystander.received())
}

func TestVolatileEventReachesEveryConnection(t *testing.T) {
	p := newPipeline(t)
	tab1, tab2 := &liveConn{id: "tab1"}, &liveConn{id: "tab2"}
	p.users.Register("u1", tab1)
	p.users.Register("u1", tab2)

	msg, err := p.svc.Publish(context.Background(), Event{
		UserID:   "u1",
		Category: models.CategorySocial,
		Title:    "Friend online",
		Data:     map[string]any{"friend_id": "u7"},
		Policy:   models.PolicyVolatile,
	})
	require.NoError(t, err)

	for _, c := range []*liveConn{tab1, tab2} {
		require.Eventually(t, func() bool { return len(c.received()) == 1 }, time.Second, 5*time.Millisecond)
		frame := c.received()[0]
		assert.Equal(t, models.FrameNotification, frame.Type)
		assert.Equal(t, false, frame.Data["persisted"])
		assert.Equal(t, msg.EventID, frame.Data["event_id"])
		assert.Equal(t, "Friend online", frame.Data["title"])
	}
	assert.Zero(t, p.repo.rows())
}

func TestDurableEventGoesThroughTheOutbox(t *testing.T) {
	p := newPipeline(t)
	tab := &liveConn{id: "tab"}
	p.users.Register("u1", tab)

	msg, err := p.svc.Publish(context.Background(), Event{
		UserID:   " u1 ",
		Category: "system",
		Title:    "Maintenance tonight",
	})
	require.NoError(t, err)
	assert.True(t, msg.Persisted)
	require.NotNil(t, msg.Notification)
	assert.Equal(t, "n-1", msg.Notification.ID)
	assert.Equal(t, 1, p.repo.rows())
	assert.Equal(t, models.CategorySystem, p.repo.created[0].Category)
	assert.Equal(t, "u1", p.repo.created[0].UserID)

	// Live delivery is the outbox processor's job, not the publisher's.
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, tab.received())
}

func TestPublishRejectsInvalidEvents(t *testing.T) {
	p := newPipeline(t)
	cases := []Event{
		{Category: models.CategoryGame, Title: "t"},
		{UserID: "u1", Category: models.CategoryGame},
		{UserID: "u1", Category: "WEATHER", Title: "t"},
		{UserID: "u1", Category: models.CategoryGame, Title: "t", Policy: "FOREVER"},
		{UserID: "u1", Category: models.CategoryGame, Title: strings.Repeat("x", 201)},
	}
	for _, evt := range cases {
		_, err := p.svc.Publish(context.Background(), evt)
		assert.ErrorIs(t, err, ErrInvalidEvent)
	}
	assert.Zero(t, p.repo.rows())

	// 200 multi-byte characters still fit the column.
	_, err := p.svc.Publish(context.Background(), Event{UserID: "u1", Category: models.CategoryGame, Title: strings.Repeat("é", 200)})
	require.NoError(t, err)
	assert.Equal(t, 1, p.repo.rows())
}

func TestChannelEventReachesGamePlayersOnly(t *testing.T) {
	p := newPipeline(t)
	player := &liveConn{id: "p1"}
	spectatorElsewhere := &liveConn{id: "p2"}
	p.channels.Register("game:g1", player)
	p.channels.Register("game:g2", spectatorElsewhere)

	require.NoError(t, p.svc.PublishChannelEvent(context.Background(), "game:g1", "game_update", map[string]any{"turn": 4}))
	require.Eventually(t, func() bool { return len(player.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "game_update", player.received()[0].Type)
	assert.Empty(t, spectatorElsewhere.received())

	assert.ErrorIs(t, p.svc.PublishChannelEvent(context.Background(), "", "game_update", nil), ErrInvalidEvent)
}

func TestMarkBatchReadDropsBlankIDs(t *testing.T) {
	p := newPipeline(t)
	n, at, err := p.svc.MarkBatchRead(context.Background(), "u1", []string{"n1", " ", "n2 "})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.False(t, at.IsZero())
	assert.Equal(t, []string{"n1", "n2"}, p.repo.batch)
}
