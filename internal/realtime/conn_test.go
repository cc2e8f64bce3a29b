package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveOne(t *testing.T, ctx context.Context, reg *registry.Registry) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, Options{PingInterval: time.Second}, zerolog.Nop())
		conn.Serve(ctx, reg, "u1", models.Frame{Type: models.FrameConnected, Data: map[string]any{"user_id": "u1"}})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServeLifecycle(t *testing.T) {
	reg := registry.New("users", zerolog.Nop())
	url := serveOne(t, context.Background(), reg)

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	var hello models.Frame
	require.NoError(t, client.ReadJSON(&hello))
	assert.Equal(t, models.FrameConnected, hello.Type)
	assert.Equal(t, "u1", hello.Data["user_id"])
	assert.Equal(t, 1, reg.CountFor("u1"))

	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("ping")))
	var pong models.Frame
	require.NoError(t, client.ReadJSON(&pong))
	assert.Equal(t, models.FramePong, pong.Type)
	assert.NotNil(t, pong.Data)

	assert.Equal(t, 1, reg.SendToKey("u1", "game_update", map[string]any{"turn": 2}))
	var pushed models.Frame
	require.NoError(t, client.ReadJSON(&pushed))
	assert.Equal(t, "game_update", pushed.Type)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return reg.CountFor("u1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestServeClosesOnShutdown(t *testing.T) {
	reg := registry.New("users", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	url := serveOne(t, ctx, reg)

	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()
	var hello models.Frame
	require.NoError(t, client.ReadJSON(&hello))

	cancel()
	_, _, err = client.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
	require.Eventually(t, func() bool { return reg.CountFor("u1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseAllSendsGoingAway(t *testing.T) {
	reg := registry.New("users", zerolog.Nop())
	url := serveOne(t, context.Background(), reg)
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()
	var hello models.Frame
	require.NoError(t, client.ReadJSON(&hello))

	reg.CloseAll(registry.CloseGoingAway, "bye")
	_, _, err = client.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, registry.CloseGoingAway))
}
