package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/authz"
	"github.com/stanstork/notifyd/internal/delivery"
	"github.com/stanstork/notifyd/internal/models"
	"github.com/stanstork/notifyd/internal/realtime"
	"github.com/stanstork/notifyd/internal/registry"
	"github.com/stanstork/notifyd/internal/repository"
)

const (
	accessTokenCookie = "user_access_token"
	authSubprotocol   = "auth"
)

// UnreadCounter is the inbox query the user channel greets clients with.
type UnreadCounter interface {
	UnreadCount(ctx context.Context, userID string) (int, error)
}

type WebsocketConfig struct {
	Verifier        *authz.Verifier
	Users           repository.UserRepository
	Inbox           UnreadCounter
	UserRegistry    *registry.Registry
	ChannelRegistry *registry.Registry
	AllowedOrigins  []string
	Options         realtime.Options
	// BaseContext bounds every served connection; cancelling it closes them
	// with 1001.
	BaseContext context.Context
}

type WebsocketHandler struct {
	cfg      WebsocketConfig
	origins  map[string]struct{}
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewWebsocketHandler(cfg WebsocketConfig, logger zerolog.Logger) *WebsocketHandler {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return &WebsocketHandler{
		cfg:     cfg,
		origins: origins,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{authSubprotocol},
			// Origins are checked before Upgrade so a rejection is a plain 403.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger.With().Str("handler", "websocket").Logger(),
	}
}

// originAllowed accepts requests without an Origin header (non-browser
// clients) and browser requests from the allowlist.
func (h *WebsocketHandler) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := h.origins[strings.TrimRight(origin, "/")]
	return ok
}

func (h *WebsocketHandler) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	if !h.originAllowed(r) {
		h.logger.Warn().Str("origin", r.Header.Get("Origin")).Str("path", r.URL.Path).Msg("websocket origin rejected")
		http.Error(w, "Origin not allowed", http.StatusForbidden)
		return nil, false
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("websocket upgrade failed")
		return nil, false
	}
	return ws, true
}

// userToken reads the access token from the cookie, falling back to the
// "auth, <jwt>" subprotocol pair browsers can set on a websocket.
func userToken(r *http.Request) string {
	if c, err := r.Cookie(accessTokenCookie); err == nil && c.Value != "" {
		return c.Value
	}
	protocols := websocket.Subprotocols(r)
	if len(protocols) >= 2 && protocols[0] == authSubprotocol {
		return protocols[1]
	}
	return ""
}

// Notifications serves the per-user notification channel.
func (h *WebsocketHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	token := userToken(r)
	ws, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	claims, err := h.cfg.Verifier.Verify(token)
	if err != nil {
		h.logger.Debug().Err(err).Msg("notification socket rejected")
		realtime.Reject(ws, realtime.ClosePolicyViolation, "authentication failed")
		return
	}

	active, err := h.cfg.Users.IsActive(r.Context(), claims.UserID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		h.logger.Error().Err(err).Str("user_id", claims.UserID).Msg("failed to check user")
		realtime.Reject(ws, registry.CloseInternalError, "internal error")
		return
	}
	if !active {
		realtime.Reject(ws, realtime.ClosePolicyViolation, "user not found or inactive")
		return
	}

	unread, err := h.cfg.Inbox.UnreadCount(r.Context(), claims.UserID)
	if err != nil {
		h.logger.Warn().Err(err).Str("user_id", claims.UserID).Msg("failed to count unread notifications")
	}

	conn := realtime.NewConn(ws, h.cfg.Options, h.logger)
	conn.Serve(h.cfg.BaseContext, h.cfg.UserRegistry, claims.UserID, models.Frame{
		Type: models.FrameConnected,
		Data: map[string]any{"user_id": claims.UserID, "unread_count": unread},
	})
}

// Game serves a game channel. The token must be issued for this game.
func (h *WebsocketHandler) Game(w http.ResponseWriter, r *http.Request) {
	gameID := strings.TrimSpace(mux.Vars(r)["gameID"])
	key, ok := delivery.ChannelKey(delivery.ChannelGame, gameID)
	if !ok {
		http.Error(w, "Game ID is required", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")
	ws, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	claims, err := h.cfg.Verifier.Verify(token)
	if err != nil || claims.PlayerID == "" {
		realtime.Reject(ws, realtime.ClosePolicyViolation, "authentication failed")
		return
	}
	if claims.RoomID != gameID {
		realtime.Reject(ws, realtime.ClosePolicyViolation, "token is not valid for this game")
		return
	}

	conn := realtime.NewConn(ws, h.cfg.Options, h.logger)
	conn.Serve(h.cfg.BaseContext, h.cfg.ChannelRegistry, key, models.Frame{
		Type: models.FrameConnected,
		Data: map[string]any{"game_id": gameID, "player_id": claims.PlayerID},
	})
}

// Room serves a lobby channel. Lobbies are public.
func (h *WebsocketHandler) Room(w http.ResponseWriter, r *http.Request) {
	roomID := strings.TrimSpace(mux.Vars(r)["roomID"])
	key, ok := delivery.ChannelKey(delivery.ChannelRoom, roomID)
	if !ok {
		http.Error(w, "Room ID is required", http.StatusBadRequest)
		return
	}
	ws, ok := h.upgrade(w, r)
	if !ok {
		return
	}

	conn := realtime.NewConn(ws, h.cfg.Options, h.logger)
	conn.Serve(h.cfg.BaseContext, h.cfg.ChannelRegistry, key, models.Frame{
		Type: models.FrameConnected,
		Data: map[string]any{"room_id": roomID},
	})
}
