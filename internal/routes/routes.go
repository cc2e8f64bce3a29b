package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/stanstork/notifyd/internal/authz"
	"github.com/stanstork/notifyd/internal/handlers"
	"github.com/stanstork/notifyd/internal/models"
)

// NewRouter sets up the API and websocket routes.
func NewRouter(
	verifier *authz.Verifier,
	health *handlers.HealthHandler,
	inbox *handlers.NotificationHandler,
	admin *handlers.AdminHandler,
	sockets *handlers.WebsocketHandler,
) *mux.Router {
	router := mux.NewRouter()

	// Health check route
	router.HandleFunc("/health", health.Check).Methods(http.MethodGet)

	// Websockets authenticate themselves after the upgrade.
	router.HandleFunc("/ws/notifications", sockets.Notifications).Methods(http.MethodGet)
	router.HandleFunc("/ws/game/{gameID}", sockets.Game).Methods(http.MethodGet)
	router.HandleFunc("/ws/room/{roomID}", sockets.Room).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(verifier.Middleware)

	api.HandleFunc("/notifications", inbox.List).Methods(http.MethodGet)
	api.HandleFunc("/notifications/unread-count", inbox.UnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/notifications/read-all", inbox.MarkAllRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/read-batch", inbox.MarkBatchRead).Methods(http.MethodPost)
	api.HandleFunc("/notifications/{notificationID}/read", inbox.MarkRead).Methods(http.MethodPost)

	adminRouter := api.PathPrefix("/admin").Subrouter()
	adminRouter.Use(authz.RequireRole(models.RoleAdmin))

	adminRouter.HandleFunc("/broadcasts", admin.CreateBroadcast).Methods(http.MethodPost)
	adminRouter.HandleFunc("/broadcasts", admin.ListBroadcasts).Methods(http.MethodGet)
	adminRouter.HandleFunc("/broadcasts/{broadcastID}", admin.GetBroadcast).Methods(http.MethodGet)
	adminRouter.HandleFunc("/broadcasts/{broadcastID}", admin.DeleteBroadcast).Methods(http.MethodDelete)
	adminRouter.HandleFunc("/broadcasts/{broadcastID}/resend", admin.ResendBroadcast).Methods(http.MethodPost)
	adminRouter.HandleFunc("/notifications", admin.SendNotification).Methods(http.MethodPost)
	adminRouter.HandleFunc("/channels/{kind}/{channelID}/events", admin.PublishChannelEvent).Methods(http.MethodPost)

	return router
}
