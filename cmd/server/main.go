package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	"github.com/stanstork/notifyd/internal/authz"
	"github.com/stanstork/notifyd/internal/broadcast"
	"github.com/stanstork/notifyd/internal/bus"
	"github.com/stanstork/notifyd/internal/config"
	"github.com/stanstork/notifyd/internal/delivery"
	"github.com/stanstork/notifyd/internal/handlers"
	"github.com/stanstork/notifyd/internal/middleware"
	"github.com/stanstork/notifyd/internal/migration"
	"github.com/stanstork/notifyd/internal/notification"
	"github.com/stanstork/notifyd/internal/realtime"
	"github.com/stanstork/notifyd/internal/registry"
	"github.com/stanstork/notifyd/internal/repository"
	"github.com/stanstork/notifyd/internal/routes"
	"github.com/stanstork/notifyd/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

type application struct {
	config *config.Config
	db     *sql.DB
	logger zerolog.Logger

	bus      *bus.Client
	consumer *bus.Consumer
	users    *registry.Registry
	channels *registry.Registry

	notifications notification.Service
	broadcasts    *broadcast.Manager
	outbox        *worker.OutboxProcessor
}

func main() {
	// Set up structured, level-based logging.
	consoleWriter := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	logger := zerolog.New(consoleWriter).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.SetFlags(0)
	log.SetOutput(logger)

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Log.Level); err == nil && level != zerolog.NoLevel {
		zerolog.SetGlobalLevel(level)
	}

	// Initialize database connection.
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to the database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to ping database")
	}

	// Run database migrations.
	if err := migration.RunMigrations(db, logger); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run migrations")
	}

	transport, err := newTransport(cfg, db, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Bus.Driver).Msg("Failed to set up message bus")
	}

	app := &application{
		config:   cfg,
		db:       db,
		logger:   logger,
		bus:      bus.NewClient(transport, cfg.Bus.PollTimeout, logger),
		users:    registry.New("users", logger),
		channels: registry.New("channels", logger),
	}
	defer app.bus.Close()

	app.initServices()

	// Server-lifetime context: cancelling it closes every live socket and
	// stops the background loops.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app.consumer.Start(ctx)
	go app.broadcasts.WatchStale(ctx)
	outboxCtx, stopOutbox := context.WithCancel(ctx)
	outboxDone := make(chan struct{})
	go func() {
		defer close(outboxDone)
		if err := app.outbox.Start(outboxCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("Outbox processor exited")
		}
	}()

	// Initialize the HTTP router and middleware.
	router := app.initRouter(ctx)
	loggedRouter := middleware.LoggingMiddleware(app.logger)(router)
	corsHandler := h.CORS(
		h.AllowedOrigins(cfg.AllowedOrigins),
		h.AllowedMethods([]string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
		h.AllowedHeaders([]string{"Content-Type", "Authorization"}),
		h.AllowCredentials(),
	)(loggedRouter)
	recovered := h.RecoveryHandler(h.RecoveryLogger(log.Default()), h.PrintRecoveryStack(true))(corsHandler)

	// Start the HTTP server and handle graceful shutdown.
	app.startServer(recovered, func() {
		logger.Info().Msg("Closing live connections...")
		app.users.CloseAll(registry.CloseGoingAway, "server shutting down")
		app.channels.CloseAll(registry.CloseGoingAway, "server shutting down")

		logger.Info().Msg("Stopping bus consumer...")
		app.consumer.Stop()

		logger.Info().Msg("Stopping outbox processor...")
		stopOutbox()
		<-outboxDone

		logger.Info().Msg("Waiting for in-flight broadcasts...")
		app.broadcasts.Wait()
		cancel()
	})

	logger.Info().Msg("Application terminated.")
}

func newTransport(cfg *config.Config, db *sql.DB, logger zerolog.Logger) (bus.Transport, error) {
	switch cfg.Bus.Driver {
	case "redis":
		bus.UseRedisLogger(logger)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return bus.NewRedisTransport(ctx, cfg.Bus.RedisURL)
	case "postgres":
		return bus.NewPostgresTransport(db, cfg.DatabaseURL, logger), nil
	default:
		logger.Warn().Msg("Using the in-memory bus; live delivery will not cross instances")
		return bus.NewMemoryTransport(256), nil
	}
}

// initServices builds the delivery pipeline: the consumer feeding both
// registries, the notification service, the outbox processor and the
// broadcast manager.
func (app *application) initServices() {
	cfg := app.config

	app.consumer = bus.NewConsumer(app.bus, app.logger)
	app.consumer.Handle(cfg.Bus.UserTopic, delivery.NewRouter(app.users, app.logger).Handle)
	app.consumer.Handle(cfg.Bus.ChannelTopic, delivery.NewRouter(app.channels, app.logger).Handle)

	notificationRepo := repository.NewNotificationRepository(app.db)
	app.notifications = notification.NewService(notificationRepo, app.bus, notification.Topics{
		User:    cfg.Bus.UserTopic,
		Channel: cfg.Bus.ChannelTopic,
	}, app.logger)

	app.outbox = worker.NewOutboxProcessor(worker.OutboxConfig{
		Repo:          repository.NewOutboxRepository(app.db),
		Publisher:     app.bus,
		Topic:         cfg.Bus.UserTopic,
		PollInterval:  cfg.Outbox.PollInterval,
		BatchSize:     cfg.Outbox.BatchSize,
		MaxAttempts:   cfg.Outbox.MaxAttempts,
		RetryBase:     cfg.Outbox.RetryBase,
		RetryCap:      cfg.Outbox.RetryCap,
		DispatchLease: cfg.Outbox.DispatchLease,
		AckRetention:  cfg.Outbox.AckRetention,
	}, app.logger)

	app.broadcasts = broadcast.NewManager(
		repository.NewBroadcastRepository(app.db),
		repository.NewUserRepository(app.db),
		app.bus,
		broadcast.Config{
			ChunkSize:  cfg.Broadcast.ChunkSize,
			Workers:    cfg.Broadcast.Workers,
			UserTopic:  cfg.Bus.UserTopic,
			StaleAfter: cfg.Broadcast.StaleAfter,
		},
		app.logger,
	)
}

// initRouter sets up all HTTP handlers and returns the router.
func (app *application) initRouter(ctx context.Context) http.Handler {
	verifier := authz.NewVerifier(app.config.JWTSecret)

	healthHandler := handlers.NewHealthHandler(app.consumer, []string{app.config.Bus.UserTopic, app.config.Bus.ChannelTopic}, app.users, app.channels)
	inboxHandler := handlers.NewNotificationHandler(app.notifications, app.logger)
	adminHandler := handlers.NewAdminHandler(app.broadcasts, app.notifications, app.logger)
	socketHandler := handlers.NewWebsocketHandler(handlers.WebsocketConfig{
		Verifier:        verifier,
		Users:           repository.NewUserRepository(app.db),
		Inbox:           app.notifications,
		UserRegistry:    app.users,
		ChannelRegistry: app.channels,
		AllowedOrigins:  app.config.AllowedOrigins,
		Options: realtime.Options{
			WriteTimeout: app.config.Websocket.WriteTimeout,
			PingInterval: app.config.Websocket.PingInterval,
			ReadLimit:    app.config.Websocket.ReadLimit,
		},
		BaseContext: ctx,
	}, app.logger)

	return routes.NewRouter(verifier, healthHandler, inboxHandler, adminHandler, socketHandler)
}

// startServer launches the HTTP server and handles graceful shutdown. Once
// the server has stopped accepting requests, drain runs the remaining
// shutdown steps in order.
func (app *application) startServer(handler http.Handler, drain func()) {
	logger := app.logger
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server. Hijacked websockets are not
	// tracked by Shutdown; drain closes them.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server shutdown complete.")
	}

	drain()
}
