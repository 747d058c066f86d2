package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Jstfire/bbbb-antrean-sub000/internal/config"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/events"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/httpapi"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/ident"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/lifecycle"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/links"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/logging"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/models"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/stats"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store/memory"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/store/postgres"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/telemetry"
	"github.com/Jstfire/bbbb-antrean-sub000/internal/tracking"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type backend interface {
	store.QueueStore
	store.LinkStore
	store.ReferenceStore
	store.AverageSource
}

func main() {
	cfg := config.Load()

	logger, err := logging.New(logging.ConfigFromEnv())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	shutdownTelemetry := telemetry.Setup("antrean", logger)

	var db backend
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		db = postgres.NewStore(pool)
	} else {
		logger.Warn("DB_DSN not set, using in-memory store")
		mem := memory.NewStore()
		if cfg.BootstrapAdminID != "" {
			mem.PutAdmin(models.Admin{AdminID: cfg.BootstrapAdminID, Name: "bootstrap", Role: models.RoleElevated})
		}
		db = mem
	}

	var publisher events.Publisher = events.LogPublisher{Logger: logger}
	if cfg.AMQPURL != "" {
		amqpPublisher := events.NewAMQPPublisher(cfg.AMQPURL, events.AMQPOptions{
			QueueName: cfg.EventsQueue,
			Logger:    logger.Named("events"),
		})
		defer func() { _ = amqpPublisher.Close() }()
		publisher = amqpPublisher
	}

	clock := clockwork.NewRealClock()
	ids := ident.UUID{}

	queues := lifecycle.NewManager(db, db, lifecycle.Options{
		Clock:     clock,
		Logger:    logger.Named("lifecycle"),
		Publisher: publisher,
		IDs:       ids,
	})
	linkManager := links.NewManager(db, queues, links.Options{
		Clock:  clock,
		TTL:    cfg.LinkTTL,
		Logger: logger.Named("links"),
		IDs:    ids,
	})

	redisClient := stats.NewRedisClient(context.Background(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	} else if cfg.RedisAddr != "" {
		logger.Warn("redis unavailable, stats cache disabled", zap.String("addr", cfg.RedisAddr))
	}
	provider := stats.NewCachedProvider(
		stats.NewStoreProvider(db, cfg.StatsWindow, cfg.DefaultServiceMinutes, clock),
		redisClient,
		cfg.StatsCacheTTL,
		logger.Named("stats"),
	)

	tracker := tracking.NewTracker(db, db, db, provider, tracking.Options{
		Clock:        clock,
		Logger:       logger.Named("tracking"),
		PollInterval: cfg.TrackPollInterval,
	})

	handler := httpapi.NewHandler(queues, linkManager, tracker, db, httpapi.Options{
		Clock:  clock,
		IDs:    ids,
		Logger: logger.Named("http"),
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute:         cfg.RateLimitPerMinute,
		Burst:             cfg.RateLimitBurst,
		TrackPerMinute:    cfg.TrackRateLimitPerMin,
		TrackBurst:        cfg.TrackRateLimitBurst,
		TrustForwardedFor: cfg.TrustProxyHeaders,
		Clock:             clock,
	})
	if cfg.JWTSecret == "" {
		logger.Warn("JWT_SECRET not set, staff endpoints will reject every request")
	}

	routes := httpapi.AuthMiddleware(cfg.JWTSecret, db, handler.Routes())
	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger.Named("http"), limiter.Middleware(routes)), "antrean")

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("antrean listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if err := shutdownTelemetry(ctx); err != nil {
		logger.Error("telemetry shutdown error", zap.Error(err))
	}
}
