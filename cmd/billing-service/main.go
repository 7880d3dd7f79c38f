package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/Dhoini/fleet-billing/internal/api/rest"
	"github.com/Dhoini/fleet-billing/internal/api/rest/handlers"
	"github.com/Dhoini/fleet-billing/internal/api/rest/middleware"
	"github.com/Dhoini/fleet-billing/internal/catalog"
	"github.com/Dhoini/fleet-billing/internal/config"
	"github.com/Dhoini/fleet-billing/internal/db"
	"github.com/Dhoini/fleet-billing/internal/kafka"
	"github.com/Dhoini/fleet-billing/internal/metrics"
	"github.com/Dhoini/fleet-billing/internal/repository"
	"github.com/Dhoini/fleet-billing/internal/service"
	"github.com/Dhoini/fleet-billing/internal/stripe"
	"github.com/Dhoini/fleet-billing/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.New(logger.INFO).Fatalw("Failed to load configuration", "error", err)
	}

	log := logger.New(logger.ParseLevel(cfg.Logging.Level))
	defer func() { _ = log.Sync() }()
	log.Infow("Billing service starting up", "env", cfg.App.Env)

	if cfg.Stripe.APIKey == "" {
		log.Warnw("Stripe API key is not set, provider calls will fail")
	}
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	prices, err := catalog.FromConfig(cfg)
	if err != nil {
		log.Fatalw("Invalid price catalog", "error", err)
	}
	if len(prices.Entries()) == 0 {
		log.Warnw("No prices configured, checkouts and plan changes will be rejected")
	}

	checks := map[string]handlers.Pinger{}

	// Storage: PostgreSQL when a DSN is configured, otherwise in memory.
	var (
		store   repository.SubscriptionStore
		history repository.HistoryStore
		pool    *pgxpool.Pool
		sqlDB   *sqlx.DB
	)
	if cfg.Database.DSN != "" {
		pool, err = db.NewPool(ctx, cfg.Database.DSN, log)
		if err != nil {
			log.Fatalw("Failed to connect to database", "error", err)
		}
		if err := db.Migrate(ctx, pool, log); err != nil {
			log.Fatalw("Failed to apply migrations", "error", err)
		}
		sqlDB, err = db.Connect(ctx, cfg.Database.DSN, log)
		if err != nil {
			log.Fatalw("Failed to open history connection", "error", err)
		}
		store = repository.NewPostgresSubscriptionStore(pool, log)
		history = repository.NewPostgresHistoryRepository(sqlDB, log)
		checks["postgres"] = pool.Ping
	} else {
		log.Warnw("Database DSN is empty, using in-memory storage")
		store = repository.NewInMemorySubscriptionStore(log)
		history = repository.NewInMemoryHistoryStore()
	}

	// Redis fronts the store and deduplicates webhook deliveries when available.
	var dedup repository.EventDeduplicator = repository.NewInMemoryEventDeduplicator()
	var redisCache *repository.RedisCache
	if cfg.Redis.Addr != "" {
		client, err := repository.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.Warnw("Failed to initialize Redis cache, continuing without caching", "error", err)
		} else {
			redisCache = repository.NewRedisCache(client, cfg.Redis.CacheTTL, log)
			store = repository.NewCachedSubscriptionStore(store, redisCache, log)
			dedup = redisCache
			checks["redis"] = redisPinger(client)
			log.Infow("Using cached subscription store")
		}
	}

	// Lifecycle events go to Kafka when enabled.
	var producer kafka.Producer = kafka.NewNopProducer(log)
	if cfg.Kafka.Enabled {
		if err := kafka.EnsureKafkaTopics(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic, log); err != nil {
			log.Warnw("Failed to ensure Kafka topics", "error", err)
		}
		p, err := kafka.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		if err != nil {
			log.Errorw("Failed to initialize Kafka producer, continuing without event publishing", "error", err)
		} else {
			producer = p
			log.Infow("Kafka producer initialized", "topic", cfg.Kafka.Topic)
		}
	}

	registry := metrics.NewRegistry()
	systemMetrics := metrics.NewSystemMetrics(registry, log)
	systemMetrics.StartRecording(15 * time.Second)

	stripeClient := stripe.NewStripeClient(cfg.Stripe.APIKey, cfg.Stripe.WebhookSecret, log)

	svc := service.NewSubscriptionService(store, stripeClient, prices, service.Options{
		IdempotencyWindow: cfg.Billing.IdempotencyWindow,
		DefaultTrialDays:  cfg.Billing.TrialDays,
	}, log,
		service.WithHistory(history),
		service.WithDeduplicator(dedup),
		service.WithPublisher(producer),
		service.WithMetrics(metrics.NewSubscriptionMetrics(registry)),
	)

	var auth gin.HandlerFunc
	if cfg.Auth.JWTSecret != "" {
		jwtMiddleware := middleware.NewJWTMiddleware(log, &middleware.HMACTokenValidator{Secret: []byte(cfg.Auth.JWTSecret)})
		auth = jwtMiddleware.RequireAuth(cfg.Auth.Scope)
	} else {
		log.Warnw("Auth JWT secret is not set, the subscription API is unauthenticated")
	}

	router := rest.SetupRouter(log, rest.RouterDeps{
		Service:  svc,
		Webhooks: stripeClient,
		Registry: registry,
		Checks:   checks,
		Auth:     auth,
	})
	server := rest.NewServer(router, cfg.App.Port, log)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalw("Failed to start HTTP server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Infow("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("HTTP server shutdown error", "error", err)
	} else {
		log.Infow("HTTP server gracefully stopped")
	}

	// In-flight event publishes finish before the producer closes.
	svc.Wait()
	if err := producer.Close(); err != nil {
		log.Errorw("Error closing Kafka producer", "error", err)
	}
	systemMetrics.Stop()

	if redisCache != nil {
		if err := redisCache.Close(); err != nil {
			log.Errorw("Error closing Redis connection", "error", err)
		}
	}
	if sqlDB != nil {
		if err := sqlDB.Close(); err != nil {
			log.Errorw("Error closing database connection", "error", err)
		}
	}
	if pool != nil {
		pool.Close()
	}

	log.Infow("Cleanup finished. Goodbye!")
}

// redisPinger adapts a go-redis client to a readiness check.
func redisPinger(client *redis.Client) handlers.Pinger {
	return func(ctx context.Context) error { return client.Ping(ctx).Err() }
}
