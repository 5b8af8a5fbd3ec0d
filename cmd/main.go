/**
 * @description
 * This file is the main entry point for the payments-service. It wires together
 * configuration, the Postgres store, the optional RabbitMQ producer and Redis
 * rate limiter, the ingest service, and the HTTP router, then runs the server
 * with graceful shutdown.
 *
 * RabbitMQ and Redis are both optional at startup: the webhook pipeline is the
 * system of record and must keep accepting payments when the event bus or the
 * throttle backend is down.
 */

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/nyumbani/payments-service/internal/api"
	"github.com/nyumbani/payments-service/internal/app"
	"github.com/nyumbani/payments-service/internal/config"
	"github.com/nyumbani/payments-service/internal/store"
	"github.com/nyumbani/payments-service/pkg/rabbitmq"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=main msg=\"could not load configuration\" err=%v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("level=fatal component=main msg=\"DATABASE_URL is required\"")
	}
	if len(cfg.AllowedIPs()) == 0 {
		log.Printf("level=warn component=main msg=\"MPESA_ALLOWED_IPS is empty; every webhook delivery will be rejected\"")
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=main msg=\"invalid DATABASE_URL\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	// Simple protocol keeps numeric round-trips text-based; amounts are scanned
	// through their text representation.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=main msg=\"unable to create connection pool\" err=%v", err)
	}
	defer dbpool.Close()
	if err := dbpool.Ping(ctx); err != nil {
		log.Fatalf("level=fatal component=main msg=\"unable to reach database\" err=%v", err)
	}
	log.Println("level=info component=main msg=\"database connection established\"")

	repo := store.NewPostgresRepository(dbpool)

	var producer rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=main msg=\"rabbitmq unavailable; outcome events will be skipped\" err=%v", err)
			producer = &rabbitmq.FallbackProducer{}
		} else {
			producer = eventProducer
		}
	} else {
		producer = &rabbitmq.FallbackProducer{}
	}
	defer producer.Close()

	var limiter *app.RedisWebhookRateLimiter
	if cfg.RedisURL != "" && cfg.WebhookRateLimitPerMinute > 0 {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Printf("level=warn component=main msg=\"invalid REDIS_URL; webhook throttle disabled\" err=%v", err)
		} else {
			redisClient := redis.NewClient(redisOpts)
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if err := redisClient.Ping(pingCtx).Err(); err != nil {
				log.Printf("level=warn component=main msg=\"redis unavailable; webhook throttle disabled\" err=%v", err)
			} else {
				limiter = app.NewRedisWebhookRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=main msg=\"webhook rate limiter enabled\"")
			}
			cancel()
		}
	}

	service := app.NewService(
		repo,
		producer,
		app.MatchPolicyFromConfig(cfg),
		cfg.ProviderLocation(),
		cfg.ReplayWindow(),
		cfg.EventsExchange,
	)

	handlers := api.NewPaymentHandlers(service, limiter, cfg.WebhookRateLimitPerMinute)
	sourceAuth := api.NewSourceAuthenticator(cfg.AllowedIPs(), cfg.ProxyTrust)
	operatorAuth := api.NewJWTAuthenticator(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)

	root := chi.NewRouter()
	root.Mount("/payments", api.NewRouter(handlers, sourceAuth, operatorAuth))

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: root,
	}

	go func() {
		log.Printf("level=info component=main msg=\"payments-service listening\" port=%s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=main msg=\"server failed\" err=%v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("level=info component=main msg=\"shutting down\"")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=main msg=\"forced shutdown\" err=%v", err)
	}
}
