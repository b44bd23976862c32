/**
 * @description
 * This is the main entry point for the outgoing-payment-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * collaborator clients, message brokers, the payment worker scheduler and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Shared rate-limit counters.
 * - github.com/prometheus/client_golang: Worker and lifecycle metrics.
 * - internal/api, internal/app, internal/config, internal/store, internal/telemetry.
 * - pkg/*client: Clients for the accounting, payment-method, receiver and quote services.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/outgoing-payment-service/internal/api"
	"github.com/transfa/outgoing-payment-service/internal/app"
	"github.com/transfa/outgoing-payment-service/internal/config"
	"github.com/transfa/outgoing-payment-service/internal/store"
	"github.com/transfa/outgoing-payment-service/internal/telemetry"
	"github.com/transfa/outgoing-payment-service/pkg/accountingclient"
	"github.com/transfa/outgoing-payment-service/pkg/paymentclient"
	"github.com/transfa/outgoing-payment-service/pkg/quoteclient"
	rmrabbit "github.com/transfa/outgoing-payment-service/pkg/rabbitmq"
	"github.com/transfa/outgoing-payment-service/pkg/receiverclient"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment variables\"")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.GrantTokenSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"grant token secret must be configured\" env=GRANT_TOKEN_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting outgoing-payment-service\" port=%s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	var redisClient *redis.Client
	if cfg.CreateRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; create rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; create rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; create rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)

	repository := store.NewPostgresRepository(dbpool)

	service := app.NewService(
		repository,
		accountingclient.NewClient(cfg.AccountingServiceURL, cfg.AccountingServiceInternalAPIKey),
		receiverclient.NewClient(cfg.ReceiverServiceURL, cfg.InternalAPIKey),
		quoteclient.NewClient(cfg.QuoteServiceURL, cfg.InternalAPIKey),
		paymentclient.NewClient(cfg.PaymentMethodServiceURL, cfg.InternalAPIKey),
		logger,
	)
	service.Configure(app.ServiceConfig{
		MaxStateAttempts:         cfg.WorkerMaxStateAttempts,
		GrantLockTimeout:         cfg.GrantLockTimeout(),
		CreateRateLimitPerMinute: cfg.CreateRateLimitPerMinute,
	})
	service.SetMetrics(metrics)
	if redisClient != nil {
		service.SetRateLimiter(app.NewRedisCreateLimiter(redisClient, cfg.RedisRateLimitPrefix))
	}

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	dispatcher := app.NewOutboxDispatcher(repository, cfg.RabbitMQURL, cfg.WebhookExchange)
	go dispatcher.Run(backgroundCtx)

	scheduler := app.NewScheduler(service.Worker(), logger.With("component", "scheduler"), app.SchedulerConfig{
		Schedule:   cfg.WorkerSchedule,
		Workers:    cfg.WorkerCount,
		BatchLimit: cfg.WorkerBatchLimit,
	})
	scheduler.Start()

	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL, cfg.ConsumerPrefetch)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	fundingConsumer := service.FundingConsumer()
	fundingBindings := map[string]func([]byte) bool{
		app.FundingRoutingKey: fundingConsumer.HandleMessage,
	}
	if err := rabbitConsumer.ConsumeWithBindings(cfg.FundingEventExchange, cfg.FundingEventQueue, fundingBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"funding consumer start failed\" err=%v", err)
	}

	handlers := api.NewOutgoingPaymentHandlers(service)
	router := api.NewRouter(handlers, api.RouterConfig{
		GrantTokenSecret: cfg.GrantTokenSecret,
		InternalAPIKey:   cfg.InternalAPIKey,
		Metrics:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	schedulerDone := scheduler.Stop()
	select {
	case <-schedulerDone.Done():
	case <-ctx.Done():
		log.Println("level=warn component=scheduler msg=\"workers did not stop before timeout\"")
	}
	stopBackground()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
