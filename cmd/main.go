/**
 * @description
 * This is the main entry point for the custody-service. It loads configuration,
 * opens the selected storage backend, ensures the custody wallet exists with the
 * configured approver set, and starts the HTTP server, the deposit consumer, the
 * outbox dispatcher and the scheduled jobs.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Rate limiter backend.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
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
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/custody-service/internal/api"
	"github.com/transfa/custody-service/internal/app"
	"github.com/transfa/custody-service/internal/config"
	"github.com/transfa/custody-service/internal/domain"
	"github.com/transfa/custody-service/internal/store"
	rmrabbit "github.com/transfa/custody-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	policy, err := cfg.Policy()
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid approver configuration\" err=%v", err)
	}
	log.Printf("level=info component=bootstrap msg=\"starting custody-service\" port=%s storage=%s wallet_id=%s approvers=%d quorum=%d",
		cfg.ServerPort, cfg.StorageDriver, cfg.WalletID, len(policy.Approvers()), policy.Quorum())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repository, closeRepository := openRepository(ctx, cfg)
	defer closeRepository()

	if err := repository.EnsureWallet(ctx, policy); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"custody wallet check failed\" wallet_id=%s err=%v", cfg.WalletID, err)
	}

	custodyService := app.NewService(repository)
	if redisClient := connectRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		custodyService.SetRateLimiter(app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix), cfg.ApprovalRatePerMin)
	}

	if dispatcher := newOutboxDispatcher(cfg, repository); dispatcher != nil {
		go dispatcher.Run(ctx)
	}

	if cfg.RabbitMQURL != "" {
		consumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if err != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; deposit events disabled\" err=%v", err)
		} else {
			defer consumer.Close()
			depositConsumer := app.NewDepositConsumer(custodyService)
			bindings := map[string]rmrabbit.Handler{
				domain.RoutingKeyInboundDeposit: depositConsumer.HandleMessage,
			}
			if err := consumer.ConsumeWithBindings(cfg.DepositExchange, cfg.DepositQueue, bindings); err != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"deposit consumer start failed\" err=%v", err)
			}
			log.Printf("level=info component=bootstrap msg=\"deposit consumer started\" queue=%s", cfg.DepositQueue)
		}
	}

	jobLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "scheduler")
	jobs := app.NewJobs(repository, jobLogger, time.Duration(cfg.OutboxRetentionHours)*time.Hour)
	scheduler := app.NewScheduler(jobs, jobLogger, cfg.LedgerAuditSchedule, cfg.OutboxPurgeSchedule)
	scheduler.Start()

	if cfg.JWKSURL == "" && cfg.JWTHMACSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"no token verification configured; transfer creation and approval are disabled\" env=JWKS_URL")
	}
	handlers := api.NewCustodyHandlers(custodyService)
	router := api.CustodyRoutes(handlers, api.AuthConfig{
		JWKSURL:    cfg.JWKSURL,
		Audience:   cfg.JWTAudience,
		Issuer:     cfg.JWTIssuer,
		HMACSecret: cfg.JWTHMACSecret,
	}, cfg.AllowedOrigins())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()
	cancel()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

// openRepository returns the configured storage backend and its cleanup function.
func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func()) {
	if cfg.StorageDriver == config.StorageDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"using in-memory storage; state is lost on restart\"")
		return store.NewMemoryRepository(cfg.WalletID, cfg.EventExchange), func() {}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	if err := store.RunMigrations(ctx, dbpool); err != nil {
		dbpool.Close()
		log.Fatalf("level=fatal component=bootstrap msg=\"database migration failed\" err=%v", err)
	}
	return store.NewPostgresRepository(dbpool, cfg.WalletID, cfg.EventExchange), dbpool.Close
}

// connectRedis returns nil when rate limiting is disabled or Redis is unreachable.
func connectRedis(cfg config.Config) *redis.Client {
	if cfg.ApprovalRatePerMin <= 0 {
		return nil
	}
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; approval rate limiting disabled\" env=REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; approval rate limiting disabled\" err=%v", err)
		return nil
	}
	client := redis.NewClient(options)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; approval rate limiting disabled\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}

// newOutboxDispatcher relays events to RabbitMQ. Without a broker, Postgres
// keeps events pending until one is configured; the in-memory outbox is
// drained through the no-op publisher.
func newOutboxDispatcher(cfg config.Config, repository store.Repository) *app.OutboxDispatcher {
	if cfg.RabbitMQURL != "" {
		return app.NewOutboxDispatcher(repository, cfg.RabbitMQURL)
	}
	if cfg.StorageDriver == config.StorageDriverMemory {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; events are dropped\" env=RABBITMQ_URL")
		return app.NewOutboxDispatcherWithConnector(repository, func() (rmrabbit.Publisher, error) {
			return &rmrabbit.EventProducerFallback{}, nil
		})
	}
	log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; events stay in the outbox\" env=RABBITMQ_URL")
	return nil
}
