/**
 * @description
 * This is the main entry point for the transfer-service. It is responsible for
 * initializing all components of the service: configuration, database
 * connection, the ledger gateway client, the message broker, the saga state
 * machine, step executor and event dispatcher, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient: Client for the account ledger service.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stocktrader/transfer-service/internal/api"
	"github.com/stocktrader/transfer-service/internal/app"
	"github.com/stocktrader/transfer-service/internal/config"
	"github.com/stocktrader/transfer-service/internal/store"
	"github.com/stocktrader/transfer-service/pkg/ledgerclient"
	"github.com/stocktrader/transfer-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting transfer-service\" port=%s partitions=%d", cfg.ServerPort, cfg.DispatchPartitions)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
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

	// Initialize the RabbitMQ producer for terminal status events. A missing
	// broker should not keep money from moving, so fall back to a no-op.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the account ledger service.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey)

	// Initialize the data access layer, the state machine, and the service.
	repository := store.NewPostgresRepository(dbpool)
	machine := app.NewMachine(repository, producer)
	transferService := app.NewService(repository, machine)

	// Optional Redis-backed initiation rate limiting.
	if cfg.InitiateRateLimit > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; initiation rate limiting disabled\" env=REDIS_URL")
		} else if redisOptions, parseErr := redis.ParseURL(cfg.RedisURL); parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; initiation rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; initiation rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				transferService.SetInitiationRateLimiter(
					app.NewRedisInitiationRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
					cfg.InitiateRateLimit,
				)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Start the saga: the dispatcher feeds the step executor from the event log.
	executor := app.NewStepExecutor(ledgerClient, machine)
	dispatcher := app.NewDispatcher(
		repository,
		executor,
		cfg.DispatchPartitions,
		time.Duration(cfg.DispatchPollMillis)*time.Millisecond,
		cfg.DispatchBatchSize,
	)
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	dispatcher.Start(dispatcherCtx)

	// Wire up the asynchronous initiation channel from the message bus.
	requestConsumer := app.NewTransferRequestConsumer(transferService)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; bus initiation disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		requestBindings := map[string]func([]byte) bool{
			"transfer.request.initiate": requestConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(rabbitmq.TransferEventsExchange, cfg.TransferRequestQueue, requestBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"transfer request consumer start failed\" err=%v", err)
		}
	}

	// Set up the HTTP router and define the API routes.
	transferHandlers := api.NewTransferHandlers(transferService)
	router := chi.NewRouter()
	router.Mount("/transfers", api.TransferRoutes(transferHandlers, cfg.InternalAPIKey))

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

	// Let in-flight saga steps finish; anything interrupted before its cursor
	// write is redelivered on the next start.
	dispatcher.Stop()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
