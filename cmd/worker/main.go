// Package main is the stockledger background worker. It relays committed
// ledger facts from the transactional outbox to Redis pub/sub and purges
// delivered messages past the retention window.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"stockledger/internal/infrastructure/cache"
	"stockledger/internal/infrastructure/storage/postgres"
	"stockledger/pkg/logger"
)

const factChannelPrefix = "stockledger:facts:"

func main() {
	log, err := logger.New(logger.Config{
		Level:       getEnv("LOG_LEVEL", "info"),
		Development: getEnv("APP_ENV", "development") == "development",
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	log.Info("starting stockledger worker")

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(mustEnv("DATABASE_URL")))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	redisClient, err := cache.Connect(ctx, cache.Config{
		Addr:     mustEnv("REDIS_ADDR"),
		Password: getEnv("REDIS_PASSWORD", ""),
		DB:       envInt("REDIS_DB", 0),
		PoolSize: envInt("REDIS_POOL_SIZE", 10),
	})
	if err != nil {
		log.Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	batchSize := envInt("OUTBOX_BATCH_SIZE", 100)
	relay := postgres.NewOutboxRelay(pool.Unwrap(), batchSize, &redisHandler{client: redisClient})

	worker := &relayWorker{
		relay:        relay,
		pool:         pool,
		log:          log.WithComponent("outbox_relay"),
		pollInterval: envDuration("OUTBOX_POLL_INTERVAL", 500*time.Millisecond),
		retention:    envDuration("OUTBOX_RETENTION", 72*time.Hour),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.run(ctx)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()
	wg.Wait()
	log.Info("worker stopped")
}

// relayWorker polls the outbox and periodically purges delivered facts.
type relayWorker struct {
	relay        *postgres.OutboxRelay
	pool         *postgres.Pool
	log          *logger.Logger
	pollInterval time.Duration
	retention    time.Duration
}

func (w *relayWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	purgeTicker := time.NewTicker(1 * time.Hour)
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			processed, err := w.relay.ProcessBatch(ctx)
			if err != nil {
				w.log.Errorw("outbox batch failed", "error", err)
				continue
			}
			if processed > 0 {
				w.log.Debugw("relayed outbox batch", "count", processed)
			}

		case <-purgeTicker.C:
			postgres.LogPoolStats(ctx, w.pool.Unwrap())
			purged, err := w.relay.PurgePublished(ctx, w.retention)
			if err != nil {
				w.log.Errorw("outbox purge failed", "error", err)
				continue
			}
			if purged > 0 {
				w.log.Infow("purged delivered outbox messages", "count", purged)
			}
		}
	}
}

// redisHandler publishes outbox messages to a per-tenant Redis channel.
type redisHandler struct {
	client *redis.Client
}

func (h *redisHandler) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	envelope, err := json.Marshal(map[string]any{
		"id":          msg.ID,
		"eventType":   msg.EventType,
		"aggregateId": msg.AggregateID,
		"payload":     json.RawMessage(msg.Payload),
		"occurredAt":  msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal fact envelope: %w", err)
	}

	channel := factChannelPrefix + msg.TenantID.String()
	if err := h.client.Publish(ctx, channel, envelope).Err(); err != nil {
		return fmt.Errorf("publish fact: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		fmt.Printf("required environment variable %s not set\n", key)
		os.Exit(1)
	}
	return value
}

func envInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue
	}
	return v
}
