package main

import (
	"context"
	"os/signal"
	"syscall"

	"otpattend/internal/attendance"
	"otpattend/internal/config"
	"otpattend/internal/log"
	"otpattend/internal/queue"
	"otpattend/internal/store"
)

// Worker consumes accepted redemptions and writes them to the attendance ledger.
func main() {
	cfg := config.Load()
	log.SetLevel(cfg.LogLevel)
	if cfg.QueueBackend != config.BackendRedis {
		log.Fatal().Str("queue", cfg.QueueBackend).Msg("worker needs QUEUE_BACKEND=redis; the api drains in-memory queues itself")
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect failed")
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("db migrate failed")
	}

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()
	if !redisClient.Healthy(ctx) {
		log.Warn().Str("addr", cfg.RedisAddr).Msg("redis not reachable yet, consumer will keep retrying")
	}

	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	repo := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("queue consume init failed")
	}

	log.Info().Str("queue", cfg.QueueKey).Msg("worker started, waiting for messages")
	processed := attendance.Drain(ctx, messages, repo)
	log.Info().Int("processed", processed).Msg("worker stopped")
}
