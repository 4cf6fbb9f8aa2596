package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/uniconnect/dispatch/internal/circuitbreaker"
	"github.com/uniconnect/dispatch/internal/config"
	"github.com/uniconnect/dispatch/internal/db"
	"github.com/uniconnect/dispatch/internal/observ"
	"github.com/uniconnect/dispatch/internal/redis"
	"github.com/uniconnect/dispatch/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting dispatch worker",
		zap.String("env", cfg.Env),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("email_provider", cfg.EmailProvider),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer redisClient.Close()

	queue := redis.NewDispatchQueue(redisClient, redis.QueueConfig{
		VisibilityTimeout:   cfg.QueueVisibilityTimeout,
		MaintenanceInterval: cfg.QueueMaintenanceInterval,
	}, logger)

	var sender worker.MailboxSender
	switch cfg.EmailProvider {
	case "ses":
		sesSender, err := worker.NewSESSender(ctx, worker.SESConfig{
			Region: cfg.AWSRegion,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create SES sender: %w", err)
		}
		breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("ses"), logger)
		sender = circuitbreaker.NewProtectedSender(sesSender, breaker, logger)
	default:
		sender = worker.NewLogSender(logger)
	}

	pool := worker.NewPool(repo, queue, sender, worker.Config{
		Concurrency:   cfg.WorkerConcurrency,
		MaxAttempts:   cfg.SendMaxAttempts,
		BackoffBase:   cfg.SendBackoffBase,
		PublicBaseURL: cfg.PublicBaseURL,
	}, logger)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go queue.StartMaintenance(runCtx)

	done := make(chan struct{})
	go func() {
		pool.Run(runCtx)
		close(done)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	sig := <-shutdown
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	<-done

	logger.Info("worker stopped gracefully")
	return nil
}
