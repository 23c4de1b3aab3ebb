package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/config"
	"github.com/cuongbtq/async-batch-daemon/internal/jobs"
	"github.com/cuongbtq/async-batch-daemon/internal/runner"
	"github.com/cuongbtq/async-batch-daemon/internal/worker"
	"github.com/cuongbtq/async-batch-daemon/shared/logger"
	"github.com/cuongbtq/async-batch-daemon/shared/rabbitmq"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	workerID := uuid.NewString()
	logger := appLogger.Logger.With(slog.String("worker_id", workerID))

	logger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	registry := runner.NewRegistry(logger, nil)
	if err := jobs.Register(registry, jobs.Options{
		Logger:        logger,
		ShellCommands: cfg.Runner.ShellCommands,
	}); err != nil {
		return err
	}
	registry.MarkRunning()

	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	deliveries, err := rabbitClient.Consume(rabbitmq.ConsumeConfig{
		Queue:       cfg.RabbitMQ.Queue.Name,
		Durable:     cfg.RabbitMQ.Queue.Durable,
		BindingKey:  bindingKey(cfg.RabbitMQ.RoutingKeyPrefix),
		Prefetch:    cfg.RabbitMQ.Queue.Prefetch,
		ConsumerTag: workerID,
	})
	if err != nil {
		return err
	}

	pool := worker.NewPool(cfg.RabbitMQ.Queue.Prefetch, logger)
	consumer, err := worker.NewConsumer(&worker.ConsumerConfig{
		Logger:   logger.With(slog.String("component", "consumer")),
		Executor: registry,
		Pool:     pool,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Worker service started successfully",
		slog.Any("jobs", registry.JobNames()),
		slog.Int("concurrency", pool.Size()),
	)

	consumer.Run(ctx, deliveries)

	logger.Info("Draining running jobs", slog.Int("in_flight", pool.InFlight()))
	if !pool.Shutdown(cfg.Daemon.JobAwaitTermination) {
		logger.Warn("Worker shutdown timeout exceeded, running jobs were canceled")
	}
	registry.LogSummary()

	logger.Info("Worker service shutdown complete")
	return nil
}

// bindingKey matches every launch routed under prefix
func bindingKey(prefix string) string {
	if prefix == "" {
		return "#"
	}
	return prefix + ".#"
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	return rabbitmq.NewClient(ctx, &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
	}, logger)
}
