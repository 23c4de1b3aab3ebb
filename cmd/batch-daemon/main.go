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
	"github.com/cuongbtq/async-batch-daemon/internal/daemon"
	"github.com/cuongbtq/async-batch-daemon/internal/database"
	"github.com/cuongbtq/async-batch-daemon/internal/jobs"
	"github.com/cuongbtq/async-batch-daemon/internal/runner"
	"github.com/cuongbtq/async-batch-daemon/internal/worker"
	"github.com/cuongbtq/async-batch-daemon/internal/worker/storage"
	"github.com/cuongbtq/async-batch-daemon/shared/logger"
	"github.com/cuongbtq/async-batch-daemon/shared/rabbitmq"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [config-path]\n", os.Args[0])
	}
	flag.Parse()

	cfg, err := config.Load(config.ResolvePath(flag.Args()))
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return daemon.ExitFailure
	}

	if err := cfg.ValidateDaemonConfig(); err != nil {
		log.Printf("invalid config: %v", err)
		return daemon.ExitFailure
	}

	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		log.Printf("failed to initialize logger: %v", err)
		return daemon.ExitFailure
	}
	defer appLogger.Close()

	logger := appLogger.Logger.With(slog.String("instance_id", uuid.NewString()))

	logger.Info("Starting batch daemon",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("runner_mode", cfg.Runner.Mode),
	)

	db, closeDB, err := database.Open(context.Background(), &cfg.Database, logger)
	if err != nil {
		logger.Error("Failed to initialize database", slog.Any("error", err))
		return daemon.ExitFailure
	}
	defer closeDB()

	store := storage.NewStorage(db, logger)

	launcher, closeRunner, err := initRunner(cfg, store, logger)
	if err != nil {
		logger.Error("Failed to initialize job runner", slog.Any("error", err))
		return daemon.ExitFailure
	}
	defer closeRunner()

	pool := worker.NewPool(cfg.Daemon.JobConcurrencyNum, logger)

	dispatcher, err := worker.NewDispatcher(&worker.Config{
		Logger:           logger.With(slog.String("component", "dispatcher")),
		Store:            store,
		Runner:           launcher,
		Registry:         launcher,
		Pool:             pool,
		Clock:            time.Now,
		Concurrency:      cfg.Daemon.JobConcurrencyNum,
		EnablePollingLog: cfg.Daemon.PollingLogEnabled(),
		QueryParams:      cfg.Daemon.PollingQueryParams,
	})
	if err != nil {
		logger.Error("Failed to initialize dispatcher", slog.Any("error", err))
		return daemon.ExitFailure
	}

	scheduler := worker.NewScheduler(logger,
		cfg.Daemon.PollingInitialDelay,
		cfg.Daemon.PollingInterval,
		dispatcher.Poll,
	)

	controller := daemon.NewController(&daemon.Config{
		Logger:       logger.With(slog.String("component", "controller")),
		StopFilePath: cfg.Daemon.PollingStopFilePath,
		Dispatcher:   dispatcher,
		Scheduler:    scheduler,
		Pool:         pool,
		DrainTimeout: cfg.Daemon.JobAwaitTermination,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := controller.Run(ctx)

	logger.Info("Batch daemon exiting",
		slog.Int("exit_code", code),
		slog.String("state", controller.State().String()),
	)
	return code
}

// launcher is both the job runner and its readiness check
type launcher interface {
	worker.JobRunner
	worker.JobRegistry
}

// initRunner builds the job runner selected by runner.mode
func initRunner(cfg *config.Config, ids runner.IDSource, logger *slog.Logger) (launcher, func(), error) {
	switch cfg.Runner.Mode {
	case config.RunnerModeAMQP:
		rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}

		remote, err := runner.NewRemote(&runner.RemoteConfig{
			Logger:           logger,
			Publisher:        rabbitClient,
			IDs:              ids,
			AllowedJobs:      cfg.Runner.Jobs,
			RoutingKeyPrefix: cfg.RabbitMQ.RoutingKeyPrefix,
		})
		if err != nil {
			rabbitClient.Close()
			return nil, nil, err
		}
		return remote, func() { rabbitClient.Close() }, nil

	default:
		registry := runner.NewRegistry(logger, ids)
		if err := jobs.Register(registry, jobs.Options{
			Logger:        logger,
			ShellCommands: cfg.Runner.ShellCommands,
		}); err != nil {
			return nil, nil, err
		}
		registry.MarkRunning()

		logger.Info("Local job registry ready",
			slog.Any("jobs", registry.JobNames()),
		)
		return registry, registry.LogSummary, nil
	}
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
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}
