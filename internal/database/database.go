package database

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/async-batch-daemon/internal/config"
	"github.com/cuongbtq/async-batch-daemon/internal/worker/storage"
	"github.com/cuongbtq/async-batch-daemon/shared/postgresql"
	"github.com/cuongbtq/async-batch-daemon/shared/sqlite"
	"github.com/jmoiron/sqlx"
)

type client interface {
	GetDB() *sqlx.DB
	HealthCheck(ctx context.Context) error
	Close() error
}

// Open connects to the job request store selected by database.driver and,
// when auto_migrate is set, creates the tables. The returned func closes the
// connection.
func Open(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*sqlx.DB, func(), error) {
	c, err := connect(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	db := c.GetDB()
	closeDB := func() { c.Close() }

	if err := c.HealthCheck(ctx); err != nil {
		closeDB()
		return nil, nil, err
	}

	if cfg.AutoMigrate {
		if err := storage.EnsureSchema(ctx, db); err != nil {
			closeDB()
			return nil, nil, err
		}
		logger.Info("Database schema ensured", slog.String("driver", db.DriverName()))
	}

	return db, closeDB, nil
}

func connect(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (client, error) {
	if cfg.Driver == config.DriverSQLite {
		return sqlite.NewClient(&sqlite.Config{
			Path:        cfg.Path,
			BusyTimeout: cfg.BusyTimeout,
		}, logger)
	}

	return postgresql.NewClient(ctx, &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,

		ConnectRetries:       cfg.ConnectRetries,
		ConnectRetryInterval: cfg.ConnectInterval,
	}, logger)
}
