package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite
const DriverName = "sqlite"

func init() {
	// sqlx does not know the modernc driver name; it uses '?' placeholders.
	sqlx.BindDriver(DriverName, sqlx.QUESTION)
}

// Config holds SQLite database configuration
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

// DSN builds the modernc connection string with WAL, busy timeout and
// sqlite-formatted time values
func (c *Config) DSN() string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	path := c.Path
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_time_format=sqlite", path, busy.Milliseconds())
}

// Client represents a SQLite database client
type Client struct {
	db     *sqlx.DB
	config *Config
	logger *slog.Logger
}

// NewClient opens the SQLite database file, creating it if needed
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	logger.Info("Opening SQLite database",
		slog.String("path", config.Path),
	)

	db, err := sqlx.Open(DriverName, config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	return &Client{
		db:     db,
		config: config,
		logger: logger,
	}, nil
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Close closes the database
func (c *Client) Close() error {
	c.logger.Info("Closing SQLite database")

	if c.db != nil {
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close SQLite database",
				slog.Any("error", err),
			)
			return err
		}
	}
	return nil
}

// HealthCheck performs a health check on the database
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var result int
	if err := c.db.GetContext(ctx, &result, "SELECT 1"); err != nil {
		return fmt.Errorf("database query health check failed: %w", err)
	}
	return nil
}
