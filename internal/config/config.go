package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	// EnvConfigPath overrides the default daemon config location
	EnvConfigPath = "BATCH_DAEMON_CONFIG_PATH"
	// DefaultConfigPath is used when no path is given on the command line or in the environment
	DefaultConfigPath = "configs/batch-daemon/config.yaml"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	RunnerModeLocal = "local"
	RunnerModeAMQP  = "amqp"
)

// Daemon defaults
const (
	DefaultJobConcurrencyNum   = 3
	DefaultPollingInterval     = 10 * time.Second
	DefaultPollingInitialDelay = time.Second
	DefaultJobAwaitTermination = 600 * time.Second
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Runner   RunnerConfig   `yaml:"runner"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the job request store connection configuration.
// Host, Port, User, Password, Database and SSLMode apply to postgres; Path
// and BusyTimeout apply to sqlite.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	Path            string        `yaml:"path"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectRetries  int           `yaml:"connect_retries"`
	ConnectInterval time.Duration `yaml:"connect_retry_interval"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host             string           `yaml:"host"`
	Port             int              `yaml:"port"`
	User             string           `yaml:"user"`
	Password         string           `yaml:"password"`
	VHost            string           `yaml:"vhost"`
	Exchange         ExchangeConfig   `yaml:"exchange"`
	RoutingKeyPrefix string           `yaml:"routing_key_prefix"`
	Connection       ConnectionConfig `yaml:"connection"`
	Publish          PublishConfig    `yaml:"publish"`
	Queue            QueueConfig      `yaml:"queue"`
}

// QueueConfig holds the launch queue read by the job worker
type QueueConfig struct {
	Name     string `yaml:"name"`
	Durable  bool   `yaml:"durable"`
	Prefetch int    `yaml:"prefetch"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// DaemonConfig holds the polling daemon tunables
type DaemonConfig struct {
	PollingStopFilePath string            `yaml:"polling_stop_file_path"`
	JobConcurrencyNum   int               `yaml:"job_concurrency_num"`
	PollingInterval     time.Duration     `yaml:"polling_interval"`
	PollingInitialDelay time.Duration     `yaml:"polling_initial_delay"`
	JobAwaitTermination time.Duration     `yaml:"job_await_termination"`
	EnablePollingLog    *bool             `yaml:"enable_polling_log"`
	PollingQueryParams  map[string]string `yaml:"polling_query_params"`
}

// PollingLogEnabled reports whether each poll cycle is logged
func (d DaemonConfig) PollingLogEnabled() bool {
	return d.EnablePollingLog == nil || *d.EnablePollingLog
}

// RunnerConfig selects how claimed requests are launched
type RunnerConfig struct {
	Mode          string   `yaml:"mode"`
	Jobs          []string `yaml:"jobs"`
	ShellCommands []string `yaml:"shell_commands"`
}

// ResolvePath picks the daemon config path from the first command line
// argument, then the environment, then the default location.
func ResolvePath(args []string) string {
	if len(args) > 0 && args[0] != "" {
		return args[0]
	}
	if path := os.Getenv(EnvConfigPath); path != "" {
		return path
	}
	return DefaultConfigPath
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills unset fields with their default values
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.BusyTimeout == 0 {
		c.Database.BusyTimeout = 5 * time.Second
	}
	if c.Database.ConnectInterval == 0 {
		c.Database.ConnectInterval = 2 * time.Second
	}

	if c.Daemon.JobConcurrencyNum == 0 {
		c.Daemon.JobConcurrencyNum = DefaultJobConcurrencyNum
	}
	if c.Daemon.PollingInterval == 0 {
		c.Daemon.PollingInterval = DefaultPollingInterval
	}
	if c.Daemon.PollingInitialDelay == 0 {
		c.Daemon.PollingInitialDelay = DefaultPollingInitialDelay
	}
	if c.Daemon.JobAwaitTermination == 0 {
		c.Daemon.JobAwaitTermination = DefaultJobAwaitTermination
	}

	if c.Runner.Mode == "" {
		c.Runner.Mode = RunnerModeLocal
	}

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "topic"
	}
	if c.RabbitMQ.VHost == "" {
		c.RabbitMQ.VHost = "/"
	}
	if c.RabbitMQ.Queue.Prefetch == 0 {
		c.RabbitMQ.Queue.Prefetch = 1
	}
}

// ValidateAPIConfig checks the configuration needed by the job request API
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	return c.validateDatabase()
}

// ValidateDaemonConfig checks the configuration needed by the batch daemon.
// The stop file path itself is validated when the daemon starts.
func (c *Config) ValidateDaemonConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	if c.Daemon.JobConcurrencyNum <= 0 {
		return fmt.Errorf("daemon job_concurrency_num must be greater than 0")
	}

	if c.Daemon.PollingInterval <= 0 {
		return fmt.Errorf("daemon polling_interval must be greater than 0")
	}

	if c.Daemon.PollingInitialDelay < 0 {
		return fmt.Errorf("daemon polling_initial_delay must not be negative")
	}

	if c.Daemon.JobAwaitTermination < 0 {
		return fmt.Errorf("daemon job_await_termination must not be negative")
	}

	switch c.Runner.Mode {
	case RunnerModeLocal:
	case RunnerModeAMQP:
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid runner mode: %q (must be %s or %s)", c.Runner.Mode, RunnerModeLocal, RunnerModeAMQP)
	}

	return nil
}

// ValidateWorkerConfig checks the configuration needed by the job worker that
// consumes remote launches
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.RabbitMQ.Queue.Prefetch <= 0 {
		return fmt.Errorf("rabbitmq queue prefetch must be greater than 0")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	switch strings.ToLower(c.Database.Driver) {
	case DriverPostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	return nil
}
