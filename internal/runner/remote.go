package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
	"github.com/cuongbtq/async-batch-daemon/shared/rabbitmq"
	"github.com/google/uuid"
)

// Publisher sends launch messages to the broker
type Publisher interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
	IsConnected() bool
}

// LaunchMessage is the JSON body published for each remote launch
type LaunchMessage struct {
	ExecutionID   int64             `json:"execution_id"`
	JobName       string            `json:"job_name"`
	Parameters    map[string]string `json:"parameters"`
	RawParameters string            `json:"raw_parameters"`
	RequestedAt   time.Time         `json:"requested_at"`
}

// RemoteConfig holds remote runner configuration
type RemoteConfig struct {
	Logger           *slog.Logger
	Publisher        Publisher
	IDs              IDSource
	AllowedJobs      []string
	RoutingKeyPrefix string
	Clock            func() time.Time
}

// Remote launches jobs by publishing them to a job execution engine over AMQP
type Remote struct {
	logger           *slog.Logger
	publisher        Publisher
	ids              IDSource
	allowed          map[string]struct{}
	routingKeyPrefix string
	clock            func() time.Time
}

// NewRemote creates a remote runner. An empty allow-list accepts every job name.
func NewRemote(cfg *RemoteConfig) (*Remote, error) {
	if cfg.Publisher == nil || cfg.IDs == nil {
		return nil, fmt.Errorf("remote runner requires a publisher and an id source")
	}

	allowed := make(map[string]struct{}, len(cfg.AllowedJobs))
	for _, name := range cfg.AllowedJobs {
		allowed[name] = struct{}{}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Remote{
		logger:           cfg.Logger,
		publisher:        cfg.Publisher,
		ids:              cfg.IDs,
		allowed:          allowed,
		routingKeyPrefix: cfg.RoutingKeyPrefix,
		clock:            clock,
	}, nil
}

// IsRunning reports whether the broker connection is alive
func (r *Remote) IsRunning() bool {
	return r.publisher.IsConnected()
}

// Start publishes a launch message and returns the allocated execution id
func (r *Remote) Start(ctx context.Context, jobName, jobParameters string) (int64, error) {
	if len(r.allowed) > 0 {
		if _, ok := r.allowed[jobName]; !ok {
			return 0, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobName)
		}
	}

	params, err := domain.ParseParameters(jobParameters)
	if err != nil {
		return 0, err
	}

	id, err := r.ids.NextExecutionID(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate execution id: %w", err)
	}

	body, err := json.Marshal(LaunchMessage{
		ExecutionID:   id,
		JobName:       jobName,
		Parameters:    params,
		RawParameters: jobParameters,
		RequestedAt:   r.clock(),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal launch message: %w", err)
	}

	msg := rabbitmq.Message{
		RoutingKey:  r.routingKey(jobName),
		MessageID:   uuid.NewString(),
		ContentType: "application/json",
		Headers: map[string]any{
			"job_name":         jobName,
			"job_execution_id": strconv.FormatInt(id, 10),
		},
		Body: body,
	}

	if err := r.publisher.PublishWithRetry(ctx, msg); err != nil {
		return 0, fmt.Errorf("failed to publish launch for %s: %w", jobName, err)
	}

	r.logger.Info("Job launch published",
		slog.Int64("job_execution_id", id),
		slog.String("job_name", jobName),
		slog.String("message_id", msg.MessageID),
	)

	return id, nil
}

func (r *Remote) routingKey(jobName string) string {
	if r.routingKeyPrefix == "" {
		return jobName
	}
	return r.routingKeyPrefix + "." + jobName
}
