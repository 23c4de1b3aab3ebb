package runner

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
)

// JobFunc is the body of a locally registered job
type JobFunc func(ctx context.Context, params map[string]string) error

// Job is a named job known to the local registry
type Job struct {
	Name string
	// Validate checks parsed parameters before an execution is created. Optional.
	Validate func(params map[string]string) error
	Run      JobFunc
}

// IDSource allocates job execution ids
type IDSource interface {
	NextExecutionID(ctx context.Context) (int64, error)
}

// ExecutionStatus is the state of a local job execution
type ExecutionStatus string

const (
	ExecutionStarted   ExecutionStatus = "STARTED"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Execution records one run of a local job
type Execution struct {
	ID         int64
	RunID      string
	JobName    string
	Parameters string
	Status     ExecutionStatus
	StartedAt  time.Time
	EndedAt    time.Time
	Error      string
}

const maxExecutionHistory = 256

// RunIDParam names the parameter that distinguishes job instances launched
// with otherwise identical parameters. When a request omits it, the
// execution id is used, so every launch is a new instance. A caller that
// supplies it is rejected while an instance with the same run id and
// parameters is still running.
const RunIDParam = "run_id"

// Registry launches locally registered jobs. A job runs on the caller's
// goroutine so the caller stays busy for the job's whole duration.
type Registry struct {
	logger *slog.Logger
	ids    IDSource
	clock  func() time.Time

	mu         sync.Mutex
	jobs       map[string]Job
	running    map[string]struct{}
	executions []Execution

	ready   atomic.Bool
	localID atomic.Int64
}

// NewRegistry creates an empty registry. When ids is nil, execution ids come
// from an in-memory counter.
func NewRegistry(logger *slog.Logger, ids IDSource) *Registry {
	return &Registry{
		logger:  logger,
		ids:     ids,
		clock:   time.Now,
		jobs:    make(map[string]Job),
		running: make(map[string]struct{}),
	}
}

// Register adds a job under its name
func (r *Registry) Register(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no run function", job.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.Name]; exists {
		return fmt.Errorf("job %q already registered", job.Name)
	}
	r.jobs[job.Name] = job

	r.logger.Debug("Job registered", slog.String("job_name", job.Name))
	return nil
}

// JobNames returns the registered job names in sorted order
func (r *Registry) JobNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarkRunning signals that registration is complete and jobs may be launched
func (r *Registry) MarkRunning() {
	r.ready.Store(true)
}

// IsRunning reports whether the registry accepts launches
func (r *Registry) IsRunning() bool {
	return r.ready.Load()
}

// Start runs jobName with the given space-delimited parameters and returns
// the execution id. A job that fails while running still yields its id and a
// nil error; only launch rejections and id allocation failures are errors.
func (r *Registry) Start(ctx context.Context, jobName, jobParameters string) (int64, error) {
	return r.launch(ctx, jobName, jobParameters, r.nextID)
}

// Execute runs jobName under an execution id allocated elsewhere, as for
// launches received from a remote dispatcher.
func (r *Registry) Execute(ctx context.Context, executionID int64, jobName, jobParameters string) error {
	_, err := r.launch(ctx, jobName, jobParameters, func(context.Context) (int64, error) {
		return executionID, nil
	})
	return err
}

func (r *Registry) launch(ctx context.Context, jobName, jobParameters string, allocate func(context.Context) (int64, error)) (int64, error) {
	r.mu.Lock()
	job, ok := r.jobs[jobName]
	r.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrJobNotFound, jobName)
	}

	params, err := domain.ParseParameters(jobParameters)
	if err != nil {
		return 0, err
	}

	runID, explicitRun := params[RunIDParam]
	if explicitRun && runID == "" {
		return 0, fmt.Errorf("%w: %s: empty %s", domain.ErrInvalidParameters, jobName, RunIDParam)
	}
	identity := jobIdentity(jobName, params)
	delete(params, RunIDParam)

	if job.Validate != nil {
		if err := job.Validate(params); err != nil {
			return 0, fmt.Errorf("%w: %s: %v", domain.ErrInvalidParameters, jobName, err)
		}
	}

	// only a caller-supplied run id can collide with a running instance
	if explicitRun {
		r.mu.Lock()
		if _, busy := r.running[identity]; busy {
			r.mu.Unlock()
			return 0, fmt.Errorf("%w: %s", domain.ErrJobAlreadyRunning, identity)
		}
		r.running[identity] = struct{}{}
		r.mu.Unlock()

		defer func() {
			r.mu.Lock()
			delete(r.running, identity)
			r.mu.Unlock()
		}()
	}

	id, err := allocate(ctx)
	if err != nil {
		return 0, err
	}
	if !explicitRun {
		runID = strconv.FormatInt(id, 10)
	}

	exec := Execution{
		ID:         id,
		RunID:      runID,
		JobName:    jobName,
		Parameters: jobParameters,
		Status:     ExecutionStarted,
		StartedAt:  r.clock(),
	}

	r.logger.Info("Job execution started",
		slog.Int64("job_execution_id", id),
		slog.String("job_name", jobName),
		slog.String("run_id", runID),
		slog.String("job_parameter", jobParameters),
	)

	runErr := runJob(ctx, job, params)

	exec.EndedAt = r.clock()
	if runErr != nil {
		exec.Status = ExecutionFailed
		exec.Error = runErr.Error()
		r.logger.Error("Job execution failed",
			slog.Int64("job_execution_id", id),
			slog.String("job_name", jobName),
			slog.Duration("duration", exec.EndedAt.Sub(exec.StartedAt)),
			slog.Any("error", runErr),
		)
	} else {
		exec.Status = ExecutionCompleted
		r.logger.Info("Job execution completed",
			slog.Int64("job_execution_id", id),
			slog.String("job_name", jobName),
			slog.Duration("duration", exec.EndedAt.Sub(exec.StartedAt)),
		)
	}
	r.record(exec)

	return id, nil
}

func runJob(ctx context.Context, job Job, params map[string]string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v\n%s", job.Name, r, debug.Stack())
		}
	}()
	return job.Run(ctx, params)
}

func (r *Registry) nextID(ctx context.Context) (int64, error) {
	if r.ids == nil {
		return r.localID.Add(1), nil
	}

	id, err := r.ids.NextExecutionID(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate execution id: %w", err)
	}
	return id, nil
}

func (r *Registry) record(exec Execution) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executions = append(r.executions, exec)
	if len(r.executions) > maxExecutionHistory {
		r.executions = r.executions[len(r.executions)-maxExecutionHistory:]
	}
}

// Executions returns the most recent finished executions, oldest first
func (r *Registry) Executions() []Execution {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Execution(nil), r.executions...)
}

// LogSummary logs how the retained executions ended
func (r *Registry) LogSummary() {
	var completed, failed int
	for _, exec := range r.Executions() {
		if exec.Status == ExecutionFailed {
			failed++
			continue
		}
		completed++
	}

	r.logger.Info("Local job executions",
		slog.Int("completed", completed),
		slog.Int("failed", failed),
	)
}

// jobIdentity is the job name plus its parameters, run id included, in
// sorted key order, so "a=1 b=2" and "b=2 a=1" name the same instance.
func jobIdentity(jobName string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(jobName)
	for _, key := range keys {
		b.WriteString(" ")
		b.WriteString(key)
		b.WriteString("=")
		b.WriteString(params[key])
	}
	return b.String()
}
