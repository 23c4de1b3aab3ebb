package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/async-batch-daemon/internal/domain"
)

// executeJob claims req (INIT -> POLLED), launches it and always records the
// outcome (POLLED -> EXECUTED) whether the launch succeeded, was rejected or
// panicked.
func (d *Dispatcher) executeJob(ctx context.Context, req *domain.JobRequest) {
	if !d.updateStatusPolled(ctx, req) {
		d.stats.claimRaceLost.Add(1)
		d.logger.Debug("Job request already claimed by another instance",
			slog.Int64("job_seq_id", req.SequenceID),
		)
		return
	}
	d.stats.claimed.Add(1)

	var executionID *int64
	defer func() {
		if r := recover(); r != nil {
			d.stats.launchFailed.Add(1)
			d.logger.Error("Job launch panicked",
				slog.Int64("job_seq_id", req.SequenceID),
				slog.String("job_name", req.JobName),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
		d.updateExecutionID(ctx, req, executionID)
	}()

	id, err := d.runner.Start(ctx, req.JobName, req.Parameters())
	switch {
	case err == nil:
		executionID = &id
		d.logger.Info("Job launched",
			slog.Int64("job_seq_id", req.SequenceID),
			slog.String("job_name", req.JobName),
			slog.Int64("job_execution_id", id),
		)
	case domain.IsJobRejection(err):
		d.stats.rejected.Add(1)
		d.logger.Error("Job launch rejected",
			slog.Int64("job_seq_id", req.SequenceID),
			slog.String("job_name", req.JobName),
			slog.String("job_parameter", req.Parameters()),
			slog.Any("error", err),
		)
	default:
		d.stats.launchFailed.Add(1)
		d.logger.Error("Job launch failed",
			slog.Int64("job_seq_id", req.SequenceID),
			slog.String("job_name", req.JobName),
			slog.Any("error", err),
		)
	}
}

func (d *Dispatcher) updateStatusPolled(ctx context.Context, req *domain.JobRequest) bool {
	claim := *req
	claim.PollingStatus = domain.PollingStatusPolled
	claim.UpdatedAt = d.clock()

	return d.updateRequestTable(ctx, &claim, domain.PollingStatusInit)
}

func (d *Dispatcher) updateExecutionID(ctx context.Context, req *domain.JobRequest, executionID *int64) {
	done := *req
	done.PollingStatus = domain.PollingStatusExecuted
	done.ExecutionID = executionID
	done.UpdatedAt = d.clock()

	if d.updateRequestTable(ctx, &done, domain.PollingStatusPolled) {
		d.stats.executed.Add(1)
		return
	}

	d.stats.executedUpdateLost.Add(1)
	d.logger.Warn("Job request left POLLED, EXECUTED update matched no row",
		slog.Int64("job_seq_id", req.SequenceID),
		slog.String("job_name", req.JobName),
	)
}

// updateRequestTable applies a guarded transition and reports whether
// exactly one row moved. Store errors count as no row moved. An integrity
// violation means the table no longer identifies rows uniquely, so the
// dispatcher stops polling instead of treating it as a lost race.
func (d *Dispatcher) updateRequestTable(ctx context.Context, req *domain.JobRequest, expected domain.PollingStatus) bool {
	if !expected.CanTransitionTo(req.PollingStatus) {
		d.logger.Error("Illegal job request status transition",
			slog.Int64("job_seq_id", req.SequenceID),
			slog.String("from", expected.String()),
			slog.String("to", req.PollingStatus.String()),
		)
		return false
	}

	// transitions must land even when running tasks are force-canceled
	rows, err := d.store.UpdateStatus(context.WithoutCancel(ctx), req, expected)
	if errors.Is(err, domain.ErrIntegrityViolation) {
		d.logger.Error("Job request table integrity violated, stopping dispatch",
			slog.Int64("job_seq_id", req.SequenceID),
			slog.String("from", expected.String()),
			slog.String("to", req.PollingStatus.String()),
			slog.Any("error", err),
		)
		d.Shutdown()
		return false
	}
	if err != nil {
		d.logger.Error("Failed to update job request status",
			slog.Int64("job_seq_id", req.SequenceID),
			slog.String("from", expected.String()),
			slog.String("to", req.PollingStatus.String()),
			slog.Any("error", err),
		)
		return false
	}
	return rows == 1
}
