package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/async-batch-daemon/internal/runner"
)

// SleepJobName is the registered name of the sleep job
const SleepJobName = "sleep"

// Sleep waits for duration=<go duration>. Useful for smoke tests and for
// holding a worker busy.
func Sleep() runner.Job {
	return runner.Job{
		Name: SleepJobName,
		Validate: func(params map[string]string) error {
			_, err := sleepDuration(params)
			return err
		},
		Run: func(ctx context.Context, params map[string]string) error {
			d, err := sleepDuration(params)
			if err != nil {
				return err
			}

			timer := time.NewTimer(d)
			defer timer.Stop()

			select {
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("sleep interrupted: %w", ctx.Err())
			}
		},
	}
}

func sleepDuration(params map[string]string) (time.Duration, error) {
	raw, ok := params["duration"]
	if !ok {
		return 0, errors.New("duration is required")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must not be negative")
	}
	return d, nil
}
