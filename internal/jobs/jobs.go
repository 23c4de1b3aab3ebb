// Package jobs holds the built-in jobs the daemon can run without an
// external execution engine.
package jobs

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/async-batch-daemon/internal/runner"
)

// Options configures the built-in jobs
type Options struct {
	Logger *slog.Logger
	// ShellCommands allow-lists executables for the shell job. The shell job
	// is not registered when empty.
	ShellCommands []string
	HTTPClient    *http.Client
}

// Register adds every built-in job to the registry
func Register(registry *runner.Registry, opts Options) error {
	builtins := []runner.Job{
		Sleep(),
		HTTP(opts.HTTPClient),
	}
	if len(opts.ShellCommands) > 0 {
		builtins = append(builtins, Shell(opts.Logger, opts.ShellCommands))
	}

	for _, job := range builtins {
		if err := registry.Register(job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", job.Name, err)
		}
	}
	return nil
}
