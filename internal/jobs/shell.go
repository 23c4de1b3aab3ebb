package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/cuongbtq/async-batch-daemon/internal/runner"
)

// ShellJobName is the registered name of the shell job
const ShellJobName = "shell"

// Shell runs command=<name> with arguments arg=, arg1=, arg2=... in order.
// Only commands in allowed may run.
func Shell(logger *slog.Logger, allowed []string) runner.Job {
	allowSet := make(map[string]struct{}, len(allowed))
	for _, cmd := range allowed {
		allowSet[cmd] = struct{}{}
	}

	// parse returns the ordered arguments of an allowed command
	parse := func(params map[string]string) ([]string, error) {
		command := params["command"]
		if command == "" {
			return nil, errors.New("command is required")
		}
		if _, ok := allowSet[command]; !ok {
			return nil, fmt.Errorf("command %q is not allowed", command)
		}
		return shellArgs(params)
	}

	return runner.Job{
		Name: ShellJobName,
		Validate: func(params map[string]string) error {
			_, err := parse(params)
			return err
		},
		Run: func(ctx context.Context, params map[string]string) error {
			args, err := parse(params)
			if err != nil {
				return err
			}

			out, err := exec.CommandContext(ctx, params["command"], args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("shell error: %w; out=%s", err, strings.TrimSpace(string(out)))
			}

			logger.Debug("Shell job output",
				slog.String("command", params["command"]),
				slog.String("output", strings.TrimSpace(string(out))),
			)
			return nil
		},
	}
}

func shellArgs(params map[string]string) ([]string, error) {
	type indexed struct {
		pos   int
		value string
	}

	var args []indexed
	for key, value := range params {
		switch {
		case key == "command":
		case key == "arg":
			args = append(args, indexed{pos: 0, value: value})
		case strings.HasPrefix(key, "arg"):
			pos, err := strconv.Atoi(strings.TrimPrefix(key, "arg"))
			if err != nil || pos < 1 {
				return nil, fmt.Errorf("invalid argument key %q", key)
			}
			args = append(args, indexed{pos: pos, value: value})
		default:
			return nil, fmt.Errorf("unknown parameter %q", key)
		}
	}

	sort.Slice(args, func(i, j int) bool { return args[i].pos < args[j].pos })

	out := make([]string, len(args))
	for i, a := range args {
		out[i] = a.value
	}
	return out, nil
}
