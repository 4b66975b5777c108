package health

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

// Runner executes a command and returns its combined output. Adapters supply
// a Runner that reaches the workload host, e.g. over SSH.
type Runner func(ctx context.Context, command []string) (output string, err error)

// ExecChecker performs exec-based health checks by running a command
type ExecChecker struct {
	// Command is the command to execute (e.g., ["test", "-f", "/done.txt"])
	Command []string

	// Timeout is the command execution timeout (default: 10 seconds)
	Timeout time.Duration

	// Runner executes the command. When nil the command runs on the
	// local host, which is only useful for testing.
	Runner Runner
}

// NewExecChecker creates a new exec health checker
func NewExecChecker(command []string) *ExecChecker {
	return &ExecChecker{
		Command: command,
		Timeout: 10 * time.Second,
	}
}

// Check performs the exec health check
func (e *ExecChecker) Check(ctx context.Context) Result {
	start := time.Now()

	if len(e.Command) == 0 {
		return Result{
			Healthy:   false,
			Message:   "no command specified",
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	// Create context with timeout
	execCtx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	runner := e.Runner
	if runner == nil {
		runner = hostRunner
	}

	output, err := runner(execCtx, e.Command)

	// Build result message
	message := fmt.Sprintf("Command: %v", e.Command)
	if err != nil {
		message = fmt.Sprintf("%s, Error: %v", message, err)
		if output != "" {
			message = fmt.Sprintf("%s, Output: %s", message, truncate(output, 100))
		}

		return Result{
			Healthy:   false,
			Message:   message,
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	// Command succeeded (exit code 0)
	if output != "" {
		message = fmt.Sprintf("%s, Output: %s", message, truncate(output, 100))
	}

	return Result{
		Healthy:   true,
		Message:   message,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the health check type
func (e *ExecChecker) Type() CheckType {
	return CheckTypeExec
}

// WithTimeout sets the execution timeout
func (e *ExecChecker) WithTimeout(timeout time.Duration) *ExecChecker {
	e.Timeout = timeout
	return e
}

// WithRunner sets the command runner
func (e *ExecChecker) WithRunner(runner Runner) *ExecChecker {
	e.Runner = runner
	return e
}

func hostRunner(ctx context.Context, command []string) (string, error) {
	cmd := exec.CommandContext(ctx, command[0], command[1:]...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stderr.String(), err
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
