package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"missionctl/internal/model"
)

const exitMarker = "__MISSIONCTL_EXIT__:"

type RunOptions struct {
	Timeout time.Duration
	// CaptureOnFail re-runs a command whose execution faulted without an
	// observable exit status, echoing the status to stdout so output and code
	// survive the fault.
	CaptureOnFail bool
}

// Run executes command with the default timeout and capture enabled.
func (s *Sandbox) Run(ctx context.Context, command string) model.CommandResult {
	return s.RunCommand(ctx, command, RunOptions{CaptureOnFail: true})
}

// RunCommand executes command in the working tree. It always returns a
// populated result: timeouts map to exit code 124 and faults that leave no
// observable result map to exit code 1.
func (s *Sandbox) RunCommand(ctx context.Context, command string, options RunOptions) model.CommandResult {
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = s.options.CommandTimeout
	}
	logger := s.logger.With("command", command)
	logger.Info("exec")

	if err := s.begin(); err != nil {
		logger.Warn("command rejected", "error", err)
		return failed(err.Error())
	}
	defer s.end()

	result, err := s.env.Run(ctx, s.inWorkDir(command), timeout)
	if err == nil {
		return result
	}
	if errors.Is(err, ErrTimeout) {
		logger.Warn("command timed out", "timeout", timeout)
		return timedOut(result, timeout)
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Result.ExitCode != 0 {
		logger.Warn("command failed", "exit_code", exitErr.Result.ExitCode)
		return exitErr.Result
	}
	if !options.CaptureOnFail {
		logger.Warn("command fault", "error", err)
		return failed(err.Error())
	}
	recaptured, recaptureErr := s.recapture(ctx, command, timeout)
	if recaptureErr == nil {
		logger.Warn("command failed", "exit_code", recaptured.ExitCode)
		return recaptured
	}
	if errors.Is(recaptureErr, ErrTimeout) {
		logger.Warn("command recapture timed out", "timeout", timeout)
		return timedOut(model.CommandResult{}, timeout)
	}
	logger.Warn("command recapture failed", "error", recaptureErr)
	return failed(fmt.Sprintf("%v (recapture: %v)", err, recaptureErr))
}

// recapture runs command in a subshell with stderr folded into stdout and
// the exit status appended after a marker, then parses it back out.
func (s *Sandbox) recapture(ctx context.Context, command string, timeout time.Duration) (model.CommandResult, error) {
	wrapped := fmt.Sprintf("( %s\n) 2>&1; echo \"%s$?\"", command, exitMarker)
	result, err := s.env.Run(ctx, s.inWorkDir(wrapped), timeout)
	if err != nil {
		return model.CommandResult{}, err
	}
	return parseMarked(result.Stdout), nil
}

func parseMarked(output string) model.CommandResult {
	index := strings.LastIndex(output, exitMarker)
	if index < 0 {
		return model.CommandResult{Stdout: output, ExitCode: model.ExitCodeFailure}
	}
	code, err := strconv.Atoi(strings.TrimSpace(output[index+len(exitMarker):]))
	if err != nil {
		code = model.ExitCodeFailure
	}
	return model.CommandResult{
		Stdout:   strings.TrimSpace(output[:index]),
		ExitCode: code,
	}
}

func timedOut(partial model.CommandResult, timeout time.Duration) model.CommandResult {
	message := fmt.Sprintf("command timed out after %s", timeout)
	if stderr := strings.TrimSpace(partial.Stderr); stderr != "" {
		message = stderr + "\n" + message
	}
	return model.CommandResult{
		Stdout:   partial.Stdout,
		Stderr:   message,
		ExitCode: model.ExitCodeTimeout,
	}
}

func failed(message string) model.CommandResult {
	return model.CommandResult{Stderr: message, ExitCode: model.ExitCodeFailure}
}
